// Package proxy implements the proxy pipeline: the request state
// machine that ties together secret scanning, anonymization, response
// caching, quota accounting, the upstream forward, and deanonymization.
//
//	RECEIVED -> SECRET-SCAN -> ANONYMIZE -> CACHE-LOOKUP -> QUOTA-CHECK
//	         -> FORWARD-UPSTREAM -> { STREAMING | UNARY } -> RESTORE
//	         -> CACHE-STORE -> RESPOND -> DONE
//
// Every request forwards to one configured upstream_url and is driven
// through the stages above, rather than dispatched by a per-request
// domain decision.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ai-anonymizing-proxy/internal/anonymizer"
	"ai-anonymizing-proxy/internal/cache"
	"ai-anonymizing-proxy/internal/config"
	"ai-anonymizing-proxy/internal/deanonymizer"
	"ai-anonymizing-proxy/internal/logger"
	"ai-anonymizing-proxy/internal/mapping"
	"ai-anonymizing-proxy/internal/metrics"
	"ai-anonymizing-proxy/internal/quota"
	"ai-anonymizing-proxy/internal/secretscan"
	"ai-anonymizing-proxy/internal/strategy"
)

// Server is the reverse-proxy HTTP server: one fixed upstream, one
// anonymize/deanonymize pipeline in front of it.
type Server struct {
	cfgMgr    *config.Manager
	anon      *anonymizer.Anonymizer
	hashIdx   strategy.HashIndex
	store     mapping.Store
	cache     *cache.Cache
	quota     quota.Counter
	scanner   *secretscan.Scanner
	m         *metrics.Metrics
	log       *logger.Logger
	transport *http.Transport
	router    chi.Router
}

// New builds a Server wiring every pipeline component. The scanner and
// quota counter are constructed by the caller from cfgMgr's initial
// snapshot; hot-reloading those two (unlike detectors/allowlists) is out
// of the core's scope — the transport itself is built once, here, and
// reused for the server's lifetime.
func New(cfgMgr *config.Manager, anon *anonymizer.Anonymizer, hashIdx strategy.HashIndex, store mapping.Store, respCache *cache.Cache, q quota.Counter, scanner *secretscan.Scanner, m *metrics.Metrics, log *logger.Logger) *Server {
	cfg := cfgMgr.Current()

	s := &Server{
		cfgMgr:  cfgMgr,
		anon:    anon,
		hashIdx: hashIdx,
		store:   store,
		cache:   respCache,
		quota:   q,
		scanner: scanner,
		m:       m,
		log:     log,
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.UpstreamConnectTimeout(),
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          200,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handleModels)
	r.Post("/api/test/anonymize", s.handleTestAnonymize)
	r.Post("/api/test/deanonymize", s.handleTestDeanonymize)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases resources owned directly by the server: the mapping
// store, the quota counter's sweep loop, and the hash shadow index's
// backing bbolt file, if any.
func (s *Server) Close() error {
	if err := s.store.Close(); err != nil {
		return err
	}
	if err := s.quota.Close(); err != nil {
		return err
	}
	if closer, ok := s.hashIdx.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status": "ok",
		"uptime": s.m.Uptime().String(),
	})
}

// handleModels is a fixed stub list — model discovery is not proxied to
// the upstream; the endpoint exists only to round out the client-facing
// surface.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"object": "list",
		"data":   []any{},
	})
}

// tenantID resolves the caller's tenant. Authentication and multi-tenancy
// proper are out of scope here; this reads whatever an auth layer in
// front of this one already resolved into a header, falling back to a
// single default tenant when none is set.
func tenantID(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}

// handleChatCompletions drives one request through the full pipeline.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfgMgr.Current()
	tenant := tenantID(r)

	ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout())
	defer cancel()

	if err := s.runPipeline(ctx, w, r, cfg, tenant); err != nil {
		perr, ok := err.(*Error)
		if !ok {
			perr = wrapError(KindInternal, "unexpected pipeline failure", err)
		}
		s.m.RequestsBlocked.WithLabelValues(string(perr.Kind)).Inc()
		s.log.Warnf("pipeline", "request failed: kind=%s %v", perr.Kind, perr)
		perr.writeJSON(w)
	}
}

// runPipeline implements RECEIVED -> ... -> DONE. A non-nil return is
// always a *Error; a nil return means the response was already written.
func (s *Server) runPipeline(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg *config.Config, tenant string) error {
	// RECEIVED
	body, err := readBodyLimited(r, cfg.MaxRequestBodyBytes)
	if err != nil {
		return wrapError(KindBadRequest, "failed to read request body", err)
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return wrapError(KindBadRequest, "malformed JSON request body", err)
	}

	// SECRET-SCAN: a blocked finding on the raw (pre-anonymize) body
	// refuses the request before any mapping is ever created — free to
	// reject, since no mapping exists yet to release.
	if cfg.SecretScanEnabled {
		result := s.scanner.Scan(string(body))
		if result.Action == secretscan.ActionBlock {
			s.m.RequestsBlocked.WithLabelValues("secret_blocked").Inc()
			return newError(KindSecretBlocked, "request blocked: matched a disallowed secret pattern")
		}
	}

	// ANONYMIZE
	anonStart := time.Now()
	anonBody, m, err := s.anon.AnonymizeJSON(ctx, body, anonymizer.Options{
		TenantID:           tenant,
		TTL:                cfg.MappingTTL(),
		InjectPrompt:       cfg.InjectPrompt,
		ResolveInstruction: cfg.ResolvePIIInstruction,
	})
	if err != nil {
		s.m.ErrorsAnonymize.Inc()
		return wrapError(KindInternal, "anonymization failed", err)
	}
	s.m.RecordAnonLatency(time.Since(anonStart))
	if m.Len() > 0 {
		s.m.RequestsAnonymized.Inc()
	} else {
		s.m.RequestsPassthrough.Inc()
	}
	releaseMapping := func() { s.store.Delete(context.Background(), m.ID) } //nolint:errcheck

	// CACHE-LOOKUP: keyed on the anonymized (sanitized) body, so callers
	// with different mappings but identical sanitized content share a hit.
	cacheKey := ""
	if cfg.CacheEnabled {
		cacheKey = cache.Key(string(anonBody), req.Model, tenant)
		if entry, ok := s.cache.Get(cacheKey); ok {
			s.m.CacheHits.Inc()
			result := deanonymizer.Deanonymize(entry.ResponseBody, m, s.hashIdx, deanonymizer.Options{
				FuzzyEnabled:             cfg.FuzzyEnabled,
				FuzzyConfidenceThreshold: cfg.FuzzyConfidenceThreshold,
			})
			releaseMapping()
			s.logUnresolved(result.Unresolved)
			return writeUnary(w, http.StatusOK, []byte(result.Text))
		}
		s.m.CacheMisses.Inc()
	}

	// QUOTA-CHECK: increment is observed only after a successful forward,
	// so we pre-increment here and unwind on any later failure.
	allowed, _, err := s.quota.Check(ctx, tenant, quota.WindowDay, quotaLimit(cfg))
	if err != nil {
		releaseMapping()
		return wrapError(KindInternal, "quota check failed", err)
	}
	if !allowed {
		releaseMapping()
		return newError(KindQuotaExceeded, "daily request quota exceeded")
	}
	if _, err := s.quota.Increment(ctx, tenant, quota.WindowDay); err != nil {
		releaseMapping()
		return wrapError(KindInternal, "quota increment failed", err)
	}
	unwindQuota := func() { s.quota.Unwind(context.Background(), tenant, quota.WindowDay) } //nolint:errcheck

	// FORWARD-UPSTREAM
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.UpstreamURL, bytes.NewReader(anonBody))
	if err != nil {
		releaseMapping()
		unwindQuota()
		return wrapError(KindInternal, "failed to build upstream request", err)
	}
	copyForwardableHeaders(upstreamReq.Header, r.Header)
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.ContentLength = int64(len(anonBody))

	upstreamStart := time.Now()
	resp, err := s.transport.RoundTrip(upstreamReq)
	if err != nil {
		releaseMapping()
		unwindQuota()
		s.m.ErrorsUpstream.Inc()
		if ctx.Err() == context.DeadlineExceeded {
			return newError(KindUpstreamTimeout, "upstream request timed out")
		}
		return wrapError(KindUpstreamError, "upstream request failed", err)
	}
	defer resp.Body.Close()
	s.m.RecordUpstreamLatency(time.Since(upstreamStart))

	if resp.StatusCode >= 400 {
		releaseMapping()
		unwindQuota()
		s.m.ErrorsUpstream.Inc()
		passthroughBody, _ := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxRequestBodyBytes))
		return &Error{Kind: KindUpstreamError, Status: resp.StatusCode, Message: "upstream returned an error", Code: string(KindUpstreamError), Cause: fmt.Errorf("%s", passthroughBody)}
	}

	// { STREAMING | UNARY } -> RESTORE -> CACHE-STORE -> RESPOND -> DONE
	if isEventStream(req, resp) {
		return s.streamResponse(ctx, w, resp, m, cfg, releaseMapping)
	}
	return s.unaryResponse(w, resp, m, cfg, cacheKey, releaseMapping)
}

func quotaLimit(cfg *config.Config) int64 {
	if !cfg.RateLimitEnabled || cfg.RateLimit <= 0 {
		return 1<<62 - 1 // effectively unlimited when no quota is configured
	}
	return int64(cfg.RateLimit)
}

func (s *Server) unaryResponse(w http.ResponseWriter, resp *http.Response, m *mapping.Mapping, cfg *config.Config, cacheKey string, release func()) error {
	defer release()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapError(KindUpstreamError, "failed to read upstream response body", err)
	}

	if cfg.CacheEnabled && cacheKey != "" {
		s.cache.Set(cacheKey, &cache.Entry{
			CacheKey:     cacheKey,
			ResponseBody: string(rawBody),
			CreatedAt:    time.Now(),
			TTL:          cfg.CacheTTL(),
		})
	}

	result := deanonymizer.Deanonymize(string(rawBody), m, s.hashIdx, deanonymizer.Options{
		FuzzyEnabled:             cfg.FuzzyEnabled,
		FuzzyConfidenceThreshold: cfg.FuzzyConfidenceThreshold,
	})
	s.logUnresolved(result.Unresolved)
	s.m.TokensDeanonymized.Add(float64(len(m.Entries())))

	return writeUnary(w, http.StatusOK, []byte(result.Text))
}

func writeUnary(w http.ResponseWriter, status int, body []byte) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}

func (s *Server) logUnresolved(unresolved []string) {
	if len(unresolved) > 0 {
		s.log.Warnf("restore", "%d placeholder(s) had no mapping entry (store miss on restore)", len(unresolved))
	}
}

// copyForwardableHeaders carries caller headers the upstream API needs
// (authorization, content negotiation) while dropping hop-by-hop and
// proxy-internal ones.
func copyForwardableHeaders(dst, src http.Header) {
	skip := map[string]bool{
		"Host": true, "Content-Length": true, "Content-Type": true,
		"Connection": true, "X-Tenant-Id": true,
	}
	for _, h := range hopByHopHeaders {
		skip[h] = true
	}
	for k, vv := range src {
		if skip[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func readBodyLimited(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, max+1))
}

// chatRequest is the minimal slice of the client wire shape the pipeline
// itself needs to read: model name for cache keying/instruction
// resolution, and whether the caller asked for a stream.
type chatRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func isEventStream(req chatRequest, resp *http.Response) bool {
	if req.Stream {
		return true
	}
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}
