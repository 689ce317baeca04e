// Package management provides the lightweight HTTP admin API for runtime
// inspection of the running proxy: status, compliance preset reporting,
// and allowlist management. Authentication, RBAC, and audit logging for
// this API are left to whatever sits in front of it; this package only
// gates access with a single bearer token.
package management

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"ai-anonymizing-proxy/internal/config"
	"ai-anonymizing-proxy/internal/detect"
	"ai-anonymizing-proxy/internal/logger"
	"ai-anonymizing-proxy/internal/metrics"
)

// Server is the management API server: a separate listener from the proxy
// pipeline's own port, so an operator can firewall the admin surface off
// separately from client traffic.
type Server struct {
	cfgMgr    *config.Manager
	startTime time.Time
	detectors *detect.Manager
	allow     *allowlistStore
	metrics   *metrics.Metrics
	log       *logger.Logger
	token     string
}

// allowlistStore holds the mutable set of allowlisted terms and republishes
// a fresh detect.Registry (same detectors, new allowlist) on every change —
// the same hot-reload-by-pointer-swap the detector registry already uses
// for config-driven reloads.
type allowlistStore struct {
	mu        sync.Mutex
	terms     map[string]bool
	detectors []detect.Detector
	dm        *detect.Manager
}

func newAllowlistStore(dm *detect.Manager, detectors []detect.Detector, seed []string) *allowlistStore {
	a := &allowlistStore{terms: make(map[string]bool, len(seed)), detectors: detectors, dm: dm}
	for _, t := range seed {
		a.terms[t] = true
	}
	return a
}

func (a *allowlistStore) All() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.terms))
	for t := range a.terms {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (a *allowlistStore) Add(term string) {
	a.mu.Lock()
	a.terms[term] = true
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.publish(snapshot)
}

func (a *allowlistStore) Remove(term string) {
	a.mu.Lock()
	delete(a.terms, term)
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.publish(snapshot)
}

func (a *allowlistStore) snapshotLocked() []string {
	out := make([]string, 0, len(a.terms))
	for t := range a.terms {
		out = append(out, t)
	}
	return out
}

func (a *allowlistStore) publish(terms []string) {
	a.dm.Publish(detect.NewRegistry(a.detectors, detect.NewAllowlist(terms)))
}

// New creates a management server. detectors is the fixed built-in (plus
// any compiled custom) detector set the allowlist endpoints rebuild the
// registry around; allowlistSeed comes from the initial config.
func New(cfgMgr *config.Manager, dm *detect.Manager, detectors []detect.Detector, allowlistSeed []string, m *metrics.Metrics, log *logger.Logger) *Server {
	cfg := cfgMgr.Current()
	s := &Server{
		cfgMgr:    cfgMgr,
		startTime: time.Now(),
		detectors: dm,
		allow:     newAllowlistStore(dm, detectors, allowlistSeed),
		metrics:   m,
		log:       log,
		token:     cfg.ManagementToken,
	}
	if s.token != "" {
		log.Info("management_init", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/compliance", s.handleCompliance)
	mux.HandleFunc("/allowlist", s.handleAllowlist)
	mux.HandleFunc("/allowlist/add", s.handleAllowlistAdd)
	mux.HandleFunc("/allowlist/remove", s.handleAllowlistRemove)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("management_auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfgMgr.Current()
	type response struct {
		Status     string  `json:"status"`
		Uptime     string  `json:"uptime"`
		ProxyPort  int     `json:"proxyPort"`
		Preset     string  `json:"compliancePreset"`
		Uptimesecs float64 `json:"uptimeSeconds"`
	}
	resp := response{
		Status:     "running",
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort:  cfg.ProxyPort,
		Preset:     cfg.CompliancePreset,
		Uptimesecs: s.metrics.Uptime().Seconds(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCompliance reports the configured secret-scan compliance preset.
// Changing it at runtime is out of scope: the preset governs the
// (severity -> action) policy table the scanner was built with at
// startup, and rebuilding that table mid-flight would let one request
// observe a different policy than the one its secret scan already ran
// under.
func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfgMgr.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"compliancePreset":  cfg.CompliancePreset,
		"secretScanEnabled": cfg.SecretScanEnabled,
	})
}

func (s *Server) handleAllowlist(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"terms": s.allow.All()})
}

func (s *Server) handleAllowlistAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	term, ok := decodeTerm(w, r)
	if !ok {
		return
	}
	s.allow.Add(term)
	s.log.Infof("allowlist", "added term %q", term)
	writeJSON(w, http.StatusOK, map[string]string{"added": term})
}

func (s *Server) handleAllowlistRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	term, ok := decodeTerm(w, r)
	if !ok {
		return
	}
	s.allow.Remove(term)
	s.log.Infof("allowlist", "removed term %q", term)
	writeJSON(w, http.StatusOK, map[string]string{"removed": term})
}

func decodeTerm(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		Term string `json:"term"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Term == "" {
		http.Error(w, `invalid request: need {"term":"..."}`, http.StatusBadRequest)
		return "", false
	}
	return req.Term, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	cfg := s.cfgMgr.Current()
	addr := cfg.BindAddress + ":" + itoa(cfg.ManagementPort)
	s.log.Infof("management_init", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
