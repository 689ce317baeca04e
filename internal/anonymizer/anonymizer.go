// Package anonymizer orchestrates the detector registry, the strategy
// engine, and the mapping store into a single "detect, apply strategy,
// rebuild text" pass, and owns the JSON request-walking and
// anti-hallucination prompt injection needed to anonymize a full
// chat-completion payload rather than a bare string.
//
// The two-shape system-prompt injection (Anthropic top-level "system",
// OpenAI messages[0].role=="system") and the structural-field skip-list for
// JSON walking follow the same request shapes a production LLM proxy
// handles day to day. Token generation itself is delegated: detection,
// strategy selection, and mapping storage all live in sibling packages.
package anonymizer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ai-anonymizing-proxy/internal/detect"
	"ai-anonymizing-proxy/internal/logger"
	"ai-anonymizing-proxy/internal/mapping"
	"ai-anonymizing-proxy/internal/metrics"
	"ai-anonymizing-proxy/internal/strategy"
)

// Options controls one anonymization call. Callers capture a single
// snapshot of these values per request, with no cross-request shared
// state, so a concurrent config hot-reload never causes one request to
// observe two different policies mid-flight.
type Options struct {
	TenantID           string
	TTL                time.Duration
	InjectPrompt       bool
	ResolveInstruction func(model string) string
}

// Anonymizer orchestrates detection, strategy application, and mapping
// persistence for one request at a time; it holds no per-request state of
// its own.
type Anonymizer struct {
	registry *detect.Manager
	engine   *strategy.Engine
	store    mapping.Store
	m        *metrics.Metrics
	log      *logger.Logger
}

// New builds an Anonymizer over the given hot-swappable detector registry,
// strategy engine, and mapping store.
func New(registry *detect.Manager, engine *strategy.Engine, store mapping.Store, m *metrics.Metrics, log *logger.Logger) *Anonymizer {
	return &Anonymizer{registry: registry, engine: engine, store: store, m: m, log: log}
}

// AnonymizeText detects spans in a bare string, applies each span's
// configured replacement strategy, rebuilds the text, and persists the
// resulting mapping under a fresh cryptographically-random mapping_id.
func (a *Anonymizer) AnonymizeText(ctx context.Context, text string, opts Options) (string, *mapping.Mapping, error) {
	m := mapping.New(uuid.NewString(), opts.TenantID, opts.TTL)
	out := a.anonymizeString(text, m)
	if err := a.store.Put(ctx, m); err != nil {
		return "", nil, err
	}
	if a.m != nil {
		a.m.TokensReplaced.Add(float64(m.Len()))
	}
	return out, m, nil
}

// anonymizeString detects spans in text and applies each span's strategy,
// recording reversible replacements into m, and rebuilds the output by
// interleaving untouched slices with replacement tokens.
func (a *Anonymizer) anonymizeString(text string, m *mapping.Mapping) string {
	registry := a.registry.Current()
	spans := registry.Resolve(text)
	if len(spans) == 0 {
		return text
	}

	var b []byte
	last := 0
	for _, sp := range spans {
		b = append(b, text[last:sp.Start]...)
		token := a.engine.Apply(m, sp.EntityType, sp.Text)
		b = append(b, token...)
		last = sp.End
	}
	b = append(b, text[last:]...)
	return string(b)
}

// jsonSkipFields lists request fields that are structural parameters, not
// user content, and must pass through untouched.
var jsonSkipFields = map[string]bool{
	"model": true, "temperature": true, "max_tokens": true,
	"top_p": true, "stream": true, "n": true, "stop": true,
	"presence_penalty": true, "frequency_penalty": true,
}

// AnonymizeJSON anonymizes every user-content string leaf of a chat-
// completion request body, sharing one mapping (and therefore one dense
// per-entity-type counter) across the whole payload, then injects the
// anti-hallucination system message when any placeholder was issued.
func (a *Anonymizer) AnonymizeJSON(ctx context.Context, body []byte, opts Options) ([]byte, *mapping.Mapping, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		text, m, err := a.AnonymizeText(ctx, string(body), opts)
		if err != nil {
			return nil, nil, err
		}
		return []byte(text), m, nil
	}

	model := ""
	if root, ok := doc.(map[string]any); ok {
		if v, ok := root["model"].(string); ok {
			model = v
		}
	}

	m := mapping.New(uuid.NewString(), opts.TenantID, opts.TTL)
	anonymized := a.walkValue(doc, m)

	if root, ok := anonymized.(map[string]any); ok && opts.InjectPrompt && m.Len() > 0 {
		instruction := ""
		if opts.ResolveInstruction != nil {
			instruction = opts.ResolveInstruction(model)
		}
		injectPIIInstruction(root, instruction)
	}

	out, err := json.Marshal(anonymized)
	if err != nil {
		return nil, nil, err
	}
	if err := a.store.Put(ctx, m); err != nil {
		return nil, nil, err
	}
	if a.m != nil {
		a.m.TokensReplaced.Add(float64(m.Len()))
	}
	return out, m, nil
}

// walkValue recursively anonymizes string leaves in a JSON-decoded value,
// skipping structural fields.
func (a *Anonymizer) walkValue(v any, m *mapping.Mapping) any {
	switch val := v.(type) {
	case string:
		return a.anonymizeString(val, m)
	case []any:
		for i, item := range val {
			val[i] = a.walkValue(item, m)
		}
		return val
	case map[string]any:
		for k, item := range val {
			if !jsonSkipFields[k] {
				val[k] = a.walkValue(item, m)
			}
		}
		return val
	}
	return v
}

// injectPIIInstruction appends instruction to the request's system prompt.
// It handles two API shapes:
//
//   - Anthropic messages API: top-level "system" field (string or content-block array)
//   - OpenAI-compatible API:  first "messages" entry with role "system"
//
// Neither shape found is a no-op — non-chat endpoints (embeddings,
// completions) don't carry a system prompt to inject into. This is
// message-level injection only: it is never spliced into user content.
func injectPIIInstruction(doc map[string]any, instruction string) {
	if instruction == "" {
		return
	}

	if sys, ok := doc["system"]; ok {
		switch s := sys.(type) {
		case string:
			if s == "" {
				doc["system"] = instruction
			} else {
				doc["system"] = s + "\n\n" + instruction
			}
			return
		case []any:
			doc["system"] = append(s, map[string]any{
				"type": "text",
				"text": instruction,
			})
			return
		}
	}

	if msgs, ok := doc["messages"].([]any); ok {
		for _, m := range msgs {
			if msg, ok := m.(map[string]any); ok && msg["role"] == "system" {
				if content, ok := msg["content"].(string); ok {
					if content == "" {
						msg["content"] = instruction
					} else {
						msg["content"] = content + "\n\n" + instruction
					}
				}
				return
			}
		}
		systemMsg := map[string]any{
			"role":    "system",
			"content": instruction,
		}
		doc["messages"] = append([]any{systemMsg}, msgs...)
	}
}
