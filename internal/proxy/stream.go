package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ai-anonymizing-proxy/internal/config"
	"ai-anonymizing-proxy/internal/mapping"
	"ai-anonymizing-proxy/internal/streambuf"
)

// textField locates the single text-carrying string inside one decoded SSE
// event — the pipeline does not otherwise parse model-specific response
// semantics. It recognizes the two event shapes the configured upstream can
// plausibly emit: OpenAI-style choices[0].delta.content and
// Anthropic-style delta.text. set writes the restored text back into the
// same slot.
func textField(doc map[string]any) (get string, set func(string), ok bool) {
	if choices, ok2 := doc["choices"].([]any); ok2 && len(choices) > 0 {
		if choice, ok3 := choices[0].(map[string]any); ok3 {
			if delta, ok4 := choice["delta"].(map[string]any); ok4 {
				if content, ok5 := delta["content"].(string); ok5 {
					return content, func(v string) { delta["content"] = v }, true
				}
			}
		}
	}
	if delta, ok2 := doc["delta"].(map[string]any); ok2 {
		if text, ok3 := delta["text"].(string); ok3 {
			return text, func(v string) { delta["text"] = v }, true
		}
	}
	return "", nil, false
}

// streamResponse drives the STREAMING branch: each `data: {...}` frame is
// decoded, its text-carrying field is piped through the sliding carry
// buffer, and the frame is re-encoded before being flushed to the client.
// The mapping is released once, after the terminal `data: [DONE]` frame or
// the upstream stream ending, whichever comes first — never per-chunk.
func (s *Server) streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, m *mapping.Mapping, cfg *config.Config, release func()) error {
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newError(KindInternal, "streaming not supported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	buf := streambuf.New(m, cfg.MaxPlaceholderLength)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	idleTimeout := cfg.StreamIdleTimeout()
	lineCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
		errCh <- scanner.Err()
		close(lineCh)
	}()

	flushTail := func() {
		if tail := buf.Flush(); tail != "" {
			fmt.Fprintf(w, "data: %s\n\n", tail) //nolint:errcheck
		}
	}

	for {
		select {
		case <-ctx.Done():
			return newError(KindUpstreamTimeout, "stream cancelled or idle budget exceeded")
		case line, chOK := <-lineCh:
			if !chOK {
				// Upstream closed without an explicit [DONE]: flush any
				// carried tail verbatim and finish.
				flushTail()
				flusher.Flush()
				s.logUnresolved(buf.Unresolved())
				return <-errCh
			}
			if !strings.HasPrefix(line, "data: ") {
				fmt.Fprintf(w, "%s\n", line) //nolint:errcheck
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				flushTail()
				fmt.Fprintf(w, "data: [DONE]\n\n") //nolint:errcheck
				flusher.Flush()
				s.logUnresolved(buf.Unresolved())
				return nil
			}

			var doc map[string]any
			if err := json.Unmarshal([]byte(payload), &doc); err != nil {
				// Not a JSON event frame the pipeline recognizes: pass it
				// through untouched rather than dropping data.
				fmt.Fprintf(w, "data: %s\n\n", payload) //nolint:errcheck
				flusher.Flush()
				continue
			}
			text, set, found := textField(doc)
			if !found {
				out, _ := json.Marshal(doc)
				fmt.Fprintf(w, "data: %s\n\n", out) //nolint:errcheck
				flusher.Flush()
				continue
			}
			restored := buf.Push(text)
			set(restored)
			out, err := json.Marshal(doc)
			if err != nil {
				return wrapError(KindInternal, "failed to re-encode stream event", err)
			}
			fmt.Fprintf(w, "data: %s\n\n", out) //nolint:errcheck
			flusher.Flush()
		case <-time.After(idleTimeout):
			return newError(KindUpstreamTimeout, "no stream activity within the idle budget")
		}
	}
}
