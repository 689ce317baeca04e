// Package streambuf restores exact-grammar placeholders that may be split
// across chunk boundaries in an upstream streaming response, while
// emitting output bytes as early as the sliding-suffix-carry invariant
// allows: never flush a tail that might still grow into a placeholder
// token. It operates purely on decoded text content — unwrapping the SSE
// wire envelope is the caller's concern, one layer up in the proxy
// pipeline.
package streambuf

import (
	"strings"

	"ai-anonymizing-proxy/internal/mapping"
)

// DefaultMaxPlaceholderLen mirrors Config.MaxPlaceholderLength's default.
const DefaultMaxPlaceholderLen = 25

type scanStatus int

const (
	statusPending scanStatus = iota
	statusComplete
	statusInvalid
)

// Buffer is a stateful sliding-suffix-carry restorer. It is not safe for
// concurrent use; one Buffer belongs to one in-flight stream.
type Buffer struct {
	carryBytes []byte
	m          *mapping.Mapping
	maxLen     int
	unresolved []string
}

// New returns a Buffer that restores placeholders recorded in m as they
// close within the carry, bounding the open-run scan to maxLen characters.
// A maxLen <= 0 uses the default.
func New(m *mapping.Mapping, maxLen int) *Buffer {
	if maxLen <= 0 {
		maxLen = DefaultMaxPlaceholderLen
	}
	return &Buffer{m: m, maxLen: maxLen}
}

// Push accepts the next chunk of decoded text and returns the portion that
// is now safe to emit: everything up to, but not including, any suffix that
// could still grow into a placeholder.
func (b *Buffer) Push(chunk string) string {
	b.carryBytes = append(b.carryBytes, chunk...)
	return b.drain()
}

// Flush returns any remaining carried bytes verbatim and resets the
// buffer: on stream end, emit the carry unchanged rather than hold it
// waiting for a continuation that will never arrive.
func (b *Buffer) Flush() string {
	out := string(b.carryBytes)
	b.carryBytes = nil
	return out
}

// Unresolved returns the placeholder tokens restored-as-literal because the
// mapping had no entry for them (a store miss, not an error).
func (b *Buffer) Unresolved() []string {
	return b.unresolved
}

func (b *Buffer) drain() string {
	var out strings.Builder
	for {
		lt := indexByte(b.carryBytes, '<')
		if lt < 0 {
			out.Write(b.carryBytes)
			b.carryBytes = nil
			break
		}
		out.Write(b.carryBytes[:lt])
		rest := b.carryBytes[lt:]

		closeIdx, status := scanClose(rest, b.maxLen)
		switch status {
		case statusComplete:
			token := string(rest[:closeIdx+1])
			out.WriteString(b.restore(token))
			b.carryBytes = rest[closeIdx+1:]
			continue
		case statusInvalid:
			// This '<' can never open a valid placeholder (either a
			// disallowed character appeared before '>' closed it, or the
			// open run already exceeds the maximum placeholder length).
			// It is ordinary text; emit the '<' and resume scanning
			// immediately after it.
			out.WriteByte(rest[0])
			b.carryBytes = rest[1:]
			continue
		case statusPending:
			// Still an open, in-bound run; the next chunk may close it.
			b.carryBytes = rest
			return out.String()
		}
	}
	return out.String()
}

// scanClose looks for the '>' that would close the placeholder starting at
// s[0] (s[0] == '<'), restricted to the grammar's body alphabet
// ([A-Z0-9_]) and to maxLen total characters including both brackets.
func scanClose(s []byte, maxLen int) (int, scanStatus) {
	for i := 1; i < len(s); i++ {
		if i >= maxLen {
			return -1, statusInvalid
		}
		c := s[i]
		if c == '>' {
			return i, statusComplete
		}
		if !isBodyChar(c) {
			return -1, statusInvalid
		}
	}
	return -1, statusPending
}

func isBodyChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// restore looks up a single closed placeholder token against the mapping.
// A miss is recorded as unresolved and the token is passed through
// verbatim — restoration never errors; a missing mapping is an
// observability signal, not a failure mode.
func (b *Buffer) restore(token string) string {
	if b.m == nil {
		return token
	}
	entry, ok := b.m.Lookup(token)
	if !ok {
		b.unresolved = append(b.unresolved, token)
		return token
	}
	return entry.Original
}
