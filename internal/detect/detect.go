// Package detect implements the detector registry: it composes detectors,
// drops allowlisted matches, and resolves overlapping spans into a
// canonical, non-overlapping, start-ordered list.
//
// The registry is stateless across requests and read-only after
// initialization: callers publish a new *Registry via NewRegistry and swap
// it into an atomic.Pointer (see manager.go), so in-flight requests keep
// running against the snapshot they captured, never observing a
// partially-updated detector set.
package detect

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// folder performs locale-aware case folding so allowlist membership isn't
// limited to ASCII strings.ToLower semantics (e.g. Turkish dotless i).
var folder = cases.Fold()

// Span is a single detection result: a half-open character range tagged
// with an entity type and confidence score.
type Span struct {
	EntityType string
	Start      int
	End        int
	Score      float64
	Text       string
}

func (s Span) length() int { return s.End - s.Start }

func (s Span) overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Detector produces candidate spans for a run of text. Each one is a
// black-box detect(text) -> [spans] implementation; the registry only
// composes and resolves their output.
type Detector interface {
	Name() string
	Detect(text string) []Span
}

// Registry composes detectors and an allowlist into the canonical
// non-overlapping span resolution.
type Registry struct {
	detectors []Detector
	allowlist *Allowlist
}

// NewRegistry builds an immutable Registry snapshot. Construct a new one and
// swap it into a Manager (see manager.go) whenever detectors or the
// allowlist change; never mutate a published Registry in place.
func NewRegistry(detectors []Detector, allowlist *Allowlist) *Registry {
	if allowlist == nil {
		allowlist = NewAllowlist(nil)
	}
	return &Registry{detectors: detectors, allowlist: allowlist}
}

// Resolve runs every detector over text and returns the canonical,
// non-overlapping span list ordered by start, per the five-step composition
// algorithm: collect, drop allowlisted, sort by (-score,-length,start),
// greedily accept non-overlapping, re-sort by start.
func (r *Registry) Resolve(text string) []Span {
	var candidates []Span
	for _, d := range r.detectors {
		candidates = append(candidates, d.Detect(text)...)
	}

	filtered := candidates[:0]
	for _, s := range candidates {
		if r.allowlist.Contains(s.Text) {
			continue
		}
		filtered = append(filtered, s)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.length() != b.length() {
			return a.length() > b.length()
		}
		return a.Start < b.Start
	})

	var accepted []Span
	for _, s := range filtered {
		overlapsAccepted := false
		for _, a := range accepted {
			if s.overlaps(a) {
				overlapsAccepted = true
				break
			}
		}
		if !overlapsAccepted {
			accepted = append(accepted, s)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}

// Allowlist is a case-insensitive, O(1)-membership set of terms that must
// never be treated as PII, e.g. a company's own support-inbox address.
type Allowlist struct {
	set map[string]struct{}
}

// NewAllowlist builds an Allowlist from a list of literal terms, folded to a
// case-insensitive canonical form using golang.org/x/text/cases so that
// locale-aware folding (not just ASCII strings.ToLower) governs matches.
func NewAllowlist(terms []string) *Allowlist {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[foldKey(t)] = struct{}{}
	}
	return &Allowlist{set: set}
}

// Contains reports whether text case-insensitively matches an allowlisted
// term.
func (a *Allowlist) Contains(text string) bool {
	if a == nil || len(a.set) == 0 {
		return false
	}
	_, ok := a.set[foldKey(text)]
	return ok
}

func foldKey(s string) string {
	return folder.String(strings.TrimSpace(s))
}
