// Package deanonymizer restores placeholder, synthetic, and hash-strategy
// wire values in response text back to their originals via the mapping and
// hash shadow index.
//
// A single substring-replace pass over the mapping's token set covers the
// exact case; this package adds a longest-placeholder-first ordering
// guarantee and a fuzzy-variant recovery pass for placeholders whose exact
// wire form didn't survive a round trip through the model unchanged.
package deanonymizer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ai-anonymizing-proxy/internal/mapping"
	"ai-anonymizing-proxy/internal/strategy"
)

// placeholderGrammar matches the canonical placeholder wire grammar:
// "<" TYPE "_" INTEGER ">" where TYPE := [A-Z][A-Z0-9_]*, INTEGER := [1-9][0-9]*.
var placeholderGrammar = regexp.MustCompile(`^<[A-Z][A-Z0-9_]*_[1-9][0-9]*>$`)

// hashDigestGrammar matches the strategy package's hash wire form ("#" + 16
// hex chars), so the deanonymizer knows to consult the HashIndex for these
// rather than the per-request mapping.
var hashDigestGrammar = regexp.MustCompile(`#[0-9a-f]{16}`)

// Options controls the fuzzy-recovery pass.
type Options struct {
	FuzzyEnabled             bool
	FuzzyConfidenceThreshold float64 // default 0.85; gates "bare" form matches only
}

// Result carries the restored text plus any placeholders the mapping no
// longer had an entry for — not an error, just an observability signal.
// A store miss on restore (expired TTL, evicted entry) is normal, not a
// failure.
type Result struct {
	Text       string
	Unresolved []string
}

// Deanonymize restores every recorded entry's wire value in text back to
// its original, using the exact pass followed by the fuzzy pass (when
// enabled) for grammar-following placeholder entries, plus a hash-digest
// pass against idx.
func Deanonymize(text string, m *mapping.Mapping, idx strategy.HashIndex, opts Options) Result {
	if text == "" {
		return Result{Text: text}
	}

	entries := m.Entries()
	result := exactPass(text, entries)

	if opts.FuzzyEnabled {
		result = fuzzyPass(result, entries, opts)
	}

	if idx != nil {
		result = hashPass(result, idx)
	}

	return Result{Text: result, Unresolved: unresolvedPlaceholders(result)}
}

// exactPass performs straightforward substring replacement for every
// recorded entry, longest-wire-value-first so e.g. "<PHONE_10>" is replaced
// before "<PHONE_1>" would otherwise shadow it as a prefix.
func exactPass(text string, entries []mapping.Entry) string {
	sorted := make([]mapping.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Placeholder) > len(sorted[j].Placeholder)
	})
	for _, e := range sorted {
		text = strings.ReplaceAll(text, e.Placeholder, e.Original)
	}
	return text
}

// fuzzyPass restores variant forms of placeholder-grammar entries the
// upstream model may have emitted instead of the exact token. Only entries
// whose wire value matches the placeholder grammar are eligible — synthetic
// and hash wire values have no fixed shape to fuzz-match against.
func fuzzyPass(text string, entries []mapping.Entry, opts Options) string {
	type candidate struct {
		start, end int
		original   string
	}
	var matches []candidate

	for _, e := range entries {
		if !placeholderGrammar.MatchString(e.Placeholder) {
			continue
		}
		typeAndN := strings.TrimSuffix(strings.TrimPrefix(e.Placeholder, "<"), ">")
		idx := strings.LastIndex(typeAndN, "_")
		if idx < 0 {
			continue
		}
		entityType, n := typeAndN[:idx], typeAndN[idx+1:]

		for _, vp := range variantPatterns(entityType, n) {
			if vp.isBare && opts.FuzzyConfidenceThreshold > bareConfidence {
				continue
			}
			for _, loc := range vp.re.FindAllStringIndex(text, -1) {
				matches = append(matches, candidate{start: loc[0], end: loc[1], original: e.Original})
			}
		}
	}

	if len(matches) == 0 {
		return text
	}

	// Prefer the longest match when overlapping; then rebuild left to right.
	sort.Slice(matches, func(i, j int) bool {
		li, lj := matches[i].end-matches[i].start, matches[j].end-matches[j].start
		if li != lj {
			return li > lj
		}
		return matches[i].start < matches[j].start
	})

	var accepted []candidate
	for _, c := range matches {
		overlaps := false
		for _, a := range accepted {
			if c.start < a.end && a.start < c.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, c)
		}
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].start < accepted[j].start })

	var b strings.Builder
	last := 0
	for _, c := range accepted {
		b.WriteString(text[last:c.start])
		b.WriteString(c.original)
		last = c.end
	}
	b.WriteString(text[last:])
	return b.String()
}

// bareConfidence is the fixed confidence assigned to "bare" form matches
// (PERSON_1 with no surrounding bracket) — only accepted above a
// configurable threshold (default 0.85).
const bareConfidence = 0.85

// variantPatterns returns the fuzzy-variant regexes for one placeholder
// (entityType, n), covering six variant classes: case, whitespace,
// brackets, separator, bare, and trailing punctuation. Trailing punctuation
// is implicit: the exact/bracket patterns already match the placeholder core
// without requiring what follows, so "<PERSON_1>." matches via the
// brackets/case patterns leaving the period untouched in the surrounding
// text.
type variantPattern struct {
	re     *regexp.Regexp
	isBare bool
}

func variantPatterns(entityType, n string) []variantPattern {
	ci := "(?i)"
	return []variantPattern{
		// case + whitespace + separator, bracketed with <>, [], {}, (), {{}}
		{re: regexp.MustCompile(ci + `\{\{\s*` + entityType + `[\s_:#-]*` + n + `\s*\}\}`)},
		{re: regexp.MustCompile(ci + `<\s*` + entityType + `[\s_:#-]*` + n + `\s*>`)},
		{re: regexp.MustCompile(ci + `\[\s*` + entityType + `[\s_:#-]*` + n + `\s*\]`)},
		{re: regexp.MustCompile(ci + `\{\s*` + entityType + `[\s_:#-]*` + n + `\s*\}`)},
		{re: regexp.MustCompile(ci + `\(\s*` + entityType + `[\s_:#-]*` + n + `\s*\)`)},
		{re: barePattern(entityType, n), isBare: true},
	}
}

// barePattern matches the "bare" variant class: the placeholder core with
// no surrounding bracket at all, bounded by a word boundary or punctuation
// on both sides so ordinary prose isn't mistaken for a placeholder.
func barePattern(entityType, n string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + entityType + `[_\s]` + n + `\b`)
}

// hashPass scans for the hash strategy's wire form and restores each digest
// found in idx.
func hashPass(text string, idx strategy.HashIndex) string {
	return hashDigestGrammar.ReplaceAllStringFunc(text, func(digest string) string {
		if original, _, ok := idx.Get(digest); ok {
			return original
		}
		return digest
	})
}

// unresolvedPlaceholders reports placeholder-grammar tokens still present
// after both passes — entries the mapping no longer had (a store miss on
// restore), surfaced for observability, never treated as an error.
func unresolvedPlaceholders(text string) []string {
	return unanchoredPlaceholder.FindAllString(text, -1)
}

var unanchoredPlaceholder = regexp.MustCompile(`<[A-Z][A-Z0-9_]*_[1-9][0-9]*>`)

// ParsePlaceholderNumber extracts the integer suffix of a placeholder token,
// used by callers that need to compare density/ordering outside this
// package (e.g. tests asserting dense numbering).
func ParsePlaceholderNumber(placeholder string) (int, bool) {
	if !placeholderGrammar.MatchString(placeholder) {
		return 0, false
	}
	idx := strings.LastIndex(placeholder, "_")
	numStr := strings.TrimSuffix(placeholder[idx+1:], ">")
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, false
	}
	return n, true
}
