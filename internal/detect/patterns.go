package detect

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// regexDetector is a single compiled pattern plus the confidence score it
// contributes to every match. Presidio/CHPDA-style confidence tiers,
// returning spans for the registry to compose and resolve against the
// other detectors.
type regexDetector struct {
	name       string
	re         *regexp.Regexp
	entityType string
	confidence float64
}

func (d *regexDetector) Name() string { return d.name }

func (d *regexDetector) Detect(text string) []Span {
	locs := d.re.FindAllStringIndex(text, -1)
	if locs == nil {
		return nil
	}
	spans := make([]Span, 0, len(locs))
	for _, loc := range locs {
		spans = append(spans, Span{
			EntityType: d.entityType,
			Start:      loc[0],
			End:        loc[1],
			Score:      d.confidence,
			Text:       text[loc[0]:loc[1]],
		})
	}
	return spans
}

// builtinSpecs groups patterns into confidence tiers:
//
//	0.90+     highly specific format, very low false-positive rate
//	0.70-0.89 moderately specific, some ambiguity possible
//	below 0.70 broad pattern, meaningful false-positive risk
//
// Entity type names are uppercase to match the placeholder wire grammar
// (TYPE := [A-Z][A-Z0-9_]*).
var builtinSpecs = []struct {
	name       string
	expr       string
	entityType string
	confidence float64
}{
	{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL", 0.95},
	{"api_key", `(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([a-zA-Z0-9_\-.]{20,})`, "API_KEY", 0.90},
	{"ssn", `\b(?:\d{3}-?\d{2}-?\d{4}|\d{9})\b`, "SSN", 0.85},
	{"credit_card", `\b(?:\d{4}[\-\s]?){3}\d{4}\b`, "CREDIT_CARD", 0.85},
	{"address", `(?i)\d+\s+[A-Za-z\s]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b`, "ADDRESS", 0.75},
	{"ipv6", `(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}` +
		`|(?:[0-9a-fA-F]{1,4}:){1,7}:` +
		`|(?:[0-9a-fA-F]{1,4}:){1,6}:[0-9a-fA-F]{1,4}` +
		`|(?:[0-9a-fA-F]{1,4}:){1,5}(?::[0-9a-fA-F]{1,4}){1,2}` +
		`|(?:[0-9a-fA-F]{1,4}:){1,4}(?::[0-9a-fA-F]{1,4}){1,3}` +
		`|(?:[0-9a-fA-F]{1,4}:){1,3}(?::[0-9a-fA-F]{1,4}){1,4}` +
		`|(?:[0-9a-fA-F]{1,4}:){1,2}(?::[0-9a-fA-F]{1,4}){1,5}` +
		`|[0-9a-fA-F]{1,4}:(?::[0-9a-fA-F]{1,4}){1,6}` +
		`|:(?::[0-9a-fA-F]{1,4}){1,7}` +
		`|::`, "IP_ADDRESS", 0.85},
	{"ipv4", `\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`, "IP_ADDRESS", 0.70},
	{"phone", `(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})`, "PHONE", 0.65},
	{"zip", `\b\d{5}(?:-\d{4})?\b`, "ADDRESS", 0.40},
}

// namePattern is a heuristic stand-in for a real name detector, which would
// normally be an out-of-process black-box collaborator (detect(text) ->
// [spans]); it matches one or two consecutive capitalized words, which is
// enough to exercise the registry's composition and overlap-resolution
// logic without depending on a full NLP/NER model.
var namePattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s[A-Z][a-z]+)?\b`)

// BuiltinDetectors returns the standard regex-based detectors. Plugged into
// a Registry alongside any custom ones loaded from Config.CustomPatternPath.
func BuiltinDetectors() []Detector {
	out := make([]Detector, 0, len(builtinSpecs)+1)
	out = append(out, &regexDetector{name: "person", re: namePattern, entityType: "PERSON", confidence: 0.55})
	for _, s := range builtinSpecs {
		re := regexp.MustCompile(s.expr)
		out = append(out, &regexDetector{name: s.name, re: re, entityType: s.entityType, confidence: s.confidence})
	}
	return out
}

// patternCache bounds the memory cost of repeatedly compiling custom
// detector patterns across config hot-reloads: a reload that reintroduces a
// previously-seen pattern string reuses its compiled *regexp.Regexp instead
// of recompiling, while a cap keeps an attacker-controlled or
// ever-growing custom-pattern file from compiling unboundedly many distinct
// regexes into memory.
type patternCache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

func newPatternCache(size int) *patternCache {
	if size <= 0 {
		size = 256
	}
	c, _ := lru.New[string, *regexp.Regexp](size)
	return &patternCache{cache: c}
}

func (p *patternCache) compile(expr string) (*regexp.Regexp, error) {
	if re, ok := p.cache.Get(expr); ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	p.cache.Add(expr, re)
	return re, nil
}

// CustomSpec describes one user-supplied detector pattern, the shape read
// from Config.CustomPatternPath.
type CustomSpec struct {
	Name       string  `json:"name"`
	Expr       string  `json:"pattern"`
	EntityType string  `json:"entityType"`
	Confidence float64 `json:"confidence"`
}

var sharedPatternCache = newPatternCache(256)

// CompileCustomDetectors compiles a set of user-supplied patterns into
// Detectors, reusing sharedPatternCache across reloads so re-registering an
// unchanged pattern set is cheap.
func CompileCustomDetectors(specs []CustomSpec) ([]Detector, error) {
	out := make([]Detector, 0, len(specs))
	for _, s := range specs {
		re, err := sharedPatternCache.compile(s.Expr)
		if err != nil {
			return nil, err
		}
		out = append(out, &regexDetector{name: s.Name, re: re, entityType: s.EntityType, confidence: s.Confidence})
	}
	return out, nil
}
