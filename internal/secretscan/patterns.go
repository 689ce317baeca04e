// Package secretscan implements the SECRET-SCAN gate of the proxy
// pipeline: a pattern-based detector that returns an explicit
// {action, findings} result rather than raising an error, so the pipeline
// state machine has a single place to read the decision.
//
// The pattern+confidence+negation-pattern shape (a "safe pattern" match
// suppresses an otherwise-matching finding) follows the same approach used
// elsewhere in the ecosystem for rule-based classification, repurposed
// here from smart-contract vulnerability classes to credential/secret
// classes.
package secretscan

import "regexp"

// Severity classifies how sensitive a matched secret class is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// pattern is one built-in secret-detection rule.
type pattern struct {
	ID          string
	Name        string
	Severity    Severity
	Confidence  float64
	Source      string   // regex matched against the request body
	SafePatterns []string // if any matches, this finding is suppressed
}

// compiledPattern is pattern with its regexes pre-compiled once at startup.
type compiledPattern struct {
	pattern
	re        *regexp.Regexp
	safeRegex []*regexp.Regexp
}

func builtinPatterns() []pattern {
	return []pattern{
		{
			ID:         "AWS-ACCESS-KEY",
			Name:       "AWS Access Key ID",
			Severity:   SeverityCritical,
			Confidence: 0.9,
			Source:     `\b(AKIA|ASIA)[0-9A-Z]{16}\b`,
		},
		{
			ID:         "AWS-SECRET-KEY",
			Name:       "AWS Secret Access Key",
			Severity:   SeverityCritical,
			Confidence: 0.7,
			Source:     `(?i)aws_secret_access_key\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
		},
		{
			ID:         "PRIVATE-KEY-BLOCK",
			Name:       "PEM Private Key Block",
			Severity:   SeverityCritical,
			Confidence: 0.95,
			Source:     `-----BEGIN (RSA|EC|OPENSSH|DSA|PGP) PRIVATE KEY-----`,
		},
		{
			ID:         "GENERIC-API-KEY",
			Name:       "Generic API Key Assignment",
			Severity:   SeverityHigh,
			Confidence: 0.6,
			Source:     `(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{20,}['"]?`,
			SafePatterns: []string{
				`(?i)(example|sample|placeholder|your[_-]?api[_-]?key|xxxx+|00000000)`,
			},
		},
		{
			ID:         "SLACK-TOKEN",
			Name:       "Slack Token",
			Severity:   SeverityHigh,
			Confidence: 0.9,
			Source:     `\bxox[baprs]-[0-9A-Za-z-]{10,}\b`,
		},
		{
			ID:         "GITHUB-TOKEN",
			Name:       "GitHub Personal Access Token",
			Severity:   SeverityHigh,
			Confidence: 0.9,
			Source:     `\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
		},
		{
			ID:         "JWT",
			Name:       "JSON Web Token",
			Severity:   SeverityMedium,
			Confidence: 0.6,
			Source:     `\bey[A-Za-z0-9_-]{10,}\.ey[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`,
		},
		{
			ID:         "BASIC-AUTH-URL",
			Name:       "Credentials Embedded in URL",
			Severity:   SeverityMedium,
			Confidence: 0.7,
			Source:     `\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s:/@]+:[^\s:/@]+@`,
		},
		{
			ID:         "PASSWORD-ASSIGNMENT",
			Name:       "Hardcoded Password Assignment",
			Severity:   SeverityMedium,
			Confidence: 0.4,
			Source:     `(?i)(password|passwd|pwd)\s*[:=]\s*['"][^'"\s]{6,}['"]`,
			SafePatterns: []string{
				`(?i)(example|changeme|placeholder|xxxx+)`,
			},
		},
		{
			ID:         "BEARER-TOKEN",
			Name:       "Bearer Token",
			Severity:   SeverityLow,
			Confidence: 0.3,
			Source:     `(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`,
		},
	}
}

// CustomSpec defines an operator-supplied secret pattern, loaded the same
// way internal/detect loads custom PII patterns (via Config.CustomPatternPath).
type CustomSpec struct {
	Name       string
	Expr       string
	Severity   Severity
	Confidence float64
}

func compile(patterns []pattern) []compiledPattern {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Source)
		if err != nil {
			continue
		}
		safe := make([]*regexp.Regexp, 0, len(p.SafePatterns))
		for _, s := range p.SafePatterns {
			if sre, err := regexp.Compile(s); err == nil {
				safe = append(safe, sre)
			}
		}
		compiled = append(compiled, compiledPattern{pattern: p, re: re, safeRegex: safe})
	}
	return compiled
}
