// Package strategy implements the strategy engine: given a detected
// entity, produces the wire-level replacement token for one of five
// strategies (placeholder, synthetic, hash, mask, redact), dispatched
// per entity type rather than hard-coded to a single token shape. Each
// strategy is a tagged variant with a common
// apply(original, entityType, mapping) -> replacement contract, no
// inheritance hierarchy.
package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"ai-anonymizing-proxy/internal/mapping"
)

// Kind names one of the five dispatchable strategies.
type Kind string

const (
	Placeholder Kind = "placeholder"
	Synthetic   Kind = "synthetic"
	Hash        Kind = "hash"
	Mask        Kind = "mask"
	Redact      Kind = "redact"
)

// Reversible reports whether this strategy's output can be restored: only
// placeholder, synthetic, and hash insert into the mapping or a shadow
// index; mask and redact are one-way by design.
func (k Kind) Reversible() bool {
	switch k {
	case Placeholder, Synthetic, Hash:
		return true
	default:
		return false
	}
}

// HashIndex is the durable digest -> original shadow index the hash
// strategy relies on for reversibility: one-way per value, with the index
// itself tracking digest->original. Unlike the mapping store, a hash index
// is not TTL-scoped to one request: the same (entity_type, original) pair
// always hashes to the same digest, so the index is shared and
// long-lived.
type HashIndex interface {
	Put(digest, original, entityType string)
	Get(digest string) (original, entityType string, ok bool)
}

// EntityTypeConfig resolves which strategy applies to a given entity type,
// per tenant configuration. Unlisted types default to Placeholder.
type EntityTypeConfig map[string]Kind

// Engine dispatches entity replacements to the configured strategy per
// entity type.
type Engine struct {
	config    EntityTypeConfig
	hashIndex HashIndex
}

// NewEngine builds an Engine. hashIndex may be nil if the Hash strategy is
// never selected by config.
func NewEngine(config EntityTypeConfig, hashIndex HashIndex) *Engine {
	if config == nil {
		config = EntityTypeConfig{}
	}
	return &Engine{config: config, hashIndex: hashIndex}
}

func (e *Engine) strategyFor(entityType string) Kind {
	if k, ok := e.config[entityType]; ok {
		return k
	}
	return Placeholder
}

// placeholderToken renders a Placeholder/Synthetic wire token in the
// canonical grammar: "<" TYPE "_" INTEGER ">".
func placeholderToken(entityType string, n int) string {
	return fmt.Sprintf("<%s_%d>", entityType, n)
}

// Apply produces the wire-level replacement for one (entityType, original)
// occurrence. When the chosen strategy is reversible, it records the
// association (mapping.Put for placeholder/synthetic, hashIndex.Put for
// hash) so the deanonymizer can later restore it; mask and redact never
// touch either store.
//
// Two occurrences of the same (entityType, original) within one request
// always yield the same wire value: placeholder/synthetic rely on
// mapping.Put's idempotent insertion; hash is a pure function of its input
// and is therefore naturally stable without needing the mapping at all.
func (e *Engine) Apply(m *mapping.Mapping, entityType, original string) string {
	switch e.strategyFor(entityType) {
	case Synthetic:
		return m.Put(entityType, original, func(et string, n int) string {
			fake := syntheticValue(et, n)
			return fake
		})
	case Hash:
		digest := hashDigest(entityType, original)
		if e.hashIndex != nil {
			e.hashIndex.Put(digest, original, entityType)
		}
		return digest
	case Mask:
		return maskValue(original)
	case Redact:
		return "[REDACTED]"
	default:
		return m.Put(entityType, original, placeholderToken)
	}
}

// hashDigest returns a hex digest of (entity_type || original). SHA-256 is
// used rather than a fast non-cryptographic hash or a weak one like MD5:
// the digest is the actual wire value an adversary could try to reverse,
// so a collision-resistant hash is the correct choice even though no
// secret key is involved.
func hashDigest(entityType, original string) string {
	sum := sha256.Sum256([]byte(entityType + "\x00" + original))
	return "#" + hex.EncodeToString(sum[:])[:16]
}

// maskValue keeps the first and last two characters and masks the rest,
// preserving the original length. Strings shorter than 5 characters are
// masked entirely to avoid leaking most of a short value.
func maskValue(original string) string {
	runes := []rune(original)
	n := len(runes)
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	masked := make([]rune, n)
	copy(masked, runes)
	for i := 2; i < n-2; i++ {
		masked[i] = '*'
	}
	return string(masked)
}

// syntheticValue generates a realistic-looking fake value of the given
// entity type. Determinism (seeded by the per-mapping counter n, not by
// randomness) keeps output reproducible for tests and avoids importing a
// full faker library for a handful of entity types.
func syntheticValue(entityType string, n int) string {
	switch entityType {
	case "EMAIL":
		return fmt.Sprintf("user%d@example.org", n)
	case "PHONE":
		return fmt.Sprintf("555-%04d", n%10000)
	case "PERSON":
		return fmt.Sprintf("Person %d", n)
	case "SSN":
		return fmt.Sprintf("900-00-%04d", n%10000)
	case "CREDIT_CARD":
		return fmt.Sprintf("4111-1111-1111-%04d", n%10000)
	case "IP_ADDRESS":
		return fmt.Sprintf("198.51.100.%d", n%256)
	case "ADDRESS":
		return fmt.Sprintf("%d Example Lane", n)
	default:
		return fmt.Sprintf("%s_%d", strings.ToLower(entityType), n)
	}
}
