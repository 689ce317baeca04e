// Package mapping implements the per-request placeholder counter and the
// bidirectional, TTL-scoped mapping store.
//
// A Mapping is owned by exactly one request lifetime: created when
// anonymization begins, read (possibly by a different goroutine) when the
// response is restored, and destroyed when the response completes or its
// TTL elapses, whichever comes first. The counter that assigns placeholder
// numbers lives inside the Mapping itself, scoped per request rather than
// a package-level map — there is no global numbering state.
package mapping

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is one recorded placeholder↔original association.
type Entry struct {
	Placeholder string `json:"placeholder"`
	Original    string `json:"original"`
	EntityType  string `json:"entityType"`
}

// Mapping holds the bidirectional indices for a single request.
// Safe for concurrent use: detectors may resolve distinct spans in parallel.
type Mapping struct {
	ID        string
	TenantID  string
	CreatedAt time.Time
	TTL       time.Duration

	mu            sync.Mutex
	counters      map[string]int              // entity_type -> next N
	placeholderOf map[string]string            // "entity_type\x00original" -> placeholder
	originalOf    map[string]Entry             // placeholder -> Entry
	order         []string                     // placeholders in insertion order
}

// New creates an empty Mapping for the given request.
func New(id, tenantID string, ttl time.Duration) *Mapping {
	return &Mapping{
		ID:            id,
		TenantID:      tenantID,
		CreatedAt:     time.Now(),
		TTL:           ttl,
		counters:      make(map[string]int),
		placeholderOf: make(map[string]string),
		originalOf:    make(map[string]Entry),
	}
}

// Next returns the next placeholder number for entityType, starting at 1 and
// incrementing by 1 per call. Never reused or rewound: allocation happens
// under the same lock as insertion, so numbers can never gap.
func (m *Mapping) next(entityType string) int {
	m.counters[entityType]++
	return m.counters[entityType]
}

// Put idempotently records original under entityType, returning the
// placeholder token. A second Put for the same (entityType, original) pair
// returns the same placeholder already assigned rather than allocating a
// new one — the collapsed-repetition guarantee.
func (m *Mapping) Put(entityType, original string, newPlaceholder func(entityType string, n int) string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entityType + "\x00" + original
	if p, ok := m.placeholderOf[key]; ok {
		return p
	}

	n := m.next(entityType)
	placeholder := newPlaceholder(entityType, n)
	m.placeholderOf[key] = placeholder
	m.originalOf[placeholder] = Entry{Placeholder: placeholder, Original: original, EntityType: entityType}
	m.order = append(m.order, placeholder)
	return placeholder
}

// Lookup returns the original value for a placeholder, if recorded.
func (m *Mapping) Lookup(placeholder string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.originalOf[placeholder]
	return e, ok
}

// Entries returns a snapshot of all recorded entries, in insertion order.
func (m *Mapping) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, m.originalOf[p])
	}
	return out
}

// Len reports the number of recorded entries.
func (m *Mapping) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Expired reports whether created_at + ttl has passed.
func (m *Mapping) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(m.TTL))
}

// record is the JSON wire shape: {id, tenant, created_at, ttl, entries}.
type record struct {
	ID        string           `json:"id"`
	Tenant    string           `json:"tenant"`
	CreatedAt time.Time        `json:"created_at"`
	TTL       int64            `json:"ttl"`
	Entries   map[string]entry `json:"entries"`
}

type entry struct {
	Original   string `json:"original"`
	EntityType string `json:"entity_type"`
}

// MarshalJSON serializes the mapping as {id, tenant, created_at, ttl, entries}
// keyed by placeholder.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := record{
		ID:        m.ID,
		Tenant:    m.TenantID,
		CreatedAt: m.CreatedAt,
		TTL:       int64(m.TTL / time.Second),
		Entries:   make(map[string]entry, len(m.order)),
	}
	for _, p := range m.order {
		e := m.originalOf[p]
		r.Entries[p] = entry{Original: e.Original, EntityType: e.EntityType}
	}
	return json.Marshal(r)
}

// UnmarshalJSON restores a Mapping from its wire form. Counters are
// recomputed from the decoded entries rather than persisted directly, since
// entity-type numbering is dense and can always be reconstructed from the
// entries themselves.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	m.ID = r.ID
	m.TenantID = r.Tenant
	m.CreatedAt = r.CreatedAt
	m.TTL = time.Duration(r.TTL) * time.Second
	m.counters = make(map[string]int)
	m.placeholderOf = make(map[string]string)
	m.originalOf = make(map[string]Entry, len(r.Entries))
	m.order = make([]string, 0, len(r.Entries))
	for placeholder, e := range r.Entries {
		m.originalOf[placeholder] = Entry{Placeholder: placeholder, Original: e.Original, EntityType: e.EntityType}
		m.placeholderOf[e.EntityType+"\x00"+e.Original] = placeholder
		m.order = append(m.order, placeholder)
	}
	return nil
}
