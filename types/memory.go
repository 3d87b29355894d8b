package types

import (
	"context"
	"time"
)

// MemoryKind classifies a persisted memory record.
type MemoryKind string

const (
	// MemoryKindEvent marks a persisted lifecycle event snapshot.
	MemoryKindEvent MemoryKind = "event"

	// MemoryKindNote marks free-form operator or agent notes.
	MemoryKindNote MemoryKind = "note"
)

// Provenance records where a memory entry came from.
type Provenance struct {
	Source string `json:"source"`
	Actor  string `json:"actor"`
}

// Policy carries governance metadata for a memory entry.
type Policy struct {
	PII   bool   `json:"pii"`
	Scope string `json:"scope"`
}

// MemoryRecord represents a governed memory entry. Records are immutable
// after persistence; TTL expiry is advisory and enforced by the store.
type MemoryRecord struct {
	ID         string        `json:"id"`
	Kind       MemoryKind    `json:"kind"`
	Text       string        `json:"text"`
	Tags       []string      `json:"tags,omitempty"`
	Embedding  []float32     `json:"embedding,omitempty"`
	TTL        time.Duration `json:"ttl,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Provenance Provenance    `json:"provenance"`
	Policy     Policy        `json:"policy"`
}

// Expired reports whether the record's advisory TTL has elapsed at now.
// A zero TTL means the record never expires.
func (r MemoryRecord) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return now.After(r.CreatedAt.Add(r.TTL))
}

// MemoryStore is the pluggable persistence contract for memory records.
// Implementations must be safe for concurrent use.
type MemoryStore interface {
	// Upsert inserts or replaces a record within a namespace.
	Upsert(ctx context.Context, record MemoryRecord, namespace string) error

	// Get retrieves a record by ID within a namespace.
	Get(ctx context.Context, id, namespace string) (MemoryRecord, error)

	// Delete removes a record by ID within a namespace.
	Delete(ctx context.Context, id, namespace string) error

	// SearchByText returns up to limit records whose text matches the query.
	SearchByText(ctx context.Context, query, namespace string, limit int) ([]MemoryRecord, error)

	// SearchByVector returns up to limit records ranked by vector similarity.
	SearchByVector(ctx context.Context, vector []float32, namespace string, limit int) ([]MemoryRecord, error)

	// PurgeExpired removes expired records and returns the number removed.
	PurgeExpired(ctx context.Context, namespace string) (int, error)
}
