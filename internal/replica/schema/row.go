package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Row is the replication envelope around one domain record.
//
// Data holds the domain payload as raw JSON; the surrounding fields are
// replication metadata. UpdatedAt carries the server clock and drives
// conflict resolution. LastSyncedAt and LastAccessedAt carry the client
// clock and drive TTL expiry and LRU eviction respectively.
//
// A dirty row reflects an unconfirmed local write. Dirty rows are never
// evicted and never overwritten by an incoming remote row until the
// matching mutation is resolved.
type Row struct {
	ID        string          `json:"id"`
	TenantKey string          `json:"tenant_key"`
	Table     string          `json:"table"`
	Data      json.RawMessage `json:"data,omitempty"`

	// Version is a server-assigned monotonic counter, bumped on every
	// confirmed write. Local optimistic writes bump it too so that
	// concurrent read-modify-write cycles can detect each other.
	Version int64 `json:"version"`

	UpdatedAt      time.Time `json:"updated_at"`
	LastSyncedAt   time.Time `json:"last_synced_at,omitempty"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitempty"`

	Dirty   bool `json:"dirty,omitempty"`
	Deleted bool `json:"deleted,omitempty"`
}

// Validate checks that the row carries the fields every replicated row needs.
func (r *Row) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.TenantKey == "" {
		return fmt.Errorf("tenant_key is required")
	}
	if r.Table == "" {
		return fmt.Errorf("table is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Expired reports whether the row's cached payload has outlived ttl.
// Dirty rows never expire; their payload is the only copy of an
// unconfirmed local write.
func (r *Row) Expired(ttl time.Duration, now time.Time) bool {
	if r.Dirty || ttl <= 0 {
		return false
	}
	if r.LastSyncedAt.IsZero() {
		return false
	}
	return now.Sub(r.LastSyncedAt) > ttl
}

// Key returns the row's identity as a printable string, for logs.
func (r *Row) Key() string {
	return fmt.Sprintf("%s/%s/%s", r.TenantKey, r.Table, r.ID)
}
