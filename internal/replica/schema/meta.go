package schema

import "time"

// TableMeta is the per-tenant, per-table sync bookkeeping.
//
// Watermark is the maximum server updated_at already incorporated into the
// local store for this table. Incremental sync requests only rows past it.
// LastSyncedAt is the client clock at the end of the last completed pull;
// a quiet table keeps an old watermark but still counts as fresh.
type TableMeta struct {
	TenantKey      string    `json:"tenant_key"`
	Table          string    `json:"table"`
	LastFullSyncAt time.Time `json:"last_full_sync_at,omitempty"`
	LastSyncedAt   time.Time `json:"last_synced_at,omitempty"`
	Watermark      time.Time `json:"watermark,omitempty"`
	RowCount       int       `json:"row_count"`
}

// NeedsFullSync reports whether a full sync is due: either the table has
// never been fully synced, or the periodic cadence for reconciling
// deletions has elapsed. Incremental sync cannot observe deletions, so
// the cadence is a correctness requirement, not an optimization.
func (m *TableMeta) NeedsFullSync(interval time.Duration, now time.Time) bool {
	if m.LastFullSyncAt.IsZero() {
		return true
	}
	return interval > 0 && now.Sub(m.LastFullSyncAt) >= interval
}
