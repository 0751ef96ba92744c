package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ringsidehq/replica/internal/replica/schema"
)

// Get returns the row, or nil if it is absent, tombstoned, or expired.
//
// Expiry is lazy: a synced row older than the configured TTL is deleted
// inside the same transaction and nil is returned. Dirty rows are exempt.
// A successful read touches last_accessed_at for LRU accounting.
func (s *Store) Get(ctx context.Context, tenantKey, table, id string) (*schema.Row, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row, err := getRowTx(ctx, tx, tenantKey, table, id)
	if err != nil {
		return nil, err
	}
	if row == nil || row.Deleted {
		return nil, tx.Commit()
	}

	now := time.Now()
	if row.Expired(s.cfg.TTL, now) {
		if err := deleteRowTx(ctx, tx, tenantKey, table, id); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit expiry: %w", err)
		}
		s.cfg.Logger.Printf("Expired row %s/%s/%s", tenantKey, table, id)
		s.notifyChange(tenantKey, table, id)
		return nil, nil
	}

	row.LastAccessedAt = now
	_, err = tx.ExecContext(ctx,
		"UPDATE rows SET last_accessed_at = ? WHERE tenant_key = ? AND table_name = ? AND id = ?",
		now.Format(timeFormat), tenantKey, table, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to touch row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read: %w", err)
	}
	return row, nil
}

// GetAll returns all live rows for a tenant's table, ordered by id.
func (s *Store) GetAll(ctx context.Context, tenantKey, table string) ([]*schema.Row, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT tenant_key, table_name, id, data, version,
		       updated_at, last_synced_at, last_accessed_at, dirty, deleted
		FROM rows
		WHERE tenant_key = ? AND table_name = ? AND deleted = 0
		ORDER BY id ASC`,
		tenantKey, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// SetData stages a local write: the payload is applied optimistically and
// the row's version is bumped inside one transaction. The caller is
// responsible for enqueueing the matching mutation.
func (s *Store) SetData(ctx context.Context, tenantKey, table, id string, data json.RawMessage, dirty bool) (*schema.Row, error) {
	return s.Update(ctx, tenantKey, table, id, func(local *schema.Row) (*schema.Row, error) {
		now := time.Now()
		if local == nil {
			return &schema.Row{
				ID:             id,
				TenantKey:      tenantKey,
				Table:          table,
				Data:           data,
				Version:        1,
				UpdatedAt:      now,
				LastAccessedAt: now,
				Dirty:          dirty,
			}, nil
		}
		local.Data = data
		local.Version++
		local.UpdatedAt = now
		local.LastAccessedAt = now
		local.Dirty = dirty
		return local, nil
	})
}

// Update runs fn inside a transactional read-modify-write on one row.
//
// fn receives the current row (nil if absent) and returns the row to
// store. Returning the received pointer unchanged keeps the row as-is
// without a write or notification. Returning nil deletes the row.
//
// This is the only race-safe way to combine a read and a write: a bare
// Get followed by SetData can lose a concurrent sync's resolution.
func (s *Store) Update(ctx context.Context, tenantKey, table, id string, fn func(*schema.Row) (*schema.Row, error)) (*schema.Row, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	local, err := getRowTx(ctx, tx, tenantKey, table, id)
	if err != nil {
		return nil, err
	}

	out, err := fn(local)
	if err != nil {
		return nil, err
	}

	// Unchanged: fn declined to touch the row.
	if out != nil && local != nil && out == local {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return local, nil
	}

	if out == nil {
		if local == nil {
			return nil, tx.Commit()
		}
		if err := deleteRowTx(ctx, tx, tenantKey, table, id); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit delete: %w", err)
		}
		s.notifyChange(tenantKey, table, id)
		return nil, nil
	}

	out.TenantKey = tenantKey
	out.Table = table
	out.ID = id
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid row: %w", err)
	}

	if err := writeRowTx(ctx, tx, out); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit write: %w", err)
	}
	s.notifyChange(tenantKey, table, id)
	return out, nil
}

// MarkSynced records a server acknowledgement: the row takes the
// server-assigned version and timestamp, and the dirty flag clears when
// no other queued mutation still references the row.
func (s *Store) MarkSynced(ctx context.Context, tenantKey, table, id string, version int64, updatedAt time.Time, clearDirty bool) error {
	query := "UPDATE rows SET version = ?, updated_at = ?, last_synced_at = ?"
	args := []interface{}{version, updatedAt.Format(timeFormat), time.Now().Format(timeFormat)}
	if clearDirty {
		query += ", dirty = 0"
	}
	query += " WHERE tenant_key = ? AND table_name = ? AND id = ?"
	args = append(args, tenantKey, table, id)

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark row synced: %w", err)
	}
	return nil
}

// ClearDirty drops a row's dirty flag without touching its payload or
// timestamps. Used when the row's last pending mutation fails
// permanently: the optimistic write stays readable, but the row is
// again eligible for TTL expiry, eviction, and remote overwrite.
func (s *Store) ClearDirty(ctx context.Context, tenantKey, table, id string) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE rows SET dirty = 0 WHERE tenant_key = ? AND table_name = ? AND id = ?",
		tenantKey, table, id,
	)
	if err != nil {
		return fmt.Errorf("failed to clear dirty flag: %w", err)
	}
	return nil
}

// MarkDeleted stages a local delete as a dirty tombstone: the row reads
// as a miss immediately, but it is not removed until the matching delete
// mutation is acknowledged, so a pull in the meantime cannot resurrect
// it from the server copy.
func (s *Store) MarkDeleted(ctx context.Context, tenantKey, table, id string) (*schema.Row, error) {
	return s.Update(ctx, tenantKey, table, id, func(local *schema.Row) (*schema.Row, error) {
		now := time.Now()
		if local == nil {
			return &schema.Row{
				ID:             id,
				TenantKey:      tenantKey,
				Table:          table,
				Version:        1,
				UpdatedAt:      now,
				LastAccessedAt: now,
				Dirty:          true,
				Deleted:        true,
			}, nil
		}
		tomb := *local
		tomb.Data = nil
		tomb.Version++
		tomb.UpdatedAt = now
		tomb.LastAccessedAt = now
		tomb.Dirty = true
		tomb.Deleted = true
		return &tomb, nil
	})
}

// DeleteRow removes a row unconditionally. Used when a server tombstone
// is observed; eviction protections do not apply.
func (s *Store) DeleteRow(ctx context.Context, tenantKey, table, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRowTx(ctx, tx, tenantKey, table, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	s.notifyChange(tenantKey, table, id)
	return nil
}

// Evict discards a row's cached payload if and only if the row is not
// dirty. Returns whether the row was evicted.
func (s *Store) Evict(ctx context.Context, tenantKey, table, id string) (bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row, err := getRowTx(ctx, tx, tenantKey, table, id)
	if err != nil {
		return false, err
	}
	if row == nil || row.Dirty {
		return false, tx.Commit()
	}

	if err := deleteRowTx(ctx, tx, tenantKey, table, id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit eviction: %w", err)
	}
	return true, nil
}

// RowIDs returns the id -> dirty flag map for a tenant's table. The sync
// engine uses it to reconcile deletions after a full sync without holding
// full rows in memory.
func (s *Store) RowIDs(ctx context.Context, tenantKey, table string) (map[string]bool, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, dirty FROM rows WHERE tenant_key = ? AND table_name = ?",
		tenantKey, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query row ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		var dirty int
		if err := rows.Scan(&id, &dirty); err != nil {
			return nil, fmt.Errorf("failed to scan row id: %w", err)
		}
		ids[id] = dirty != 0
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating row ids: %w", err)
	}
	return ids, nil
}

// QueryByField returns live rows whose payload field equals value.
//
// Registered fields are answered from the secondary value index. An
// unregistered field falls back to a full scan with a warning; register
// the field in the table spec if the query is hot.
func (s *Store) QueryByField(ctx context.Context, tenantKey, table, field, value string) ([]*schema.Row, error) {
	if schema.IndexedField(table, field) {
		rows, err := s.conn.QueryContext(ctx, `
			SELECT r.tenant_key, r.table_name, r.id, r.data, r.version,
			       r.updated_at, r.last_synced_at, r.last_accessed_at, r.dirty, r.deleted
			FROM rows r
			JOIN row_index i ON i.tenant_key = r.tenant_key
			    AND i.table_name = r.table_name AND i.row_id = r.id
			WHERE r.tenant_key = ? AND r.table_name = ? AND r.deleted = 0
			  AND i.field = ? AND i.value = ?
			ORDER BY r.id ASC`,
			tenantKey, table, field, value,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query by index: %w", err)
		}
		defer rows.Close()
		return scanRows(rows)
	}

	s.cfg.Logger.Printf("WARNING: no index for %s.%s, falling back to full scan", table, field)

	all, err := s.GetAll(ctx, tenantKey, table)
	if err != nil {
		return nil, err
	}

	var matched []*schema.Row
	for _, row := range all {
		if payloadFieldValue(row.Data, field) == value {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

// EvictionCandidate identifies a row the cache governor may discard.
type EvictionCandidate struct {
	Table string
	ID    string
	Bytes int64
}

// EvictionCandidates returns non-dirty rows ordered by last access time
// ascending (least recently used first).
func (s *Store) EvictionCandidates(ctx context.Context, tenantKey string, limit int) ([]EvictionCandidate, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT table_name, id, COALESCE(LENGTH(data), 0)
		FROM rows
		WHERE tenant_key = ? AND dirty = 0
		ORDER BY last_accessed_at ASC
		LIMIT ?`,
		tenantKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query eviction candidates: %w", err)
	}
	defer rows.Close()

	var candidates []EvictionCandidate
	for rows.Next() {
		var c EvictionCandidate
		if err := rows.Scan(&c.Table, &c.ID, &c.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	return candidates, nil
}

// getRowTx reads one row inside a transaction. Returns nil when absent.
func getRowTx(ctx context.Context, tx *sql.Tx, tenantKey, table, id string) (*schema.Row, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT tenant_key, table_name, id, data, version,
		       updated_at, last_synced_at, last_accessed_at, dirty, deleted
		FROM rows
		WHERE tenant_key = ? AND table_name = ? AND id = ?`,
		tenantKey, table, id,
	)

	r, err := scanRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}
	return r, nil
}

// writeRowTx upserts a row and rebuilds its secondary index entries.
func writeRowTx(ctx context.Context, tx *sql.Tx, r *schema.Row) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rows (
			tenant_key, table_name, id, data, version,
			updated_at, last_synced_at, last_accessed_at, dirty, deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_key, table_name, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at,
			last_accessed_at = excluded.last_accessed_at,
			dirty = excluded.dirty,
			deleted = excluded.deleted`,
		r.TenantKey, r.Table, r.ID, string(r.Data), r.Version,
		r.UpdatedAt.Format(timeFormat),
		timeToNullString(r.LastSyncedAt),
		timeToNullString(r.LastAccessedAt),
		boolToInt(r.Dirty), boolToInt(r.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert row: %w", err)
	}

	return reindexRowTx(ctx, tx, r)
}

// deleteRowTx removes a row and its index entries.
func deleteRowTx(ctx context.Context, tx *sql.Tx, tenantKey, table, id string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM rows WHERE tenant_key = ? AND table_name = ? AND id = ?",
		tenantKey, table, id,
	); err != nil {
		return fmt.Errorf("failed to delete row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM row_index WHERE tenant_key = ? AND table_name = ? AND row_id = ?",
		tenantKey, table, id,
	); err != nil {
		return fmt.Errorf("failed to delete index entries: %w", err)
	}
	return nil
}

// reindexRowTx rebuilds the value-index entries for a row's registered
// fields.
func reindexRowTx(ctx context.Context, tx *sql.Tx, r *schema.Row) error {
	spec, ok := schema.Spec(r.Table)
	if !ok || len(spec.IndexedFields) == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM row_index WHERE tenant_key = ? AND table_name = ? AND row_id = ?",
		r.TenantKey, r.Table, r.ID,
	); err != nil {
		return fmt.Errorf("failed to clear index entries: %w", err)
	}

	for _, field := range spec.IndexedFields {
		value := payloadFieldValue(r.Data, field)
		if value == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO row_index (tenant_key, table_name, field, value, row_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant_key, table_name, field, row_id) DO UPDATE SET
				value = excluded.value`,
			r.TenantKey, r.Table, field, value, r.ID,
		); err != nil {
			return fmt.Errorf("failed to index field %s: %w", field, err)
		}
	}
	return nil
}

// payloadFieldValue extracts a payload field as a comparable string.
// Returns "" when the payload doesn't parse or the field is absent.
func payloadFieldValue(data json.RawMessage, field string) string {
	if len(data) == 0 {
		return ""
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	v, ok := payload[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Avoid trailing zeros from %v on integral values.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// scanRow scans one row from a Scan-compatible source.
func scanRow(scan func(dest ...interface{}) error) (*schema.Row, error) {
	var r schema.Row
	var data sql.NullString
	var updatedAt string
	var lastSynced, lastAccessed sql.NullString
	var dirty, deleted int

	err := scan(
		&r.TenantKey, &r.Table, &r.ID, &data, &r.Version,
		&updatedAt, &lastSynced, &lastAccessed, &dirty, &deleted,
	)
	if err != nil {
		return nil, err
	}

	if data.Valid {
		r.Data = json.RawMessage(data.String)
	}
	if t, err := time.Parse(timeFormat, updatedAt); err == nil {
		r.UpdatedAt = t
	}
	r.LastSyncedAt = nullStringToTime(lastSynced)
	r.LastAccessedAt = nullStringToTime(lastAccessed)
	r.Dirty = dirty != 0
	r.Deleted = deleted != 0

	return &r, nil
}

// scanRows scans all rows from a result set.
func scanRows(rows *sql.Rows) ([]*schema.Row, error) {
	var out []*schema.Row
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
