package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ringsidehq/replica/internal/replica/schema"
)

// GetMeta returns the sync metadata for a tenant's table. A table that
// has never synced returns zero-valued metadata, not an error.
func (s *Store) GetMeta(ctx context.Context, tenantKey, table string) (*schema.TableMeta, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT last_full_sync_at, last_synced_at, watermark, row_count
		FROM sync_meta
		WHERE tenant_key = ? AND table_name = ?`,
		tenantKey, table,
	)

	meta := &schema.TableMeta{TenantKey: tenantKey, Table: table}
	var lastFull, lastSynced, watermark sql.NullString

	err := row.Scan(&lastFull, &lastSynced, &watermark, &meta.RowCount)
	if err == sql.ErrNoRows {
		return meta, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync meta: %w", err)
	}

	meta.LastFullSyncAt = nullStringToTime(lastFull)
	meta.LastSyncedAt = nullStringToTime(lastSynced)
	meta.Watermark = nullStringToTime(watermark)
	return meta, nil
}

// PutMeta persists the sync metadata for a tenant's table.
func (s *Store) PutMeta(ctx context.Context, meta *schema.TableMeta) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (tenant_key, table_name, last_full_sync_at, last_synced_at, watermark, row_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_key, table_name) DO UPDATE SET
			last_full_sync_at = excluded.last_full_sync_at,
			last_synced_at = excluded.last_synced_at,
			watermark = excluded.watermark,
			row_count = excluded.row_count`,
		meta.TenantKey, meta.Table,
		timeToNullString(meta.LastFullSyncAt),
		timeToNullString(meta.LastSyncedAt),
		timeToNullString(meta.Watermark),
		meta.RowCount,
	)
	if err != nil {
		return fmt.Errorf("failed to write sync meta: %w", err)
	}
	return nil
}
