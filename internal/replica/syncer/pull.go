package syncer

import (
	"context"
	"time"

	"github.com/ringsidehq/replica/internal/replica/remote"
	"github.com/ringsidehq/replica/internal/replica/resolve"
	"github.com/ringsidehq/replica/internal/replica/schema"
)

// pullTable downloads server-side changes for one table, choosing full
// or incremental mode. Full sync is mandatory on first use, past the
// periodic cadence, and when the incremental change count exceeds the
// configured threshold.
func (s *Syncer) pullTable(ctx context.Context, tenantKey, table string, res *Result) error {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	meta, err := s.store.GetMeta(ctx, tenantKey, table)
	if err != nil {
		return err
	}

	full := meta.NeedsFullSync(s.cfg.FullSyncInterval, start)
	if !full {
		count, err := s.remote.ChangeCount(ctx, table, meta.Watermark)
		if err != nil {
			// The probe failing means the pull would fail too.
			res.Err = err
			res.Mode = ModeIncremental
			return nil
		}
		if count > s.cfg.FullSyncThreshold {
			s.cfg.Logger.Printf("Table %s has %d pending changes (threshold %d), forcing full sync",
				table, count, s.cfg.FullSyncThreshold)
			full = true
		}
	}

	if full {
		res.Mode = ModeFull
		return s.fullSync(ctx, tenantKey, table, meta, res)
	}
	res.Mode = ModeIncremental
	return s.incrementalSync(ctx, tenantKey, table, meta, res)
}

// fullSync replaces the table's contents from the server, one page at a
// time, preserving dirty rows via the resolver, then removes local rows
// the server no longer has. Only the set of seen row IDs is held in
// memory across pages.
func (s *Syncer) fullSync(ctx context.Context, tenantKey, table string, meta *schema.TableMeta, res *Result) error {
	if s.capacity != nil {
		total, err := s.remote.ChangeCount(ctx, table, time.Time{})
		if err == nil {
			if err := s.capacity.EnsureCapacity(ctx, tenantKey, int64(total)*s.cfg.EstimatedRowBytes); err != nil {
				res.Err = err
				return nil
			}
		}
	}

	seen := make(map[string]struct{})
	var serverTime time.Time
	cursor := ""

	for {
		// Cancellation checkpoint at page boundaries: a cancelled full
		// sync leaves the watermark untouched.
		if ctx.Err() != nil {
			res.Canceled = true
			return nil
		}

		page, err := s.remote.Select(ctx, table, time.Time{}, cursor, s.cfg.PageSize)
		if err != nil {
			res.Err = err
			return nil
		}
		s.logDrift(table, page, res)

		for i := range page.Rows {
			rrow := &page.Rows[i]
			if rrow.Deleted {
				if err := s.store.DeleteRow(ctx, tenantKey, table, rrow.ID); err != nil {
					return err
				}
				res.Deleted++
				continue
			}
			if err := s.applyRemoteRow(ctx, tenantKey, table, rrow, res); err != nil {
				return err
			}
			seen[rrow.ID] = struct{}{}
		}

		if page.ServerTime.After(serverTime) {
			serverTime = page.ServerTime
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	// Reconcile deletions: anything local the server didn't return is
	// gone server-side. Dirty rows stay pending their mutation.
	ids, err := s.store.RowIDs(ctx, tenantKey, table)
	if err != nil {
		return err
	}
	for id, dirty := range ids {
		if dirty {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		if err := s.store.DeleteRow(ctx, tenantKey, table, id); err != nil {
			return err
		}
		res.Deleted++
	}

	now := time.Now()
	if serverTime.IsZero() {
		serverTime = now
	}
	meta.LastFullSyncAt = now
	meta.LastSyncedAt = now
	meta.Watermark = serverTime
	meta.RowCount, err = s.store.RowCount(ctx, tenantKey, table)
	if err != nil {
		return err
	}
	return s.store.PutMeta(ctx, meta)
}

// incrementalSync pulls rows and tombstones past the watermark, walking
// cursor pages at a fixed since so a burst of rows sharing one
// updated_at is never split away by a moving lower bound. The watermark
// advances after each applied page, but an intermediate page only
// commits timestamps strictly below its newest row: later pages may
// still carry ties at that instant, and since is a strictly-greater
// bound. Cancellation between pages leaves a watermark a resumed cycle
// can safely continue from.
func (s *Syncer) incrementalSync(ctx context.Context, tenantKey, table string, meta *schema.TableMeta, res *Result) error {
	since := meta.Watermark
	watermark := meta.Watermark
	cursor := ""

	for {
		if ctx.Err() != nil {
			res.Canceled = true
			return nil
		}

		page, err := s.remote.Select(ctx, table, since, cursor, s.cfg.PageSize)
		if err != nil {
			res.Err = err
			return nil
		}
		s.logDrift(table, page, res)
		if len(page.Rows) == 0 && page.NextCursor == "" {
			break
		}

		// pageMax is the newest updated_at in the page; runnerUp the
		// newest strictly below it.
		var pageMax, runnerUp time.Time
		for i := range page.Rows {
			rrow := &page.Rows[i]
			switch t := rrow.UpdatedAt; {
			case t.After(pageMax):
				runnerUp, pageMax = pageMax, t
			case t.Before(pageMax) && t.After(runnerUp):
				runnerUp = t
			}
			if rrow.Deleted {
				// Tombstone: remove outright, no eviction protection.
				if err := s.store.DeleteRow(ctx, tenantKey, table, rrow.ID); err != nil {
					return err
				}
				res.Deleted++
				continue
			}
			if err := s.applyRemoteRow(ctx, tenantKey, table, rrow, res); err != nil {
				return err
			}
		}

		committed := pageMax
		if page.NextCursor != "" {
			committed = runnerUp
		}
		if committed.After(watermark) {
			watermark = committed
			meta.Watermark = watermark
			if err := s.store.PutMeta(ctx, meta); err != nil {
				return err
			}
		}

		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	var err error
	meta.LastSyncedAt = time.Now()
	meta.RowCount, err = s.store.RowCount(ctx, tenantKey, table)
	if err != nil {
		return err
	}
	return s.store.PutMeta(ctx, meta)
}

// applyRemoteRow merges one server row into the store through the
// conflict resolver, inside a transactional read-modify-write. A dirty
// local row that loses is recorded as a conflict with both payloads,
// and its queued mutations are withdrawn: the superseded edit rides in
// the conflict for the user to confirm or resubmit, never auto-retried
// over the newer server write it just lost to.
func (s *Syncer) applyRemoteRow(ctx context.Context, tenantKey, table string, rrow *remote.Row, res *Result) error {
	now := time.Now()
	var conflict *Conflict

	_, err := s.store.Update(ctx, tenantKey, table, rrow.ID, func(local *schema.Row) (*schema.Row, error) {
		incoming := &schema.Row{
			ID:             rrow.ID,
			TenantKey:      tenantKey,
			Table:          table,
			Data:           rrow.Data,
			Version:        rrow.Version,
			UpdatedAt:      rrow.UpdatedAt,
			LastSyncedAt:   now,
			LastAccessedAt: now,
		}
		if local != nil && !local.LastAccessedAt.IsZero() {
			incoming.LastAccessedAt = local.LastAccessedAt
		}

		out := resolve.Pick(local, incoming)
		if out.LocalLost {
			conflict = &Conflict{
				Table:  table,
				RowID:  rrow.ID,
				Local:  local.Data,
				Remote: rrow.Data,
			}
		}
		return out.Winner, nil
	})
	if err != nil {
		return err
	}

	res.Pulled++
	if conflict != nil {
		withdrawn, err := s.queue.RemoveForRow(ctx, tenantKey, table, rrow.ID)
		if err != nil {
			return err
		}
		s.cfg.Logger.Printf("Conflict on %s/%s: remote won, local edit surfaced, %d pending mutations withdrawn",
			table, rrow.ID, withdrawn)
		res.Conflicts = append(res.Conflicts, *conflict)
	}
	return nil
}

// logDrift records skipped malformed rows; sync continues without them.
func (s *Syncer) logDrift(table string, page *remote.Page, res *Result) {
	for _, drift := range page.Drift {
		s.cfg.Logger.Printf("WARNING: %v", drift)
	}
	res.Drift += len(page.Drift)
}
