package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/ringsidehq/replica/internal/replica/remote"
	"github.com/ringsidehq/replica/internal/replica/schema"
)

// maxBackoffShift caps the exponential retry backoff at base << 10.
const maxBackoffShift = 10

// drainMutations uploads the tenant's queued mutations in dependency
// order. Each acknowledged mutation leaves the queue and confirms its
// row; each transient failure backs off and stays queued; rejections
// and retry-ceiling breaches surface as permanent failures with the
// original payload. A mutation whose dependency did not reach the
// server this cycle is held back so ordering is never violated.
func (s *Syncer) drainMutations(ctx context.Context, tenantKey string, resultFor func(string) *Result) error {
	pending, err := s.queue.Pending(ctx, tenantKey)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	s.cfg.Logger.Printf("Draining %d pending mutations for tenant %s", len(pending), tenantKey)

	// Mutations that did not reach the server this cycle; anything
	// depending on them must wait too.
	held := make(map[string]bool)
	now := time.Now()

	for _, m := range pending {
		// Cancellation checkpoint between mutations: the queue stays
		// exactly as of the last acknowledged mutation.
		if ctx.Err() != nil {
			return nil
		}

		res := resultFor(m.Table)

		if m.DependsOn != "" && held[m.DependsOn] {
			held[m.ID] = true
			continue
		}
		if m.NextAttemptAt.After(now) {
			// Backoff not elapsed; retry on a later cycle.
			held[m.ID] = true
			continue
		}

		serverRow, err := s.remote.Apply(ctx, m)
		if err == nil {
			if err := s.acknowledge(ctx, m, serverRow); err != nil {
				return err
			}
			res.Uploaded++
			continue
		}

		held[m.ID] = true

		var rejected *remote.MutationRejected
		if errors.As(err, &rejected) {
			// Server-side validation failure: permanent, never retried.
			s.cfg.Logger.Printf("Mutation %s rejected: %s", m.ID, rejected.Reason)
			if err := s.queue.Remove(ctx, m.ID); err != nil {
				return err
			}
			if err := s.releaseRow(ctx, m); err != nil {
				return err
			}
			res.Failures = append(res.Failures, MutationFailure{
				MutationID: m.ID,
				Table:      m.Table,
				RowID:      m.RowID,
				Reason:     rejected.Reason,
				Payload:    m.Payload,
			})
			continue
		}

		// Transient (network or otherwise): back off and retry, up to
		// the ceiling.
		attempts, recErr := s.queue.RecordFailure(ctx, m.ID, now.Add(s.backoff(m.Attempts)))
		if recErr != nil {
			return recErr
		}
		if attempts >= s.cfg.MaxAttempts {
			s.cfg.Logger.Printf("Mutation %s out of retries after %d attempts: %v", m.ID, attempts, err)
			if err := s.queue.Remove(ctx, m.ID); err != nil {
				return err
			}
			if err := s.releaseRow(ctx, m); err != nil {
				return err
			}
			res.Failures = append(res.Failures, MutationFailure{
				MutationID: m.ID,
				Table:      m.Table,
				RowID:      m.RowID,
				Reason:     err.Error(),
				Payload:    m.Payload,
			})
			continue
		}
		s.cfg.Logger.Printf("Mutation %s failed (attempt %d/%d): %v", m.ID, attempts, s.cfg.MaxAttempts, err)
	}

	return nil
}

// acknowledge finalizes an accepted mutation: it leaves the queue, and
// the row takes the server-assigned version. The dirty flag clears only
// when no later queued mutation still references the row.
func (s *Syncer) acknowledge(ctx context.Context, m *schema.Mutation, serverRow *remote.Row) error {
	if err := s.queue.Remove(ctx, m.ID); err != nil {
		return err
	}

	if m.Op == schema.OpDelete {
		return s.store.DeleteRow(ctx, m.TenantKey, m.Table, m.RowID)
	}

	remaining, err := s.queue.CountForRow(ctx, m.TenantKey, m.Table, m.RowID)
	if err != nil {
		return err
	}

	version := int64(0)
	updatedAt := time.Now()
	if serverRow != nil {
		version = serverRow.Version
		updatedAt = serverRow.UpdatedAt
	}
	return s.store.MarkSynced(ctx, m.TenantKey, m.Table, m.RowID, version, updatedAt, remaining == 0)
}

// releaseRow undoes a permanently failed mutation's optimistic hold on
// its row. Dirty protection lasts only until the mutation is confirmed
// or rejected: a failed delete withdraws the local tombstone so the
// server copy returns on the next pull, and any other failed op clears
// the dirty flag once no later queued mutation still references the
// row, making it eligible again for expiry, eviction, and overwrite.
func (s *Syncer) releaseRow(ctx context.Context, m *schema.Mutation) error {
	if m.Op == schema.OpDelete {
		return s.store.DeleteRow(ctx, m.TenantKey, m.Table, m.RowID)
	}
	remaining, err := s.queue.CountForRow(ctx, m.TenantKey, m.Table, m.RowID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return s.store.ClearDirty(ctx, m.TenantKey, m.Table, m.RowID)
}

// backoff returns the wait before retry attempt n+1.
func (s *Syncer) backoff(attempts int) time.Duration {
	base := s.cfg.RetryBackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	shift := attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << uint(shift)
}
