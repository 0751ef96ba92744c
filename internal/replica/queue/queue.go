// Package queue provides the durable log of pending local writes.
//
// Mutations live in the same database file as the replicated rows, so
// cache eviction of a row can never drop a still-queued mutation that
// references it. The queue hands mutations to the sync engine in
// dependency order: a mutation with depends_on set drains strictly after
// the mutation it names, everything else in creation order.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/ringsidehq/replica/internal/replica/schema"
	"github.com/ringsidehq/replica/internal/replica/store"
)

// Queue is the durable pending-mutation log.
type Queue struct {
	conn   *sql.DB
	logger *log.Logger
}

// New creates a queue over the store's database.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		conn:   st.RawDB(),
		logger: logger,
	}
}

// Enqueue appends a mutation to the log. A missing ID or creation
// timestamp is filled in.
func (q *Queue) Enqueue(ctx context.Context, m *schema.Mutation) error {
	if m.ID == "" {
		fresh := schema.NewMutation(m.TenantKey, m.Table, m.RowID, m.Op, m.Payload)
		m.ID = fresh.ID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	_, err := q.conn.ExecContext(ctx, `
		INSERT INTO mutations (
			id, tenant_key, table_name, row_id, op, payload,
			depends_on, created_at, attempts, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantKey, m.Table, m.RowID, string(m.Op), string(m.Payload),
		nullIfEmpty(m.DependsOn), m.CreatedAt.Format(time.RFC3339Nano),
		m.Attempts, nullTime(m.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return nil
}

// Pending returns a tenant's queued mutations in upload order:
// topologically sorted over depends_on links, creation order otherwise.
func (q *Queue) Pending(ctx context.Context, tenantKey string) ([]*schema.Mutation, error) {
	rows, err := q.conn.QueryContext(ctx, `
		SELECT id, tenant_key, table_name, row_id, op, payload,
		       depends_on, created_at, attempts, next_attempt_at
		FROM mutations
		WHERE tenant_key = ?
		ORDER BY created_at ASC, id ASC`,
		tenantKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var pending []*schema.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}

	return sortByDependency(pending), nil
}

// Count returns the number of queued mutations for a tenant.
func (q *Queue) Count(ctx context.Context, tenantKey string) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mutations WHERE tenant_key = ?", tenantKey,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return count, nil
}

// CountForRow returns how many queued mutations still reference a row.
// The sync engine keeps a row dirty while this is non-zero.
func (q *Queue) CountForRow(ctx context.Context, tenantKey, table, rowID string) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mutations WHERE tenant_key = ? AND table_name = ? AND row_id = ?",
		tenantKey, table, rowID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count row mutations: %w", err)
	}
	return count, nil
}

// Remove deletes an acknowledged (or permanently failed) mutation.
// Idempotent: removing an unknown ID is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.conn.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove mutation %s: %w", id, err)
	}
	return nil
}

// RemoveForRow deletes every queued mutation referencing a row and
// returns how many were removed. The sync engine uses it when a newer
// remote row supersedes a dirty local edit: the withdrawn writes are
// surfaced in the conflict, and re-applying them becomes the user's
// decision instead of an automatic retry.
func (q *Queue) RemoveForRow(ctx context.Context, tenantKey, table, rowID string) (int, error) {
	res, err := q.conn.ExecContext(ctx,
		"DELETE FROM mutations WHERE tenant_key = ? AND table_name = ? AND row_id = ?",
		tenantKey, table, rowID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to remove row mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed mutations: %w", err)
	}
	return int(n), nil
}

// RecordFailure increments a mutation's attempt counter and schedules
// its next attempt. Returns the new attempt count.
func (q *Queue) RecordFailure(ctx context.Context, id string, nextAttemptAt time.Time) (int, error) {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE mutations SET attempts = attempts + 1, next_attempt_at = ? WHERE id = ?",
		nextAttemptAt.Format(time.RFC3339Nano), id,
	); err != nil {
		return 0, fmt.Errorf("failed to record failure: %w", err)
	}

	var attempts int
	if err := tx.QueryRowContext(ctx,
		"SELECT attempts FROM mutations WHERE id = ?", id,
	).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit failure record: %w", err)
	}
	return attempts, nil
}

// sortByDependency orders mutations so every depends_on target precedes
// its dependents, preserving creation order among unconstrained
// mutations (stable Kahn over the dependency edges).
//
// A depends_on target that is no longer queued was already acknowledged,
// so the dependent is treated as unconstrained.
func sortByDependency(pending []*schema.Mutation) []*schema.Mutation {
	if len(pending) < 2 {
		return pending
	}

	byID := make(map[string]*schema.Mutation, len(pending))
	for _, m := range pending {
		byID[m.ID] = m
	}

	dependents := make(map[string][]*schema.Mutation)
	indegree := make(map[string]int, len(pending))
	for _, m := range pending {
		if m.DependsOn != "" {
			if _, queued := byID[m.DependsOn]; queued {
				dependents[m.DependsOn] = append(dependents[m.DependsOn], m)
				indegree[m.ID]++
			}
		}
	}

	// pending is already in creation order; keep that order among the
	// currently-ready mutations.
	var ready []*schema.Mutation
	for _, m := range pending {
		if indegree[m.ID] == 0 {
			ready = append(ready, m)
		}
	}

	ordered := make([]*schema.Mutation, 0, len(pending))
	for len(ready) > 0 {
		m := ready[0]
		ready = ready[1:]
		ordered = append(ordered, m)

		released := dependents[m.ID]
		for _, dep := range released {
			indegree[dep.ID]--
			if indegree[dep.ID] == 0 {
				ready = append(ready, dep)
			}
		}
		// Keep creation order among whatever is ready now.
		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
				return ready[i].ID < ready[j].ID
			}
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		})
	}

	// A dependency cycle should be impossible, but never drop work:
	// append anything the sort could not release, in creation order.
	if len(ordered) < len(pending) {
		seen := make(map[string]bool, len(ordered))
		for _, m := range ordered {
			seen[m.ID] = true
		}
		for _, m := range pending {
			if !seen[m.ID] {
				ordered = append(ordered, m)
			}
		}
	}

	return ordered
}

// scanMutation reads one mutation from the current result row.
func scanMutation(rows *sql.Rows) (*schema.Mutation, error) {
	var m schema.Mutation
	var op string
	var payload, dependsOn, nextAttempt sql.NullString
	var createdAt string

	err := rows.Scan(
		&m.ID, &m.TenantKey, &m.Table, &m.RowID, &op, &payload,
		&dependsOn, &createdAt, &m.Attempts, &nextAttempt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mutation: %w", err)
	}

	m.Op = schema.MutationOp(op)
	if payload.Valid {
		m.Payload = []byte(payload.String)
	}
	if dependsOn.Valid {
		m.DependsOn = dependsOn.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if nextAttempt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextAttempt.String); err == nil {
			m.NextAttemptAt = t
		}
	}
	return &m, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}
