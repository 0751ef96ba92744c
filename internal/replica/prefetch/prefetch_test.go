package prefetch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ringsidehq/replica/internal/replica/queue"
	"github.com/ringsidehq/replica/internal/replica/remote"
	"github.com/ringsidehq/replica/internal/replica/schema"
	"github.com/ringsidehq/replica/internal/replica/store"
	"github.com/ringsidehq/replica/internal/replica/syncer"
)

const testTenant = "show-2026-spring"

// fakeLocks is a Locks implementation with a switchable sync flag.
type fakeLocks struct {
	syncing     bool
	prefetching atomic.Bool
}

func (l *fakeLocks) Syncing(tenantKey string) bool { return l.syncing }

func (l *fakeLocks) BeginPrefetch(tenantKey string) bool {
	return l.prefetching.CompareAndSwap(false, true)
}

func (l *fakeLocks) EndPrefetch(tenantKey string) { l.prefetching.Store(false) }

// countingRemote serves one row per table and counts pulls.
type countingRemote struct {
	selects atomic.Int64
}

func (f *countingRemote) Select(ctx context.Context, table string, since time.Time, cursor string, limit int) (*remote.Page, error) {
	f.selects.Add(1)
	now := time.Now()
	return &remote.Page{
		Rows:       []remote.Row{{ID: table + "-1", Data: json.RawMessage(`{}`), Version: 1, UpdatedAt: now.Add(-time.Minute)}},
		ServerTime: now,
	}, nil
}

func (f *countingRemote) ChangeCount(ctx context.Context, table string, since time.Time) (int, error) {
	return 1, nil
}

func (f *countingRemote) Apply(ctx context.Context, m *schema.Mutation) (*remote.Row, error) {
	return nil, nil
}

func testPrefetcher(t *testing.T, locks Locks) (*store.Store, *countingRemote, *Prefetcher) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	rem := &countingRemote{}
	sy := syncer.New(st, queue.New(st, nil), rem, nil, nil)
	return st, rem, New(st, sy, locks, nil)
}

// TestHint_WarmsStaleTables tests that a class-detail navigation pulls
// the tables that screen reads.
func TestHint_WarmsStaleTables(t *testing.T) {
	st, rem, p := testPrefetcher(t, &fakeLocks{})
	ctx := context.Background()

	p.Hint(ctx, testTenant, "/classes/42")

	if got := rem.selects.Load(); got != 2 {
		t.Errorf("selects = %d, want 2 (entries and runs)", got)
	}
	for _, table := range []string{"entries", "runs"} {
		count, err := st.RowCount(ctx, testTenant, table)
		if err != nil {
			t.Fatalf("RowCount(%s) failed: %v", table, err)
		}
		if count != 1 {
			t.Errorf("%s rows = %d, want 1", table, count)
		}
	}
}

// TestHint_UnknownRouteNoop tests that unmapped routes do nothing.
func TestHint_UnknownRouteNoop(t *testing.T) {
	_, rem, p := testPrefetcher(t, &fakeLocks{})

	p.Hint(context.Background(), testTenant, "/settings")

	if got := rem.selects.Load(); got != 0 {
		t.Errorf("selects = %d, want 0", got)
	}
}

// TestHint_SkipsWhileSyncing tests that prefetch never competes with a
// foreground sync.
func TestHint_SkipsWhileSyncing(t *testing.T) {
	_, rem, p := testPrefetcher(t, &fakeLocks{syncing: true})

	p.Hint(context.Background(), testTenant, "/classes/42")

	if got := rem.selects.Load(); got != 0 {
		t.Errorf("selects = %d, want 0 while a sync is in flight", got)
	}
}

// TestHint_SkipsFreshTables tests the freshness window: a table pulled
// moments ago is skipped even when it has been quiet for hours, so the
// watermark's age is irrelevant.
func TestHint_SkipsFreshTables(t *testing.T) {
	st, rem, p := testPrefetcher(t, &fakeLocks{})
	ctx := context.Background()

	now := time.Now()
	for _, table := range []string{"entries", "runs"} {
		meta := &schema.TableMeta{
			TenantKey:      testTenant,
			Table:          table,
			LastFullSyncAt: now,
			LastSyncedAt:   now,
			Watermark:      now.Add(-3 * time.Hour),
		}
		if err := st.PutMeta(ctx, meta); err != nil {
			t.Fatalf("PutMeta(%s) failed: %v", table, err)
		}
	}

	p.Hint(ctx, testTenant, "/classes/42")

	if got := rem.selects.Load(); got != 0 {
		t.Errorf("selects = %d, want 0 for freshly synced tables", got)
	}
}

// TestHint_StaleSyncWarmsDespiteRecentWatermark tests the converse: a
// table whose last pull is outside the window is warmed even if its
// newest observed change is recent.
func TestHint_StaleSyncWarmsDespiteRecentWatermark(t *testing.T) {
	st, rem, p := testPrefetcher(t, &fakeLocks{})
	ctx := context.Background()

	now := time.Now()
	for _, table := range []string{"entries", "runs"} {
		meta := &schema.TableMeta{
			TenantKey:      testTenant,
			Table:          table,
			LastFullSyncAt: now.Add(-10 * time.Minute),
			LastSyncedAt:   now.Add(-10 * time.Minute),
			Watermark:      now.Add(-10 * time.Minute),
		}
		if err := st.PutMeta(ctx, meta); err != nil {
			t.Fatalf("PutMeta(%s) failed: %v", table, err)
		}
	}

	p.Hint(ctx, testTenant, "/classes/42")

	if got := rem.selects.Load(); got != 2 {
		t.Errorf("selects = %d, want 2 for stale tables", got)
	}
}

// TestNormalizeRoute tests identifier collapsing.
func TestNormalizeRoute(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/classes", "/classes"},
		{"/classes/42", "/classes/:id"},
		{"/classes/42/", "/classes/:id"},
		{"/entries/550e8400-e29b-41d4-a716-446655440000", "/entries/:id"},
		{"/scoreboard", "/scoreboard"},
		{"/", "/"},
	}
	for _, c := range cases {
		if got := NormalizeRoute(c.in); got != c.want {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
