package syncer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ringsidehq/replica/internal/replica/queue"
	"github.com/ringsidehq/replica/internal/replica/remote"
	"github.com/ringsidehq/replica/internal/replica/schema"
	"github.com/ringsidehq/replica/internal/replica/store"
)

const testTenant = "show-2026-spring"

// fakeRemote is an in-memory table API for engine tests.
type fakeRemote struct {
	mu sync.Mutex

	rows       map[string][]remote.Row // per table, any order
	serverTime time.Time

	applyErr    map[string]error // per mutation ID
	changeCount map[string]int   // per-table probe override
	selectErr   map[string]error // per-table pull failure

	calls   []string // "apply:<id>" and "select:<table>" in call order
	applied []string // mutation IDs in apply order
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:        make(map[string][]remote.Row),
		applyErr:    make(map[string]error),
		changeCount: make(map[string]int),
		selectErr:   make(map[string]error),
	}
}

func (f *fakeRemote) Select(ctx context.Context, table string, since time.Time, cursor string, limit int) (*remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "select:"+table)

	if err := f.selectErr[table]; err != nil {
		return nil, err
	}

	var filtered []remote.Row
	for _, r := range f.rows[table] {
		if r.UpdatedAt.After(since) {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].UpdatedAt.Before(filtered[j].UpdatedAt)
	})

	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	if start > end {
		start = end
	}

	page := &remote.Page{
		Rows:       filtered[start:end],
		ServerTime: f.serverTime,
	}
	if end < len(filtered) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeRemote) ChangeCount(ctx context.Context, table string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.changeCount[table]; ok {
		return n, nil
	}
	count := 0
	for _, r := range f.rows[table] {
		if r.UpdatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeRemote) Apply(ctx context.Context, m *schema.Mutation) (*remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "apply:"+m.ID)

	if err := f.applyErr[m.ID]; err != nil {
		return nil, err
	}
	f.applied = append(f.applied, m.ID)

	// Mirror the server: an accepted mutation lands in its table.
	rows := f.rows[m.Table][:0]
	for _, r := range f.rows[m.Table] {
		if r.ID != m.RowID {
			rows = append(rows, r)
		}
	}
	applied := remote.Row{
		ID:        m.RowID,
		Data:      m.Payload,
		Version:   100,
		UpdatedAt: f.serverTime,
		Deleted:   m.Op == schema.OpDelete,
	}
	f.rows[m.Table] = append(rows, applied)

	if m.Op == schema.OpDelete {
		return nil, nil
	}
	result := applied
	return &result, nil
}

// serverRow adds a row to the fake server.
func (f *fakeRemote) serverRow(table, id, data string, updatedAt time.Time, deleted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = append(f.rows[table], remote.Row{
		ID:        id,
		Data:      json.RawMessage(data),
		Version:   1,
		UpdatedAt: updatedAt,
		Deleted:   deleted,
	})
	if updatedAt.After(f.serverTime) {
		f.serverTime = updatedAt
	}
}

// cancelingRemote cancels its context after a fixed number of remote
// calls, to drive cancellation through page and mutation boundaries.
type cancelingRemote struct {
	*fakeRemote
	cancel      context.CancelFunc
	afterSelect int
	afterApply  int
	selects     int
	applies     int
}

func (c *cancelingRemote) Select(ctx context.Context, table string, since time.Time, cursor string, limit int) (*remote.Page, error) {
	page, err := c.fakeRemote.Select(ctx, table, since, cursor, limit)
	c.selects++
	if c.afterSelect > 0 && c.selects == c.afterSelect {
		c.cancel()
	}
	return page, err
}

func (c *cancelingRemote) Apply(ctx context.Context, m *schema.Mutation) (*remote.Row, error) {
	row, err := c.fakeRemote.Apply(ctx, m)
	c.applies++
	if c.afterApply > 0 && c.applies == c.afterApply {
		c.cancel()
	}
	return row, err
}

// testEngine wires a fresh store, queue, and engine over the fake.
func testEngine(t *testing.T, rem Remote, cfg *Config) (*store.Store, *queue.Queue, *Syncer) {
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
	q := queue.New(st, nil)
	return st, q, New(st, q, rem, nil, cfg)
}

// resultFor finds a table's result in a cycle's output.
func resultFor(t *testing.T, results []*Result, table string) *Result {
	t.Helper()
	for _, r := range results {
		if r.Table == table {
			return r
		}
	}
	t.Fatalf("no result for table %s", table)
	return nil
}

// TestSyncTenant_FullSyncThenIncremental tests first-use full sync and
// the idempotent follow-up cycle.
func TestSyncTenant_FullSyncThenIncremental(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	fake.serverRow("entries", "e1", `{"call_name":"Rex"}`, base, false)
	fake.serverRow("entries", "e2", `{"call_name":"Luna"}`, base.Add(time.Minute), false)
	fake.serverRow("entries", "e3", `{"call_name":"Bolt"}`, base.Add(2*time.Minute), false)
	fake.serverRow("classes", "c1", `{"show_day":"sat"}`, base, false)

	st, _, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}

	entries := resultFor(t, results, "entries")
	if entries.Mode != ModeFull {
		t.Errorf("first cycle mode = %s, want full", entries.Mode)
	}
	if entries.Pulled != 3 {
		t.Errorf("pulled %d entries, want 3", entries.Pulled)
	}

	count, err := st.RowCount(ctx, testTenant, "entries")
	if err != nil {
		t.Fatalf("RowCount() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("local entries = %d, want 3", count)
	}

	// Nothing changed server-side: the second cycle is incremental and
	// pulls nothing.
	results, err = sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("second SyncTenant() failed: %v", err)
	}
	entries = resultFor(t, results, "entries")
	if entries.Mode != ModeIncremental {
		t.Errorf("second cycle mode = %s, want incremental", entries.Mode)
	}
	if entries.Pulled != 0 {
		t.Errorf("second cycle pulled %d rows, want 0", entries.Pulled)
	}
}

// TestSyncTenant_IncrementalTombstone tests tombstone handling past the
// watermark.
func TestSyncTenant_IncrementalTombstone(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	fake.serverRow("entries", "e1", `{"call_name":"Rex"}`, base, false)

	st, _, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// The entry is scratched server-side after the first sync.
	fake.serverRow("entries", "e1", "", fake.serverTime.Add(time.Minute), true)

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	entries := resultFor(t, results, "entries")
	if entries.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", entries.Deleted)
	}

	row, err := st.Get(ctx, testTenant, "entries", "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if row != nil {
		t.Error("tombstoned row still present locally")
	}
}

// TestSyncTenant_UploadsBeforeDownload tests cycle ordering: queued
// mutations reach the server before any pull, and acknowledgement
// adopts the server version and clears the dirty flag.
func TestSyncTenant_UploadsBeforeDownload(t *testing.T) {
	fake := newFakeRemote()
	fake.serverTime = time.Now()

	st, q, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	payload := json.RawMessage(`{"call_name":"Rex"}`)
	if _, err := st.SetData(ctx, testTenant, "entries", "e1", payload, true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	m := schema.NewMutation(testTenant, "entries", "e1", schema.OpCreate, payload)
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}
	if got := resultFor(t, results, "entries").Uploaded; got != 1 {
		t.Errorf("uploaded = %d, want 1", got)
	}

	// The first remote call of the cycle must be the upload.
	if len(fake.calls) == 0 || fake.calls[0] != "apply:"+m.ID {
		t.Errorf("first remote call = %v, want apply:%s", fake.calls, m.ID)
	}

	count, err := q.Count(ctx, testTenant)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("queue count = %d after ack, want 0", count)
	}

	row, err := st.Get(ctx, testTenant, "entries", "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if row == nil {
		t.Fatal("row missing after acknowledged upload")
	}
	if row.Dirty {
		t.Error("dirty flag should clear once the last mutation is acked")
	}
	if row.Version != 100 {
		t.Errorf("version = %d, want server-assigned 100", row.Version)
	}
}

// TestSyncTenant_DependencyOrder tests that a dependent mutation never
// uploads before its target.
func TestSyncTenant_DependencyOrder(t *testing.T) {
	fake := newFakeRemote()
	fake.serverTime = time.Now()

	st, q, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	// A new entry and its first run, enqueued with the run first so
	// creation order alone would upload them backwards.
	entry := schema.NewMutation(testTenant, "entries", "e1", schema.OpCreate, json.RawMessage(`{"call_name":"Rex"}`))
	run := schema.NewMutation(testTenant, "runs", "r1", schema.OpCreate, json.RawMessage(`{"entry_id":"e1"}`))
	run.DependsOn = entry.ID
	run.CreatedAt = time.Now().Add(-time.Second)

	if err := q.Enqueue(ctx, run); err != nil {
		t.Fatalf("Enqueue(run) failed: %v", err)
	}
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue(entry) failed: %v", err)
	}
	if _, err := st.SetData(ctx, testTenant, "entries", "e1", entry.Payload, true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	if _, err := st.SetData(ctx, testTenant, "runs", "r1", run.Payload, true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}

	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}

	if len(fake.applied) != 2 {
		t.Fatalf("applied %d mutations, want 2", len(fake.applied))
	}
	if fake.applied[0] != entry.ID || fake.applied[1] != run.ID {
		t.Errorf("applied order %v, want [%s %s]", fake.applied, entry.ID, run.ID)
	}
}

// TestSyncTenant_RejectedMutationSurfaced tests permanent server-side
// rejection: the mutation leaves the queue and its payload is preserved
// in the result.
func TestSyncTenant_RejectedMutationSurfaced(t *testing.T) {
	fake := newFakeRemote()
	fake.serverTime = time.Now()

	st, q, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	payload := json.RawMessage(`{"result_status":"bogus"}`)
	if _, err := st.SetData(ctx, testTenant, "entries", "e1", payload, true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	m := schema.NewMutation(testTenant, "entries", "e1", schema.OpUpdate, payload)
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	fake.applyErr[m.ID] = &remote.MutationRejected{
		MutationID: m.ID,
		Table:      "entries",
		RowID:      "e1",
		Status:     422,
		Reason:     "unknown result_status",
	}

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}

	entries := resultFor(t, results, "entries")
	if len(entries.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(entries.Failures))
	}
	f := entries.Failures[0]
	if f.Reason != "unknown result_status" {
		t.Errorf("reason = %q", f.Reason)
	}
	if string(f.Payload) != string(payload) {
		t.Error("failure must carry the original payload for resubmission")
	}

	count, err := q.Count(ctx, testTenant)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("rejected mutation still queued (count %d)", count)
	}
}

// TestSyncTenant_TransientFailureRetries tests that a network failure
// keeps the mutation queued with backoff instead of surfacing it.
func TestSyncTenant_TransientFailureRetries(t *testing.T) {
	fake := newFakeRemote()
	fake.serverTime = time.Now()

	st, q, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	if _, err := st.SetData(ctx, testTenant, "entries", "e1", json.RawMessage(`{}`), true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	m := schema.NewMutation(testTenant, "entries", "e1", schema.OpUpdate, json.RawMessage(`{}`))
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	fake.applyErr[m.ID] = &remote.NetworkError{Op: "apply", Timeout: true}

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}
	if failures := resultFor(t, results, "entries").Failures; len(failures) != 0 {
		t.Errorf("transient failure surfaced as permanent: %v", failures)
	}

	pending, err := q.Pending(ctx, testTenant)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("queue has %d mutations, want 1", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}
	if !pending[0].NextAttemptAt.After(time.Now()) {
		t.Error("retry should be scheduled in the future")
	}
}

// TestSyncTenant_RetryCeiling tests that a mutation out of retries is
// surfaced with its payload and removed.
func TestSyncTenant_RetryCeiling(t *testing.T) {
	fake := newFakeRemote()
	fake.serverTime = time.Now()

	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	st, q, sy := testEngine(t, fake, cfg)
	ctx := context.Background()

	payload := json.RawMessage(`{"call_name":"Rex"}`)
	if _, err := st.SetData(ctx, testTenant, "entries", "e1", payload, true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	m := schema.NewMutation(testTenant, "entries", "e1", schema.OpUpdate, payload)
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	fake.applyErr[m.ID] = &remote.NetworkError{Op: "apply"}

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}

	entries := resultFor(t, results, "entries")
	if len(entries.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(entries.Failures))
	}
	if string(entries.Failures[0].Payload) != string(payload) {
		t.Error("exhausted mutation must keep its payload")
	}

	count, err := q.Count(ctx, testTenant)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("exhausted mutation still queued (count %d)", count)
	}
}

// TestSyncTenant_ConflictSurfaced tests the offline-edit-vs-newer-server
// case: the remote row wins and the losing local edit is surfaced.
func TestSyncTenant_ConflictSurfaced(t *testing.T) {
	fake := newFakeRemote()

	st, _, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	// Local offline edit of the call name...
	localEdit := json.RawMessage(`{"call_name":"Rex (corrected)"}`)
	if _, err := st.SetData(ctx, testTenant, "entries", "e1", localEdit, true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}

	// ...while the judge already qualified the entry on the server.
	serverData := `{"call_name":"Rex","result_status":"qualified"}`
	fake.serverRow("entries", "e1", serverData, time.Now().Add(time.Minute), false)

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}

	entries := resultFor(t, results, "entries")
	if len(entries.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(entries.Conflicts))
	}
	c := entries.Conflicts[0]
	if string(c.Local) != string(localEdit) {
		t.Error("conflict must preserve the losing local payload")
	}

	row, err := st.Get(ctx, testTenant, "entries", "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(row.Data) != serverData {
		t.Errorf("row data = %s, want server copy", row.Data)
	}
}

// TestSyncTenant_FullSyncReconcilesDeletions tests that rows deleted
// server-side while the client was offline disappear on the next full
// sync, while local-only dirty rows survive.
func TestSyncTenant_FullSyncReconcilesDeletions(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	fake.serverRow("entries", "e1", `{"call_name":"Rex"}`, base, false)
	fake.serverRow("entries", "e2", `{"call_name":"Luna"}`, base.Add(time.Minute), false)

	cfg := DefaultConfig()
	cfg.FullSyncInterval = time.Nanosecond // every cycle is a full sync
	st, _, sy := testEngine(t, fake, cfg)
	ctx := context.Background()

	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// e2 is deleted server-side with no tombstone visible to this
	// client; a dirty local row exists only here.
	fake.mu.Lock()
	fake.rows["entries"] = fake.rows["entries"][:1]
	fake.mu.Unlock()
	if _, err := st.SetData(ctx, testTenant, "entries", "local-only", json.RawMessage(`{"x":1}`), true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if got := resultFor(t, results, "entries").Deleted; got != 1 {
		t.Errorf("deleted = %d, want 1", got)
	}

	for id, want := range map[string]bool{"e1": true, "e2": false, "local-only": true} {
		row, err := st.Get(ctx, testTenant, "entries", id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if (row != nil) != want {
			t.Errorf("%s present = %v, want %v", id, row != nil, want)
		}
	}
}

// TestSyncTenant_ThresholdForcesFullSync tests escalation when the
// incremental backlog is too large.
func TestSyncTenant_ThresholdForcesFullSync(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	fake.serverRow("entries", "e1", `{}`, base, false)

	cfg := DefaultConfig()
	cfg.FullSyncThreshold = 5
	_, _, sy := testEngine(t, fake, cfg)
	ctx := context.Background()

	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	fake.mu.Lock()
	fake.changeCount["entries"] = 50
	fake.mu.Unlock()

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if got := resultFor(t, results, "entries").Mode; got != ModeFull {
		t.Errorf("mode = %s, want full past the threshold", got)
	}
}

// TestSyncTenant_PullFailureIsolatedPerTable tests that one table's
// pull failure does not abort the cycle for the others.
func TestSyncTenant_PullFailureIsolatedPerTable(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	fake.serverRow("entries", "e1", `{}`, base, false)
	fake.selectErr["classes"] = &remote.NetworkError{Op: "select"}
	fake.changeCount["classes"] = 0

	_, _, sy := testEngine(t, fake, nil)

	results, err := sy.SyncTenant(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}

	if res := resultFor(t, results, "classes"); res.Err == nil {
		t.Error("classes pull failure should be recorded")
	}
	if res := resultFor(t, results, "entries"); res.Err != nil || res.Pulled != 1 {
		t.Errorf("entries should sync despite classes failing: %+v", res)
	}
}

// TestSyncTenant_IncrementalPagesEqualTimestamps tests that a burst of
// rows sharing one updated_at larger than the page size all arrive in a
// single incremental cycle.
func TestSyncTenant_IncrementalPagesEqualTimestamps(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	fake.serverRow("entries", "e0", `{"call_name":"Rex"}`, base, false)

	cfg := DefaultConfig()
	cfg.PageSize = 2
	st, _, sy := testEngine(t, fake, cfg)
	ctx := context.Background()

	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// A bulk import lands three entries at the same instant.
	burst := base.Add(30 * time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		fake.serverRow("entries", id, `{"call_name":"`+id+`"}`, burst, false)
	}

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	entries := resultFor(t, results, "entries")
	if entries.Mode != ModeIncremental {
		t.Fatalf("mode = %s, want incremental", entries.Mode)
	}
	if entries.Pulled != 3 {
		t.Errorf("pulled = %d, want all 3 burst rows", entries.Pulled)
	}
	count, err := st.RowCount(ctx, testTenant, "entries")
	if err != nil {
		t.Fatalf("RowCount() failed: %v", err)
	}
	if count != 4 {
		t.Errorf("local entries = %d, want 4", count)
	}

	// The watermark covers the whole burst: a third cycle pulls nothing.
	results, err = sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("third sync failed: %v", err)
	}
	if got := resultFor(t, results, "entries").Pulled; got != 0 {
		t.Errorf("third cycle pulled %d rows, want 0", got)
	}
}

// TestSyncTenant_ConflictWithdrawsPendingMutation tests that losing a
// conflict withdraws the row's queued mutations: the superseded edit
// rides in the conflict, and a later cycle never re-applies it over the
// newer server write.
func TestSyncTenant_ConflictWithdrawsPendingMutation(t *testing.T) {
	fake := newFakeRemote()

	st, q, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	// An offline edit that cannot upload (network down)...
	stale := json.RawMessage(`{"call_name":"Rex (stale)"}`)
	if _, err := st.SetData(ctx, testTenant, "entries", "e1", stale, true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	m := schema.NewMutation(testTenant, "entries", "e1", schema.OpUpdate, stale)
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	fake.applyErr[m.ID] = &remote.NetworkError{Op: "apply", Timeout: true}

	// ...while the judge scores the entry on the server afterwards.
	serverData := `{"call_name":"Rex","result_status":"qualified"}`
	fake.serverRow("entries", "e1", serverData, time.Now().Add(time.Minute), false)

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}

	entries := resultFor(t, results, "entries")
	if len(entries.Conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(entries.Conflicts))
	}
	if string(entries.Conflicts[0].Local) != string(stale) {
		t.Error("conflict must preserve the superseded payload")
	}

	count, err := q.Count(ctx, testTenant)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("queue count = %d, want 0 after withdrawal", count)
	}

	// Connectivity returns: the next cycle must not push the stale edit.
	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("second SyncTenant() failed: %v", err)
	}
	if len(fake.applied) != 0 {
		t.Errorf("withdrawn mutation was applied: %v", fake.applied)
	}
	row, err := st.Get(ctx, testTenant, "entries", "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(row.Data) != serverData {
		t.Errorf("row data = %s, want the server copy to stand", row.Data)
	}
}

// TestSyncTenant_RejectionReleasesDirtyRow tests that a permanent
// rejection releases the row's dirty protection: it becomes eligible
// for remote overwrite again, with the failed payload preserved in the
// result.
func TestSyncTenant_RejectionReleasesDirtyRow(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	serverData := `{"call_name":"Rex"}`
	fake.serverRow("entries", "e1", serverData, base, false)

	st, q, sy := testEngine(t, fake, nil)
	ctx := context.Background()

	bad := json.RawMessage(`{"result_status":"bogus"}`)
	if _, err := st.SetData(ctx, testTenant, "entries", "e1", bad, true); err != nil {
		t.Fatalf("SetData() failed: %v", err)
	}
	m := schema.NewMutation(testTenant, "entries", "e1", schema.OpUpdate, bad)
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	fake.applyErr[m.ID] = &remote.MutationRejected{
		MutationID: m.ID,
		Table:      "entries",
		RowID:      "e1",
		Status:     422,
		Reason:     "unknown result_status",
	}

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}
	entries := resultFor(t, results, "entries")
	if len(entries.Failures) != 1 || string(entries.Failures[0].Payload) != string(bad) {
		t.Fatalf("failures = %+v, want the rejected payload surfaced", entries.Failures)
	}

	row, err := st.Get(ctx, testTenant, "entries", "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if row == nil {
		t.Fatal("row missing after rejection")
	}
	if row.Dirty {
		t.Error("dirty protection must end when the mutation is rejected")
	}
	if string(row.Data) != serverData {
		t.Errorf("row data = %s, want the server copy once released", row.Data)
	}
}

// TestSyncTenant_PendingDeleteNotResurrected tests that a local delete
// whose upload fails transiently holds as a tombstone through a full
// sync instead of reappearing from the server copy.
func TestSyncTenant_PendingDeleteNotResurrected(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	fake.serverRow("runs", "r1", `{"entry_id":"e1"}`, base, false)

	cfg := DefaultConfig()
	cfg.FullSyncInterval = time.Nanosecond // every cycle is a full sync
	cfg.RetryBackoffBase = time.Millisecond
	st, q, sy := testEngine(t, fake, cfg)
	ctx := context.Background()

	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// Scratch the run while the network is down.
	if _, err := st.MarkDeleted(ctx, testTenant, "runs", "r1"); err != nil {
		t.Fatalf("MarkDeleted() failed: %v", err)
	}
	m := schema.NewMutation(testTenant, "runs", "r1", schema.OpDelete, nil)
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	fake.mu.Lock()
	fake.applyErr[m.ID] = &remote.NetworkError{Op: "apply", Timeout: true}
	fake.mu.Unlock()

	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	row, err := st.Get(ctx, testTenant, "runs", "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if row != nil {
		t.Error("deleted run resurrected while its delete was pending")
	}
	count, err := q.Count(ctx, testTenant)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("queue count = %d, want the delete still pending", count)
	}

	// Connectivity returns: the delete lands and the tombstone clears.
	fake.mu.Lock()
	delete(fake.applyErr, m.ID)
	fake.mu.Unlock()
	time.Sleep(10 * time.Millisecond) // past the retry backoff

	if _, err := sy.SyncTenant(ctx, testTenant); err != nil {
		t.Fatalf("third sync failed: %v", err)
	}
	row, err = st.Get(ctx, testTenant, "runs", "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if row != nil {
		t.Error("run still present after acknowledged delete")
	}
	if count, _ := q.Count(ctx, testTenant); count != 0 {
		t.Errorf("queue count = %d, want 0 after ack", count)
	}
}

// TestSyncTenant_CancelBetweenPages tests cooperative cancellation at a
// page boundary: applied pages stand, nothing past the boundary is
// fetched, and a later cycle picks up without losing rows.
func TestSyncTenant_CancelBetweenPages(t *testing.T) {
	fake := newFakeRemote()
	base := time.Now().Add(-time.Hour)
	fake.serverRow("entries", "e0", `{"call_name":"Rex"}`, base, false)

	cfg := DefaultConfig()
	cfg.PageSize = 2
	canceling := &cancelingRemote{fakeRemote: fake}
	st, _, sy := testEngine(t, canceling, cfg)

	if _, err := sy.SyncTenant(context.Background(), testTenant); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	for i, id := range []string{"e1", "e2", "e3", "e4"} {
		fake.serverRow("entries", id, `{}`, base.Add(time.Duration(i+1)*time.Minute), false)
	}

	// Cancel right after the first entries page: classes is the first
	// (empty) pull of the cycle, entries' first page the second.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	canceling.cancel = cancel
	canceling.afterSelect = 2
	canceling.selects = 0

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}
	entries := resultFor(t, results, "entries")
	if !entries.Canceled {
		t.Error("entries result should be marked canceled")
	}
	if entries.Pulled != 2 {
		t.Errorf("pulled = %d, want only the committed page", entries.Pulled)
	}
	if res := resultFor(t, results, "runs"); !res.Canceled {
		t.Error("tables after the cancellation point should be canceled")
	}

	ctx2 := context.Background()
	for id, want := range map[string]bool{"e1": true, "e2": true, "e3": false, "e4": false} {
		row, err := st.Get(ctx2, testTenant, "entries", id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if (row != nil) != want {
			t.Errorf("%s present = %v, want %v", id, row != nil, want)
		}
	}

	// A fresh cycle completes the pull with nothing lost.
	canceling.afterSelect = 0
	if _, err := sy.SyncTenant(ctx2, testTenant); err != nil {
		t.Fatalf("resumed sync failed: %v", err)
	}
	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		row, err := st.Get(ctx2, testTenant, "entries", id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if row == nil {
			t.Errorf("%s missing after resumed sync", id)
		}
	}
}

// TestSyncTenant_CancelBetweenMutations tests cooperative cancellation
// at a mutation boundary: the acknowledged mutation is final, the rest
// stay queued untouched.
func TestSyncTenant_CancelBetweenMutations(t *testing.T) {
	fake := newFakeRemote()
	fake.serverTime = time.Now()
	canceling := &cancelingRemote{fakeRemote: fake, afterApply: 1}

	st, q, sy := testEngine(t, canceling, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	canceling.cancel = cancel

	first := schema.NewMutation(testTenant, "entries", "e1", schema.OpCreate, json.RawMessage(`{"call_name":"Rex"}`))
	second := schema.NewMutation(testTenant, "entries", "e2", schema.OpCreate, json.RawMessage(`{"call_name":"Luna"}`))
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	for _, m := range []*schema.Mutation{first, second} {
		if _, err := st.SetData(ctx, testTenant, "entries", m.RowID, m.Payload, true); err != nil {
			t.Fatalf("SetData(%s) failed: %v", m.RowID, err)
		}
		if err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", m.RowID, err)
		}
	}

	results, err := sy.SyncTenant(ctx, testTenant)
	if err != nil {
		t.Fatalf("SyncTenant() failed: %v", err)
	}
	if got := resultFor(t, results, "entries").Uploaded; got != 1 {
		t.Errorf("uploaded = %d, want 1", got)
	}

	ctx2 := context.Background()
	pending, err := q.Pending(ctx2, testTenant)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("pending = %v, want only the second mutation", pending)
	}
	if pending[0].Attempts != 0 {
		t.Errorf("attempts = %d, want the held mutation untouched", pending[0].Attempts)
	}

	acked, err := st.Get(ctx2, testTenant, "entries", "e1")
	if err != nil {
		t.Fatalf("Get(e1) failed: %v", err)
	}
	if acked == nil || acked.Dirty || acked.Version != 100 {
		t.Errorf("acked row = %+v, want clean with the server version", acked)
	}
	held, err := st.Get(ctx2, testTenant, "entries", "e2")
	if err != nil {
		t.Fatalf("Get(e2) failed: %v", err)
	}
	if held == nil || !held.Dirty {
		t.Error("held row should stay dirty pending its mutation")
	}
}
