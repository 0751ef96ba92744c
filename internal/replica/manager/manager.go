// Package manager coordinates the replication layer: the local store,
// the mutation queue, the sync engine, the cache governor, and the
// prefetcher.
//
// The manager is the application-facing surface. Writes go through Put
// and Delete, which stage the row locally and enqueue the matching
// mutation in one motion. Sync cycles run on a timer, on demand through
// SyncTenant, and in response to server change-feed events; concurrent
// requests for the same tenant coalesce onto the in-flight cycle and
// share its results. Row changes fan out to subscribers as debounced
// deltas carrying the changed row IDs.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ringsidehq/replica/internal/replica/cache"
	"github.com/ringsidehq/replica/internal/replica/queue"
	"github.com/ringsidehq/replica/internal/replica/remote"
	"github.com/ringsidehq/replica/internal/replica/schema"
	"github.com/ringsidehq/replica/internal/replica/store"
	"github.com/ringsidehq/replica/internal/replica/syncer"
)

// Hinter receives navigation hints. Satisfied by *prefetch.Prefetcher.
type Hinter interface {
	Hint(ctx context.Context, tenantKey, route string)
}

// Config holds manager configuration.
type Config struct {
	// AutoSyncInterval is the cadence of timer-driven sync cycles for
	// the active tenant. Zero disables the timer.
	AutoSyncInterval time.Duration

	// DebounceWindow is how long row changes accumulate before one
	// delta notification fires.
	DebounceWindow time.Duration

	// SessionFile, when set, is watched for tenant-key changes written
	// by the application shell. See Run.
	SessionFile string

	// Logger for manager activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoSyncInterval: 5 * time.Minute,
		DebounceWindow:   100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[manager] ", log.LstdFlags),
	}
}

// Manager wires the replication components together.
type Manager struct {
	store    *store.Store
	queue    *queue.Queue
	syncer   *syncer.Syncer
	governor *cache.Governor
	cfg      *Config

	notifier *notifier
	flight   singleflight.Group

	mu          sync.Mutex
	tenantKey   string
	syncing     map[string]bool
	prefetching map[string]bool
	hinter      Hinter
	feed        *remote.Feed
}

// New creates a manager over the given components and installs its
// change hook on the store. governor may be nil to disable quota passes.
//
// The caller MUST call Close when done.
func New(st *store.Store, q *queue.Queue, sy *syncer.Syncer, gov *cache.Governor, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[manager] ", log.LstdFlags)
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 100 * time.Millisecond
	}

	m := &Manager{
		store:       st,
		queue:       q,
		syncer:      sy,
		governor:    gov,
		cfg:         cfg,
		notifier:    newNotifier(cfg.DebounceWindow, cfg.Logger),
		syncing:     make(map[string]bool),
		prefetching: make(map[string]bool),
	}
	st.SetChangeHook(m.notifier.record)
	return m
}

// Close detaches the manager from the store and stops notification
// delivery. It does not close the store.
func (m *Manager) Close() {
	m.store.SetChangeHook(nil)
	m.notifier.close()

	m.mu.Lock()
	feed := m.feed
	m.feed = nil
	m.mu.Unlock()
	if feed != nil {
		feed.Stop()
	}
}

// Store returns the underlying local store for read access.
func (m *Manager) Store() *store.Store {
	return m.store
}

// SetTenant switches the active tenant used by timer-driven sync and
// navigation hints.
func (m *Manager) SetTenant(tenantKey string) {
	m.mu.Lock()
	prev := m.tenantKey
	m.tenantKey = tenantKey
	m.mu.Unlock()

	if prev != tenantKey {
		m.cfg.Logger.Printf("Active tenant: %q", tenantKey)
	}
}

// Tenant returns the active tenant key.
func (m *Manager) Tenant() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenantKey
}

// SetHinter attaches the prefetcher that receives navigation hints.
func (m *Manager) SetHinter(h Hinter) {
	m.mu.Lock()
	m.hinter = h
	m.mu.Unlock()
}

// Put stages a local write: the payload is written to the store
// optimistically (row marked dirty) and a matching mutation is queued
// for upload. An empty id creates a new row with a generated ID.
//
// dependsOn, when non-empty, names a queued mutation that must reach
// the server first; pass the ID returned in the previous mutation.
// Returns the stored row and the queued mutation.
func (m *Manager) Put(ctx context.Context, tenantKey, table, id string, payload json.RawMessage, dependsOn string) (*schema.Row, *schema.Mutation, error) {
	op := schema.OpUpdate
	if id == "" {
		id = uuid.NewString()
		op = schema.OpCreate
	} else {
		existing, err := m.store.Get(ctx, tenantKey, table, id)
		if err != nil {
			return nil, nil, err
		}
		if existing == nil {
			op = schema.OpCreate
		}
	}

	row, err := m.store.SetData(ctx, tenantKey, table, id, payload, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stage write: %w", err)
	}

	mut := schema.NewMutation(tenantKey, table, id, op, payload)
	mut.DependsOn = dependsOn
	if err := m.queue.Enqueue(ctx, mut); err != nil {
		return nil, nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return row, mut, nil
}

// Delete stages a local delete: the row becomes a dirty tombstone
// (reads as a miss immediately) and a delete mutation is queued for
// upload. The tombstone holds until the server acknowledges the delete,
// so a pull racing a slow upload cannot resurrect the row.
func (m *Manager) Delete(ctx context.Context, tenantKey, table, id, dependsOn string) (*schema.Mutation, error) {
	if _, err := m.store.MarkDeleted(ctx, tenantKey, table, id); err != nil {
		return nil, fmt.Errorf("failed to stage delete: %w", err)
	}

	mut := schema.NewMutation(tenantKey, table, id, schema.OpDelete, nil)
	mut.DependsOn = dependsOn
	if err := m.queue.Enqueue(ctx, mut); err != nil {
		return nil, fmt.Errorf("failed to enqueue delete: %w", err)
	}
	return mut, nil
}

// Subscribe registers fn for debounced deltas on a tenant's table. An
// empty tenantKey matches every tenant. The returned function cancels
// the subscription.
func (m *Manager) Subscribe(tenantKey, table string, fn func(Delta)) func() {
	return m.notifier.subscribe(tenantKey, table, fn)
}

// PendingMutationCount returns how many mutations await upload for a
// tenant (the UI's "unsynced changes" badge).
func (m *Manager) PendingMutationCount(ctx context.Context, tenantKey string) (int, error) {
	return m.queue.Count(ctx, tenantKey)
}

// SyncAll runs one sync cycle for the active tenant.
func (m *Manager) SyncAll(ctx context.Context) ([]*syncer.Result, error) {
	tenant := m.Tenant()
	if tenant == "" {
		return nil, fmt.Errorf("no active tenant")
	}
	return m.SyncTenant(ctx, tenant)
}

// SyncTenant runs one sync cycle for a tenant. Concurrent callers for
// the same tenant coalesce: they attach to the in-flight cycle and
// receive its results rather than starting another.
func (m *Manager) SyncTenant(ctx context.Context, tenantKey string) ([]*syncer.Result, error) {
	v, err, shared := m.flight.Do(tenantKey, func() (interface{}, error) {
		m.setSyncing(tenantKey, true)
		defer m.setSyncing(tenantKey, false)

		results, err := m.syncer.SyncTenant(ctx, tenantKey)
		if err != nil {
			return nil, err
		}

		if m.governor != nil {
			if _, gerr := m.governor.Run(ctx, tenantKey); gerr != nil {
				m.cfg.Logger.Printf("Warning: quota pass failed: %v", gerr)
			}
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.cfg.Logger.Printf("Joined in-flight sync for tenant %s", tenantKey)
	}
	return v.([]*syncer.Result), nil
}

// Syncing reports whether a sync cycle is in flight for the tenant.
func (m *Manager) Syncing(tenantKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncing[tenantKey]
}

// BeginPrefetch claims the tenant's prefetch slot. Returns false when a
// prefetch is already running for the tenant.
func (m *Manager) BeginPrefetch(tenantKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefetching[tenantKey] {
		return false
	}
	m.prefetching[tenantKey] = true
	return true
}

// EndPrefetch releases the tenant's prefetch slot.
func (m *Manager) EndPrefetch(tenantKey string) {
	m.mu.Lock()
	delete(m.prefetching, tenantKey)
	m.mu.Unlock()
}

// NavigationHint forwards a route change to the prefetcher for the
// active tenant. Returns immediately; warmup runs in the background.
func (m *Manager) NavigationHint(ctx context.Context, route string) {
	m.mu.Lock()
	hinter := m.hinter
	tenant := m.tenantKey
	m.mu.Unlock()

	if hinter == nil || tenant == "" {
		return
	}
	go hinter.Hint(ctx, tenant, route)
}

// AttachFeed connects a server change feed: each event triggers a
// coalesced sync cycle for the active tenant, so a burst of feed events
// costs one cycle. The feed must already be started.
func (m *Manager) AttachFeed(ctx context.Context, feed *remote.Feed) {
	m.mu.Lock()
	m.feed = feed
	m.mu.Unlock()

	go func() {
		for ev := range feed.Events() {
			tenant := m.Tenant()
			if tenant == "" {
				continue
			}
			m.cfg.Logger.Printf("Feed event: %s/%s changed", ev.Table, ev.RowID)
			if _, err := m.SyncTenant(ctx, tenant); err != nil {
				m.cfg.Logger.Printf("Warning: feed-driven sync failed: %v", err)
			}
		}
	}()
}

// Run drives timer-based syncing (and the session-file watcher, when
// configured) until ctx is cancelled. Blocks; callers run it in a
// goroutine or as the daemon's main loop.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.SessionFile != "" {
		stop, err := m.watchSession(ctx, m.cfg.SessionFile)
		if err != nil {
			return err
		}
		defer stop()
	}

	if m.cfg.AutoSyncInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.AutoSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tenant := m.Tenant()
			if tenant == "" {
				continue
			}
			if _, err := m.SyncTenant(ctx, tenant); err != nil {
				m.cfg.Logger.Printf("Warning: timer sync failed: %v", err)
			}
		}
	}
}

func (m *Manager) setSyncing(tenantKey string, v bool) {
	m.mu.Lock()
	if v {
		m.syncing[tenantKey] = true
	} else {
		delete(m.syncing, tenantKey)
	}
	m.mu.Unlock()
}
