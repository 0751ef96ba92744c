package manager

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Delta is one debounced change notification: the set of row IDs that
// changed in a tenant's table since the last delivery. Fifty writes in
// one debounce window produce one Delta, not fifty.
type Delta struct {
	TenantKey string
	Table     string
	RowIDs    []string
}

type subscriber struct {
	tenantKey string // "" matches all tenants
	table     string
	fn        func(Delta)
}

// notifier accumulates row changes and flushes them to subscribers
// after a quiet window. Deliveries run on the flush timer's goroutine;
// subscriber callbacks must not block.
type notifier struct {
	window time.Duration
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]map[string]map[string]struct{} // tenant -> table -> row ids
	timer   *time.Timer
	subs    map[int]*subscriber
	nextID  int
	closed  bool
}

func newNotifier(window time.Duration, logger *log.Logger) *notifier {
	return &notifier{
		window:  window,
		logger:  logger,
		pending: make(map[string]map[string]map[string]struct{}),
		subs:    make(map[int]*subscriber),
	}
}

// record notes one row change. Installed as the store's change hook.
func (n *notifier) record(tenantKey, table, rowID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	tables, ok := n.pending[tenantKey]
	if !ok {
		tables = make(map[string]map[string]struct{})
		n.pending[tenantKey] = tables
	}
	ids, ok := tables[table]
	if !ok {
		ids = make(map[string]struct{})
		tables[table] = ids
	}
	ids[rowID] = struct{}{}

	if n.timer == nil {
		n.timer = time.AfterFunc(n.window, n.flush)
	}
}

// flush delivers everything accumulated since the timer was armed.
func (n *notifier) flush() {
	n.mu.Lock()
	pending := n.pending
	n.pending = make(map[string]map[string]map[string]struct{})
	n.timer = nil
	subs := make([]*subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for tenant, tables := range pending {
		for table, ids := range tables {
			delta := Delta{TenantKey: tenant, Table: table, RowIDs: make([]string, 0, len(ids))}
			for id := range ids {
				delta.RowIDs = append(delta.RowIDs, id)
			}
			sort.Strings(delta.RowIDs)

			for _, s := range subs {
				if s.table != table {
					continue
				}
				if s.tenantKey != "" && s.tenantKey != tenant {
					continue
				}
				s.fn(delta)
			}
		}
	}
}

// subscribe registers fn; the returned function cancels it.
func (n *notifier) subscribe(tenantKey, table string, fn func(Delta)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = &subscriber{tenantKey: tenantKey, table: table, fn: fn}
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// close stops delivery. Pending changes are dropped; on shutdown the
// application re-reads the store anyway.
func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.pending = make(map[string]map[string]map[string]struct{})
	n.subs = make(map[int]*subscriber)
}
