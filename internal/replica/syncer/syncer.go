// Package syncer implements the synchronization engine between the
// local store/mutation queue and the remote table API.
//
// Every cycle runs in two phases: pending mutations drain to the server
// first (in dependency order), then server-side changes pull down and
// merge through the conflict resolver. Full sync replaces table contents
// (preserving dirty rows) and reconciles deletions; incremental sync
// pages rows and tombstones past the watermark.
//
// The engine is resilient: one bad row or rejected mutation never aborts
// the cycle. Outcomes are collected into per-table Results the caller
// can inspect for partial failure.
package syncer

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/ringsidehq/replica/internal/replica/queue"
	"github.com/ringsidehq/replica/internal/replica/remote"
	"github.com/ringsidehq/replica/internal/replica/schema"
	"github.com/ringsidehq/replica/internal/replica/store"
)

// Remote is the slice of the table API the engine consumes.
// Satisfied by *remote.Client.
type Remote interface {
	// Select fetches one page of rows (tombstones included) with
	// updated_at strictly after since.
	Select(ctx context.Context, table string, since time.Time, cursor string, limit int) (*remote.Page, error)

	// ChangeCount returns how many rows changed after since.
	ChangeCount(ctx context.Context, table string, since time.Time) (int, error)

	// Apply uploads one mutation and returns the server's row.
	Apply(ctx context.Context, m *schema.Mutation) (*remote.Row, error)
}

// Capacity is the pre-flight quota check the engine runs before a full
// sync. Satisfied by *cache.Governor. May be nil to skip the check.
type Capacity interface {
	EnsureCapacity(ctx context.Context, tenantKey string, incomingBytes int64) error
}

// Mode identifies which sync strategy a table used this cycle.
type Mode string

const (
	// ModeFull replaced the table's contents from the server.
	ModeFull Mode = "full"
	// ModeIncremental pulled only rows past the watermark.
	ModeIncremental Mode = "incremental"
	// ModeSkipped means the table was not pulled (cancelled early).
	ModeSkipped Mode = "skipped"
)

// Conflict records a dirty local row that lost resolution to a newer
// remote row. The losing payload is preserved for the user to confirm
// or resubmit; it is never silently dropped.
type Conflict struct {
	Table  string          `json:"table"`
	RowID  string          `json:"row_id"`
	Local  json.RawMessage `json:"local,omitempty"`
	Remote json.RawMessage `json:"remote,omitempty"`
}

// MutationFailure records a mutation that failed permanently this
// cycle: rejected by the server, or out of retries. The original
// payload rides along so the caller can correct and resubmit.
type MutationFailure struct {
	MutationID string          `json:"mutation_id"`
	Table      string          `json:"table"`
	RowID      string          `json:"row_id"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Result summarizes one table's share of a sync cycle.
type Result struct {
	Table string `json:"table"`
	Mode  Mode   `json:"mode"`

	Uploaded int `json:"uploaded"`
	Pulled   int `json:"pulled"`
	Deleted  int `json:"deleted"`
	Drift    int `json:"drift,omitempty"`

	Conflicts []Conflict        `json:"conflicts,omitempty"`
	Failures  []MutationFailure `json:"failures,omitempty"`

	// Canceled is set when the cycle was cancelled before this table
	// finished. State is exactly as of the last committed unit.
	Canceled bool `json:"canceled,omitempty"`

	// Err is a table-level pull failure (e.g. the network was down for
	// the whole pull). Other tables still sync.
	Err error `json:"-"`

	Duration time.Duration `json:"duration"`
}

// Config holds engine configuration.
type Config struct {
	// PageSize bounds how many rows one fetch holds in memory.
	PageSize int

	// FullSyncThreshold forces a full sync when an incremental fetch
	// would return more rows than this.
	FullSyncThreshold int

	// FullSyncInterval is the periodic full-sync cadence that
	// reconciles deletions incremental sync cannot observe.
	FullSyncInterval time.Duration

	// MaxAttempts is the retry ceiling per mutation; past it the
	// mutation is surfaced as a permanent failure.
	MaxAttempts int

	// RetryBackoffBase seeds the exponential backoff between mutation
	// retry attempts.
	RetryBackoffBase time.Duration

	// EstimatedRowBytes sizes the pre-flight quota estimate for a full
	// sync (rows x estimate).
	EstimatedRowBytes int64

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PageSize:          1000,
		FullSyncThreshold: 5000,
		FullSyncInterval:  24 * time.Hour,
		MaxAttempts:       5,
		RetryBackoffBase:  2 * time.Second,
		EstimatedRowBytes: 512,
		Logger:            log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Syncer drives sync cycles for one store/queue/remote triple.
type Syncer struct {
	store    *store.Store
	queue    *queue.Queue
	remote   Remote
	capacity Capacity
	cfg      *Config
}

// New creates a sync engine.
//
// capacity may be nil to skip pre-flight quota checks (tests mostly do).
func New(st *store.Store, q *queue.Queue, rem Remote, capacity Capacity, cfg *Config) *Syncer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Syncer{
		store:    st,
		queue:    q,
		remote:   rem,
		capacity: capacity,
		cfg:      cfg,
	}
}

// SyncTenant runs one full cycle for a tenant: drain the mutation
// queue, then pull every registered table. Never returns an error for
// per-row or per-mutation failures; those live in the Results. The
// returned error covers only infrastructure failures (the local
// database itself).
func (s *Syncer) SyncTenant(ctx context.Context, tenantKey string) ([]*Result, error) {
	start := time.Now()

	results := make(map[string]*Result)
	for _, table := range schema.TableNames() {
		results[table] = &Result{Table: table, Mode: ModeSkipped}
	}
	resultFor := func(table string) *Result {
		if r, ok := results[table]; ok {
			return r
		}
		r := &Result{Table: table, Mode: ModeSkipped}
		results[table] = r
		return r
	}

	if err := s.drainMutations(ctx, tenantKey, resultFor); err != nil {
		return nil, err
	}

	for _, table := range schema.TableNames() {
		res := results[table]
		if ctx.Err() != nil {
			res.Canceled = true
			continue
		}
		if err := s.pullTable(ctx, tenantKey, table, res); err != nil {
			return nil, err
		}
	}

	ordered := make([]*Result, 0, len(results))
	for _, table := range schema.TableNames() {
		ordered = append(ordered, results[table])
	}
	for table, r := range results {
		if _, registered := schema.Spec(table); !registered {
			ordered = append(ordered, r)
		}
	}

	s.cfg.Logger.Printf("Cycle complete for tenant %s in %v", tenantKey, time.Since(start).Round(time.Millisecond))
	return ordered, nil
}

// SyncTable pulls a single table without draining the mutation queue.
// The prefetcher uses it to warm tables speculatively.
func (s *Syncer) SyncTable(ctx context.Context, tenantKey, table string) (*Result, error) {
	res := &Result{Table: table, Mode: ModeSkipped}
	if err := s.pullTable(ctx, tenantKey, table, res); err != nil {
		return nil, err
	}
	return res, nil
}
