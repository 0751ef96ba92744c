// Package prefetch speculatively warms tables likely needed by upcoming
// navigation.
//
// A navigation hint maps a route to the tables that screen reads. The
// prefetcher pulls them in the background, but only when nothing else is
// syncing for the tenant and the cached data is actually stale. It never
// competes with a foreground sync: both locks are checked before any
// work starts, and a held lock makes the hint a no-op.
package prefetch

import (
	"context"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ringsidehq/replica/internal/replica/store"
	"github.com/ringsidehq/replica/internal/replica/syncer"
)

// Locks is the slice of the replication manager the prefetcher needs:
// visibility into in-flight work and the prefetch slot itself.
type Locks interface {
	// Syncing reports whether a sync cycle is in flight for the tenant.
	Syncing(tenantKey string) bool

	// BeginPrefetch claims the tenant's prefetch slot; false means a
	// prefetch is already running.
	BeginPrefetch(tenantKey string) bool

	// EndPrefetch releases the slot.
	EndPrefetch(tenantKey string)
}

// Config holds prefetcher configuration.
type Config struct {
	// Routes maps a normalized route pattern to the tables it reads.
	// Nil uses DefaultRoutes.
	Routes map[string][]string

	// Freshness is the window within which cached data is considered
	// warm enough to skip.
	Freshness time.Duration

	// Logger for prefetch activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Routes:    DefaultRoutes(),
		Freshness: 60 * time.Second,
		Logger:    log.New(os.Stderr, "[prefetch] ", log.LstdFlags),
	}
}

// DefaultRoutes is the static route -> tables mapping for the scoring
// app's screens.
func DefaultRoutes() map[string][]string {
	return map[string][]string{
		"/classes":     {"classes"},
		"/classes/:id": {"entries", "runs"},
		"/entries/:id": {"runs"},
		"/scoreboard":  {"entries", "runs"},
	}
}

// Prefetcher warms tables on navigation hints.
type Prefetcher struct {
	store  *store.Store
	syncer *syncer.Syncer
	locks  Locks
	cfg    *Config
}

// New creates a prefetcher.
func New(st *store.Store, sy *syncer.Syncer, locks Locks, cfg *Config) *Prefetcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes()
	}
	if cfg.Freshness == 0 {
		cfg.Freshness = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[prefetch] ", log.LstdFlags)
	}
	return &Prefetcher{store: st, syncer: sy, locks: locks, cfg: cfg}
}

// Hint reacts to a navigation change. It is a no-op when the route maps
// to nothing, when a sync or prefetch is already in flight, or when the
// mapped tables are fresh.
func (p *Prefetcher) Hint(ctx context.Context, tenantKey, route string) {
	tables, ok := p.cfg.Routes[NormalizeRoute(route)]
	if !ok || len(tables) == 0 {
		return
	}

	if p.locks.Syncing(tenantKey) {
		return
	}
	if !p.locks.BeginPrefetch(tenantKey) {
		return
	}
	defer p.locks.EndPrefetch(tenantKey)

	now := time.Now()
	for _, table := range tables {
		if ctx.Err() != nil {
			return
		}
		// A foreground sync that started after we claimed the slot
		// takes priority.
		if p.locks.Syncing(tenantKey) {
			return
		}

		meta, err := p.store.GetMeta(ctx, tenantKey, table)
		if err != nil {
			p.cfg.Logger.Printf("Warning: failed to read meta for %s: %v", table, err)
			continue
		}
		// LastSyncedAt, not the watermark: the watermark is the server
		// clock of the last observed change, so a quiet table would
		// always look stale by it.
		if !meta.LastSyncedAt.IsZero() && now.Sub(meta.LastSyncedAt) < p.cfg.Freshness {
			continue
		}

		res, err := p.syncer.SyncTable(ctx, tenantKey, table)
		if err != nil {
			p.cfg.Logger.Printf("Warning: prefetch of %s failed: %v", table, err)
			continue
		}
		if res.Err != nil {
			p.cfg.Logger.Printf("Warning: prefetch of %s did not complete: %v", table, res.Err)
			continue
		}
		p.cfg.Logger.Printf("Prefetched %s (%s, %d rows)", table, res.Mode, res.Pulled)
	}
}

var idSegment = regexp.MustCompile(`^(\d+|[0-9a-fA-F-]{8,})$`)

// NormalizeRoute collapses identifier path segments to ":id" so concrete
// routes match the static mapping.
func NormalizeRoute(route string) string {
	if route == "" || route == "/" {
		return route
	}
	segments := strings.Split(strings.TrimSuffix(route, "/"), "/")
	for i, seg := range segments {
		if idSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
