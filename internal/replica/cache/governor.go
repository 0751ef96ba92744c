// Package cache enforces storage bounds over the local store.
//
// The governor evicts least-recently-used rows when payload usage
// exceeds a soft limit, bringing it back under a lower target. Dirty
// rows are never candidates; their payload is the only copy of an
// unconfirmed local write. TTL expiry is lazy and happens on the store's
// read path; the governor owns quota pressure.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ringsidehq/replica/internal/replica/store"
)

// evictBatch bounds how many candidates one eviction pass loads.
const evictBatch = 256

// QuotaExceededError reports that eviction could not free enough space
// for an incoming write.
type QuotaExceededError struct {
	// NeedBytes is the estimated incoming payload size.
	NeedBytes int64

	// FreeBytes is the space available under the soft limit after the
	// eviction pass.
	FreeBytes int64
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: need %d bytes, %d free", e.NeedBytes, e.FreeBytes)
}

// IsQuotaExceeded reports whether err is (or wraps) a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// Config holds governor configuration.
type Config struct {
	// SoftLimitBytes is the payload usage that triggers eviction.
	SoftLimitBytes int64

	// TargetBytes is where eviction stops once triggered. Must be at
	// or below the soft limit.
	TargetBytes int64

	// Logger for governor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults: a 64 MiB soft limit evicting
// down to 48 MiB.
func DefaultConfig() *Config {
	return &Config{
		SoftLimitBytes: 64 << 20,
		TargetBytes:    48 << 20,
		Logger:         log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Report summarizes one governor pass.
type Report struct {
	UsageBefore int64
	UsageAfter  int64
	Evicted     int
}

// Governor enforces the storage quota over a store.
type Governor struct {
	store *store.Store
	cfg   *Config
}

// New creates a governor over the store.
func New(st *store.Store, cfg *Config) *Governor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	if cfg.TargetBytes > cfg.SoftLimitBytes {
		cfg.TargetBytes = cfg.SoftLimitBytes
	}
	return &Governor{store: st, cfg: cfg}
}

// Run performs one quota pass for a tenant: if payload usage exceeds the
// soft limit, evict LRU-first until usage is back under the target or no
// candidates remain. Runs after each sync and on the periodic timer.
func (g *Governor) Run(ctx context.Context, tenantKey string) (*Report, error) {
	usage, err := g.store.UsageBytes(ctx, tenantKey)
	if err != nil {
		return nil, err
	}

	report := &Report{UsageBefore: usage, UsageAfter: usage}
	if usage <= g.cfg.SoftLimitBytes {
		return report, nil
	}

	after, evicted, err := g.evictUntil(ctx, tenantKey, usage, g.cfg.TargetBytes)
	if err != nil {
		return nil, err
	}
	report.UsageAfter = after
	report.Evicted = evicted

	g.cfg.Logger.Printf("Evicted %d rows for tenant %s (%d -> %d bytes)",
		evicted, tenantKey, usage, after)
	return report, nil
}

// EnsureCapacity makes room for an estimated incoming payload before a
// full sync, so the bulk write cannot fail mid-transaction. Returns a
// QuotaExceededError when eviction cannot free enough space.
func (g *Governor) EnsureCapacity(ctx context.Context, tenantKey string, incomingBytes int64) error {
	usage, err := g.store.UsageBytes(ctx, tenantKey)
	if err != nil {
		return err
	}
	if usage+incomingBytes <= g.cfg.SoftLimitBytes {
		return nil
	}

	// Evict enough that the incoming payload fits under the target.
	want := g.cfg.TargetBytes - incomingBytes
	if want < 0 {
		want = 0
	}
	after, _, err := g.evictUntil(ctx, tenantKey, usage, want)
	if err != nil {
		return err
	}

	if after+incomingBytes > g.cfg.SoftLimitBytes {
		return &QuotaExceededError{
			NeedBytes: incomingBytes,
			FreeBytes: g.cfg.SoftLimitBytes - after,
		}
	}
	return nil
}

// evictUntil evicts non-dirty rows LRU-first until usage drops to the
// target or candidates run out. Returns the final usage and count.
func (g *Governor) evictUntil(ctx context.Context, tenantKey string, usage, target int64) (int64, int, error) {
	evicted := 0
	for usage > target {
		candidates, err := g.store.EvictionCandidates(ctx, tenantKey, evictBatch)
		if err != nil {
			return usage, evicted, err
		}
		if len(candidates) == 0 {
			break
		}

		progressed := false
		for _, c := range candidates {
			if usage <= target {
				break
			}
			ok, err := g.store.Evict(ctx, tenantKey, c.Table, c.ID)
			if err != nil {
				return usage, evicted, err
			}
			if !ok {
				// Row went dirty or disappeared since listing.
				continue
			}
			usage -= c.Bytes
			evicted++
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return usage, evicted, nil
}
