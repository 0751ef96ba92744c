package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one change notification from the server's per-tenant feed.
type Event struct {
	Table     string    `json:"table"`
	RowID     string    `json:"row_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeedConfig holds change-feed configuration.
type FeedConfig struct {
	// URL of the websocket endpoint, e.g. "wss://api.ringside.app/v1/feed".
	URL string

	// TenantKey scopes the subscription.
	TenantKey string

	// ReconnectMin/ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Logger for feed activity.
	Logger *log.Logger
}

// DefaultFeedConfig returns sensible defaults (no URL or TenantKey).
func DefaultFeedConfig() *FeedConfig {
	return &FeedConfig{
		ReconnectMin: time.Second,
		ReconnectMax: time.Minute,
		Logger:       log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}
}

// Feed subscribes to the server's change feed over a websocket and
// relays events into a channel. The connection reconnects with capped
// exponential backoff; a dropped feed degrades to timer-driven sync,
// it never fails the replication layer.
type Feed struct {
	cfg    *FeedConfig
	events chan Event

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFeed creates a change-feed subscriber. Start it with Start.
func NewFeed(cfg *FeedConfig) (*Feed, error) {
	if cfg == nil {
		cfg = DefaultFeedConfig()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if cfg.TenantKey == "" {
		return nil, fmt.Errorf("tenant key is required")
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}

	return &Feed{
		cfg:    cfg,
		events: make(chan Event, 100),
	}, nil
}

// Events returns the channel carrying feed events. It is closed when
// the feed stops.
func (f *Feed) Events() <-chan Event {
	return f.events
}

// Start begins the connect/read loop in the background.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("feed already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.running = true

	f.wg.Add(1)
	go f.run(ctx)
	return nil
}

// Stop shuts the feed down and closes the event channel.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.mu.Unlock()

	cancel()
	f.wg.Wait()
	close(f.events)
}

// run dials, reads until the connection drops, and reconnects with
// backoff. Backoff resets after a healthy read.
func (f *Feed) run(ctx context.Context) {
	defer f.wg.Done()

	backoff := f.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		healthy, err := f.readOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.cfg.Logger.Printf("Feed connection lost: %v (reconnecting in %v)", err, backoff)
		}
		if healthy {
			backoff = f.cfg.ReconnectMin
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > f.cfg.ReconnectMax {
			backoff = f.cfg.ReconnectMax
		}
	}
}

// readOnce dials the feed and relays events until the connection fails.
// Returns whether at least one event was delivered on this connection.
func (f *Feed) readOnce(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, f.cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{tenantHeader: []string{f.cfg.TenantKey}},
	})
	if err != nil {
		return false, fmt.Errorf("failed to dial feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.cfg.Logger.Printf("Feed connected: %s", f.cfg.URL)

	healthy := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return healthy, fmt.Errorf("feed read failed: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			f.cfg.Logger.Printf("Warning: malformed feed event: %v", err)
			continue
		}
		if ev.Table == "" || ev.RowID == "" {
			continue
		}

		select {
		case f.events <- ev:
			healthy = true
		case <-ctx.Done():
			return healthy, ctx.Err()
		default:
			f.cfg.Logger.Println("Warning: feed channel full, dropping event")
		}
	}
}
