// Package remote is the client for the server-side table API and the
// per-tenant change feed.
//
// Every request carries the tenant key; the server scopes all rows and
// mutations to it. Deletions are exposed as tombstone rows (deleted=true
// with their own updated_at) so incremental sync can observe them by the
// same watermark as ordinary changes.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ringsidehq/replica/internal/replica/schema"
)

// tenantHeader carries the tenant key on every request.
const tenantHeader = "X-Tenant-Key"

// Row is a server row on the wire. A tombstone arrives as a row with
// Deleted set and no payload.
type Row struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Page is one page of a select result.
type Page struct {
	Rows []Row

	// NextCursor requests the following page; empty means the result
	// set is exhausted.
	NextCursor string

	// ServerTime is the server clock at fetch time; a full sync resets
	// the watermark to it.
	ServerTime time.Time

	// Drift lists rows that arrived malformed and were skipped.
	Drift []*SchemaDriftError
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the table API, e.g. "https://api.ringside.app".
	BaseURL string

	// TenantKey scopes every request to one show/event.
	TenantKey string

	// Timeout bounds each network operation. Timeouts are retryable
	// failures, never fatal.
	Timeout time.Duration

	// Logger for client activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults (no BaseURL or TenantKey).
func DefaultConfig() *Config {
	return &Config{
		Timeout: 15 * time.Second,
		Logger:  log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Client talks to the server-side table API.
type Client struct {
	cfg   *Config
	httpc *http.Client
}

// NewClient creates a remote API client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.TenantKey == "" {
		return nil, fmt.Errorf("tenant key is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &Client{
		cfg:   cfg,
		httpc: &http.Client{},
	}, nil
}

// TenantKey returns the tenant key the client is scoped to.
func (c *Client) TenantKey() string {
	return c.cfg.TenantKey
}

// selectResponse is the wire shape of a select page.
type selectResponse struct {
	Rows       []json.RawMessage `json:"rows"`
	NextCursor string            `json:"next_cursor,omitempty"`
	ServerTime time.Time         `json:"server_time"`
}

// Select fetches one page of rows (tombstones included) with
// updated_at strictly after since. A zero since fetches from the
// beginning of time. Malformed rows are skipped and reported in
// Page.Drift rather than failing the page.
func (c *Client) Select(ctx context.Context, table string, since time.Time, cursor string, limit int) (*Page, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	endpoint := fmt.Sprintf("%s/v1/tables/%s/rows", c.cfg.BaseURL, url.PathEscape(table))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, endpoint, nil, "select "+table)
	if err != nil {
		return nil, err
	}

	var resp selectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &SchemaDriftError{Table: table, Reason: fmt.Sprintf("malformed select response: %v", err)}
	}

	page := &Page{
		NextCursor: resp.NextCursor,
		ServerTime: resp.ServerTime,
	}
	for _, raw := range resp.Rows {
		row, driftErr := decodeRow(table, raw)
		if driftErr != nil {
			page.Drift = append(page.Drift, driftErr)
			continue
		}
		page.Rows = append(page.Rows, row)
	}
	return page, nil
}

// countResponse is the wire shape of a change-count probe.
type countResponse struct {
	Count int `json:"count"`
}

// ChangeCount returns how many rows (tombstones included) have
// updated_at strictly after since. The sync engine uses it to decide
// between incremental and full sync before transferring any rows.
func (c *Client) ChangeCount(ctx context.Context, table string, since time.Time) (int, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}

	endpoint := fmt.Sprintf("%s/v1/tables/%s/changes/count", c.cfg.BaseURL, url.PathEscape(table))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, endpoint, nil, "count "+table)
	if err != nil {
		return 0, err
	}

	var resp countResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &SchemaDriftError{Table: table, Reason: fmt.Sprintf("malformed count response: %v", err)}
	}
	return resp.Count, nil
}

// applyResponse is the wire shape of a mutation acknowledgement.
type applyResponse struct {
	Row json.RawMessage `json:"row,omitempty"`
}

// Apply uploads one mutation and returns the server's resulting row
// (carrying the server-assigned version and updated_at). Deletes may
// return a nil row.
//
// A 4xx validation response becomes a MutationRejected carrying the
// original payload; transport failures and 5xx become NetworkError.
func (c *Client) Apply(ctx context.Context, m *schema.Mutation) (*Row, error) {
	var method, endpoint string
	var reqBody io.Reader

	base := fmt.Sprintf("%s/v1/tables/%s/rows", c.cfg.BaseURL, url.PathEscape(m.Table))
	switch m.Op {
	case schema.OpCreate:
		method = http.MethodPost
		endpoint = base
		reqBody = bytes.NewReader(m.Payload)
	case schema.OpUpdate:
		method = http.MethodPut
		endpoint = base + "/" + url.PathEscape(m.RowID)
		reqBody = bytes.NewReader(m.Payload)
	case schema.OpDelete:
		method = http.MethodDelete
		endpoint = base + "/" + url.PathEscape(m.RowID)
	default:
		return nil, fmt.Errorf("invalid mutation op %q", m.Op)
	}

	op := fmt.Sprintf("%s %s/%s", m.Op, m.Table, m.RowID)
	body, err := c.doMutation(ctx, method, endpoint, reqBody, op, m)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	var resp applyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &SchemaDriftError{Table: m.Table, RowID: m.RowID, Reason: fmt.Sprintf("malformed apply response: %v", err)}
	}
	if len(resp.Row) == 0 {
		return nil, nil
	}

	row, driftErr := decodeRow(m.Table, resp.Row)
	if driftErr != nil {
		return nil, driftErr
	}
	return &row, nil
}

// do runs one request with the per-operation timeout and classifies
// transport and server failures.
func (c *Client) do(ctx context.Context, method, endpoint string, reqBody io.Reader, op string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(tenantHeader, c.cfg.TenantKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.cfg.Logger.Printf("Request failed: %s: %v", op, err)
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		c.cfg.Logger.Printf("Request failed: %s: %v", op, err)
		return nil, classifyTransportError(op, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		c.cfg.Logger.Printf("Server error on %s: %d", op, resp.StatusCode)
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s failed: server returned %d: %s", op, resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

// doMutation is do plus rejection handling: a 4xx validation status
// becomes a MutationRejected carrying the original payload.
func (c *Client) doMutation(ctx context.Context, method, endpoint string, reqBody io.Reader, op string, m *schema.Mutation) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(tenantHeader, c.cfg.TenantKey)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.cfg.Logger.Printf("Request failed: %s: %v", op, err)
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.cfg.Logger.Printf("Request failed: %s: %v", op, err)
		return nil, classifyTransportError(op, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.cfg.Logger.Printf("Server error on %s: %d", op, resp.StatusCode)
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &MutationRejected{
			MutationID: m.ID,
			Table:      m.Table,
			RowID:      m.RowID,
			Status:     resp.StatusCode,
			Reason:     truncate(body, 500),
			Payload:    m.Payload,
		}
	}
	return body, nil
}

// decodeRow decodes one wire row defensively. A row that doesn't parse
// or misses its identity fields is reported as drift, not a failure.
func decodeRow(table string, raw json.RawMessage) (Row, *SchemaDriftError) {
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return Row{}, &SchemaDriftError{Table: table, Reason: fmt.Sprintf("unparseable row: %v", err)}
	}
	if row.ID == "" {
		return Row{}, &SchemaDriftError{Table: table, Reason: "row missing id"}
	}
	if row.UpdatedAt.IsZero() {
		return Row{}, &SchemaDriftError{Table: table, RowID: row.ID, Reason: "row missing updated_at"}
	}
	return row, nil
}

// classifyTransportError maps a transport failure onto the error
// taxonomy, flagging deadline-driven failures as timeouts.
func classifyTransportError(op string, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &NetworkError{Op: op, Timeout: timeout, Err: err}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
