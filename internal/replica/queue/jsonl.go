package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ExportJSONL writes a tenant's pending mutations to w, one JSON object
// per line, in upload order. Intended for support diagnostics: the output
// shows exactly what would drain on the next sync.
func (q *Queue) ExportJSONL(ctx context.Context, tenantKey string, w io.Writer) (int, error) {
	pending, err := q.Pending(ctx, tenantKey)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i, m := range pending {
		if err := enc.Encode(m); err != nil {
			return i, fmt.Errorf("failed to encode mutation %s: %w", m.ID, err)
		}
	}
	return len(pending), nil
}

// ExportJSONLFile writes a tenant's pending mutations to a file.
func (q *Queue) ExportJSONLFile(ctx context.Context, tenantKey, path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	n, err := q.ExportJSONL(ctx, tenantKey, f)
	if err != nil {
		_ = f.Close()
		return n, err
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("failed to close export file: %w", err)
	}
	return n, nil
}
