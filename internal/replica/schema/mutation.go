package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MutationOp identifies the kind of pending write.
type MutationOp string

const (
	// OpCreate inserts a new row on the server.
	OpCreate MutationOp = "create"
	// OpUpdate replaces an existing row's payload on the server.
	OpUpdate MutationOp = "update"
	// OpDelete removes a row on the server.
	OpDelete MutationOp = "delete"
)

// Mutation is one durable pending local write, queued until the server
// acknowledges it.
//
// Mutations are applied to the server in creation order, except that a
// mutation with DependsOn set is applied strictly after the mutation it
// names. Attempts and NextAttemptAt track retry state for transient
// upload failures.
type Mutation struct {
	ID        string          `json:"id"`
	TenantKey string          `json:"tenant_key"`
	Table     string          `json:"table"`
	RowID     string          `json:"row_id"`
	Op        MutationOp      `json:"op"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// DependsOn names a mutation that must reach the server before this
	// one, e.g. the create of a row this update targets.
	DependsOn string `json:"depends_on,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	Attempts      int       `json:"attempts,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// NewMutation builds a mutation with a fresh ID and creation timestamp.
func NewMutation(tenantKey, table, rowID string, op MutationOp, payload json.RawMessage) *Mutation {
	return &Mutation{
		ID:        uuid.NewString(),
		TenantKey: tenantKey,
		Table:     table,
		RowID:     rowID,
		Op:        op,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Validate checks the mutation's required fields and operation.
func (m *Mutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.TenantKey == "" {
		return fmt.Errorf("tenant_key is required")
	}
	if m.Table == "" {
		return fmt.Errorf("table is required")
	}
	if m.RowID == "" {
		return fmt.Errorf("row_id is required")
	}
	switch m.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid op %q", m.Op)
	}
	if m.Op != OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", m.Op)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
