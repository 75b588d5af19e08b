// Package sessions persists per-agent conversation snapshots so sessions
// survive process restarts. A snapshot carries the message log plus the
// permission state needed to resume: the preset name, the resolved policy,
// and the allowances granted through confirmations.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/nexus3/nexus3/internal/permissions"
	"github.com/nexus3/nexus3/pkg/models"
)

// ErrNotFound marks lookups and deletes that matched no snapshot.
var ErrNotFound = errors.New("sessions: not found")

// Snapshot is one agent's persisted conversation state.
type Snapshot struct {
	// AgentID is the owning agent, unique per store.
	AgentID string `json:"agent_id"`

	// CreatedAt is when the snapshot was first saved. Preserved across
	// re-saves.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the snapshot was last saved.
	UpdatedAt time.Time `json:"updated_at"`

	// ModelAlias is the model the agent was speaking to.
	ModelAlias string `json:"model_alias,omitempty"`

	// BasePreset is the permission preset the agent was created from.
	BasePreset string `json:"base_preset,omitempty"`

	// Policy is the resolved permission policy, including any delta that
	// was applied after preset resolution.
	Policy *permissions.Policy `json:"policy,omitempty"`

	// Allowances are the confirmation grants accumulated in the session.
	Allowances *permissions.SessionAllowances `json:"allowances,omitempty"`

	// Messages is the conversation log without the system prompt, which
	// is rebuilt from configuration on restore.
	Messages []models.Message `json:"messages"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Policy != nil {
		p := s.Policy.Clone()
		out.Policy = &p
	}
	out.Allowances = s.Allowances.Clone()
	out.Messages = models.CloneMessages(s.Messages)
	return &out
}

// Meta is a listing row: snapshot identity without the message payload.
type Meta struct {
	// AgentID is the owning agent.
	AgentID string `json:"agent_id"`

	// CreatedAt and UpdatedAt mirror the snapshot timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ModelAlias and BasePreset identify what the agent ran as.
	ModelAlias string `json:"model_alias,omitempty"`
	BasePreset string `json:"base_preset,omitempty"`

	// MessageCount is the logged message count at save time.
	MessageCount int `json:"message_count"`
}

// Store persists snapshots keyed by agent id. Save is an upsert;
// implementations must preserve CreatedAt across re-saves.
type Store interface {
	// Save writes or replaces the snapshot for snap.AgentID.
	Save(ctx context.Context, snap *Snapshot) error

	// Load returns the snapshot for an agent, or ErrNotFound.
	Load(ctx context.Context, agentID string) (*Snapshot, error)

	// List returns snapshot metadata, most recently updated first.
	List(ctx context.Context) ([]Meta, error)

	// Delete removes an agent's snapshot, or returns ErrNotFound.
	Delete(ctx context.Context, agentID string) error

	// Close releases the store's resources.
	Close() error
}
