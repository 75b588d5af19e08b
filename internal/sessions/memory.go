package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in process memory. It is the default when
// no store path is configured, and it backs tests. Snapshots are deep
// copied on the way in and out so callers cannot alias store state.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	if snap == nil || snap.AgentID == "" {
		return errors.New("sessions: snapshot has no agent id")
	}
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now

	clone := snap.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.snaps[snap.AgentID]; ok {
		clone.CreatedAt = prev.CreatedAt
	}
	m.snaps[snap.AgentID] = clone
	return nil
}

func (m *MemoryStore) Load(_ context.Context, agentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Meta, 0, len(m.snaps))
	for _, snap := range m.snaps {
		out = append(out, Meta{
			AgentID:      snap.AgentID,
			CreatedAt:    snap.CreatedAt,
			UpdatedAt:    snap.UpdatedAt,
			ModelAlias:   snap.ModelAlias,
			BasePreset:   snap.BasePreset,
			MessageCount: len(snap.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snaps[agentID]; !ok {
		return ErrNotFound
	}
	delete(m.snaps, agentID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
