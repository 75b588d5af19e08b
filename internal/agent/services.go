package agent

import (
	"sync"

	"github.com/nexus3/nexus3/internal/agent/providers"
	"github.com/nexus3/nexus3/internal/permissions"
)

// Well-known service keys. Arbitrary keys are allowed; these are the ones
// the runtime itself reads.
const (
	// ServicePermissions holds the agent's *permissions.AgentPermissions.
	ServicePermissions = "permissions"

	// ServiceCwd holds the agent's working directory as a string.
	ServiceCwd = "cwd"

	// ServiceChildAgentIDs holds the agent's live children, either as a
	// []string or as a func() []string for live membership.
	ServiceChildAgentIDs = "child_agent_ids"

	// ServiceModel holds the providers.ResolvedModel serving the agent.
	ServiceModel = "model"
)

// Services is the per-agent dependency container: an opaque key/value bag
// with typed accessors for the keys the dispatcher and session read.
type Services struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewServices returns an empty container.
func NewServices() *Services {
	return &Services{values: make(map[string]any)}
}

// Set stores a value under a key.
func (s *Services) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns the value stored under a key.
func (s *Services) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Permissions returns the agent's permission set, or nil when absent.
// The dispatcher fails closed on nil.
func (s *Services) Permissions() *permissions.AgentPermissions {
	if s == nil {
		return nil
	}
	v, _ := s.Get(ServicePermissions)
	p, _ := v.(*permissions.AgentPermissions)
	return p
}

// SetPermissions stores the agent's permission set.
func (s *Services) SetPermissions(p *permissions.AgentPermissions) {
	s.Set(ServicePermissions, p)
}

// Cwd returns the agent's working directory, empty when unset.
func (s *Services) Cwd() string {
	if s == nil {
		return ""
	}
	v, _ := s.Get(ServiceCwd)
	cwd, _ := v.(string)
	return cwd
}

// ChildAgentIDs returns the agent's live children. Accepts both a static
// slice and a provider func so the pool can expose live membership.
func (s *Services) ChildAgentIDs() []string {
	if s == nil {
		return nil
	}
	v, _ := s.Get(ServiceChildAgentIDs)
	switch ids := v.(type) {
	case []string:
		return ids
	case func() []string:
		return ids()
	default:
		return nil
	}
}

// Model returns the resolved model serving the agent, zero when unset.
func (s *Services) Model() providers.ResolvedModel {
	if s == nil {
		return providers.ResolvedModel{}
	}
	v, _ := s.Get(ServiceModel)
	m, _ := v.(providers.ResolvedModel)
	return m
}
