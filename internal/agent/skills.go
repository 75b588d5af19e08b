package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nexus3/nexus3/pkg/models"
)

// Skill is one tool the model can call. Implementations live outside the
// runtime; the session only needs the contract.
type Skill interface {
	// Name is the tool name the model calls.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters is the JSON schema for the tool's arguments, in the
	// shape OpenAI function definitions expect. Nil means any arguments.
	Parameters() json.RawMessage

	// Execute runs the tool. Errors become error tool results after
	// sanitization; returning a ToolResult with Error set skips
	// sanitization of the surrounding machinery but is still scrubbed.
	Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error)
}

// MCPSkill is a skill proxied from an MCP server. The dispatcher gates
// these behind TRUSTED level and the mcp_servers/mcp_tools allowances.
type MCPSkill interface {
	Skill

	// Server names the MCP server the skill belongs to.
	Server() string
}

// SkillRegistry resolves tool names and produces the definitions sent to
// the model.
type SkillRegistry interface {
	// Definitions lists every skill as a tool definition, in a stable
	// order.
	Definitions() []models.ToolDefinition

	// Get returns the named skill.
	Get(name string) (Skill, bool)
}

// StaticSkills is a map-backed SkillRegistry for wiring and tests.
type StaticSkills struct {
	mu     sync.RWMutex
	skills map[string]Skill
	order  []string
}

// NewStaticSkills builds a registry from the given skills.
func NewStaticSkills(skills ...Skill) *StaticSkills {
	r := &StaticSkills{skills: make(map[string]Skill)}
	for _, s := range skills {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a skill by name.
func (r *StaticSkills) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[s.Name()]; !exists {
		r.order = append(r.order, s.Name())
	}
	r.skills[s.Name()] = s
}

// Get returns the named skill.
func (r *StaticSkills) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Definitions lists the registered skills in registration order.
func (r *StaticSkills) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		s := r.skills[name]
		defs = append(defs, models.NewToolDefinition(s.Name(), s.Description(), s.Parameters()))
	}
	return defs
}
