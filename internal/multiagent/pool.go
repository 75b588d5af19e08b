// Package multiagent owns the pool of live agents: creation with inherited
// permissions, parent/child lineage, authorized destruction, and snapshot
// save and restore.
package multiagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nexus3/nexus3/internal/agent"
	agentctx "github.com/nexus3/nexus3/internal/agent/context"
	"github.com/nexus3/nexus3/internal/agent/providers"
	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/internal/permissions"
	"github.com/nexus3/nexus3/internal/sessions"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrAgentExists rejects creating an agent under an id already in use.
	ErrAgentExists = errors.New("multiagent: agent id already in use")

	// ErrAgentNotFound marks lookups of ids the pool does not hold.
	ErrAgentNotFound = errors.New("multiagent: agent not found")

	// ErrNoRegistry rejects creating agents on a pool built without a
	// provider registry.
	ErrNoRegistry = errors.New("multiagent: no provider registry")
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Config supplies model aliases, presets, and session limits. Nil uses
	// config.Default().
	Config *config.Config

	// Registry resolves model aliases to provider adapters. Required for
	// Create; a nil registry makes every Create fail.
	Registry *providers.Registry

	// Skills is the tool registry shared by every agent. Nil means agents
	// have no tools.
	Skills agent.SkillRegistry

	// Store persists session snapshots. Nil uses an in-memory store.
	Store sessions.Store

	// Confirm resolves confirmation prompts for held tool calls. Nil
	// denies them, which is the right default for headless runs.
	Confirm permissions.ConfirmationCallback

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Pool owns every live agent by id. All map mutation happens under the
// pool mutex; destroy authorization is evaluated inside it, before any
// state changes.
type Pool struct {
	cfg        *config.Config
	registry   *providers.Registry
	skills     agent.SkillRegistry
	store      sessions.Store
	dispatcher *agent.Dispatcher

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu     sync.RWMutex
	agents map[string]*Agent

	// temp is the high-water mark for generated ids. Guarded by mu.
	temp int
}

// NewPool builds a pool. One dispatcher (and so one schema cache and one
// confirmation controller) is shared by every agent.
func NewPool(opts PoolOptions) *Pool {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	store := opts.Store
	if store == nil {
		store = sessions.NewMemoryStore()
	}
	dispatcher := agent.NewDispatcher(agent.DispatcherOptions{
		Skills:         opts.Skills,
		Enforcer:       permissions.NewEnforcer(nil),
		Confirmer:      permissions.NewConfirmationController(opts.Confirm, logger, opts.Metrics),
		DefaultTimeout: cfg.Session.ToolTimeout(),
		Logger:         logger,
		Metrics:        opts.Metrics,
		Tracer:         opts.Tracer,
	})
	return &Pool{
		cfg:        cfg,
		registry:   opts.Registry,
		skills:     opts.Skills,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		agents:     make(map[string]*Agent),
	}
}

// CreateOptions names everything Create needs beyond the pool's own wiring.
type CreateOptions struct {
	// AgentID names the agent. Empty generates a temp id (".1", ".2", ...).
	// Explicit names must not start with ".".
	AgentID string

	// ParentAgentID records the creating agent. The parent must exist and
	// must be able to grant the child's permissions.
	ParentAgentID string

	// Model is the model alias to resolve. Empty uses the config default.
	Model string

	// SystemPrompt seeds the agent's context. Empty means no system message.
	SystemPrompt string

	// Preset names the permission preset. Empty uses the config default.
	Preset string

	// Delta narrows the resolved preset before the agent starts.
	Delta permissions.Delta

	// Cwd anchors sandboxing and confirmation heuristics. Empty uses the
	// process working directory.
	Cwd string
}

// Create builds an agent and admits it to the pool.
func (p *Pool) Create(opts CreateOptions) (*Agent, error) {
	id := strings.TrimSpace(opts.AgentID)
	switch {
	case id == "":
		id = p.nextTempID()
	case strings.HasPrefix(id, "."):
		return nil, fmt.Errorf("multiagent: agent id %q is reserved for generated ids", id)
	}

	ag, err := p.build(id, opts)
	if err != nil {
		return nil, err
	}
	if err := p.register(ag); err != nil {
		return nil, err
	}

	p.metrics.AgentCreated()
	ag.Logger.Info(context.Background(), "agent created",
		"model", ag.Session.Model().Alias,
		"preset", opts.Preset,
		"parent", opts.ParentAgentID,
	)
	return ag, nil
}

// build assembles an agent without registering it.
func (p *Pool) build(id string, opts CreateOptions) (*Agent, error) {
	if p.registry == nil {
		return nil, ErrNoRegistry
	}

	cwd := opts.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve cwd: %w", err)
		}
		cwd = wd
	}

	preset := opts.Preset
	if preset == "" {
		preset = p.cfg.Permissions.DefaultPreset
	}
	if preset == "" {
		preset = "trusted"
	}
	perms, err := permissions.ResolvePreset(preset, cwd, p.cfg.Permissions.Presets)
	if err != nil {
		return nil, err
	}
	if !opts.Delta.IsZero() {
		perms, err = perms.ApplyDelta(opts.Delta)
		if err != nil {
			return nil, err
		}
	}
	if opts.ParentAgentID != "" {
		parent, ok := p.Get(opts.ParentAgentID)
		if !ok {
			return nil, fmt.Errorf("parent agent %q: %w", opts.ParentAgentID, ErrAgentNotFound)
		}
		parentPerms := parent.Services.Permissions()
		if err := parentPerms.CanGrant(perms); err != nil {
			return nil, err
		}
		perms.ParentAgentID = parent.ID
		perms.Depth = parentPerms.Depth + 1
	}

	alias := opts.Model
	if alias == "" {
		alias = p.cfg.DefaultModel
	}
	if alias == "" {
		return nil, errors.New("multiagent: no model alias given and no default_model configured")
	}
	provider, err := p.registry.GetForModel(alias)
	if err != nil {
		return nil, err
	}

	var summarizer agentctx.Summarizer
	if p.cfg.Compaction.Enabled {
		summaryProvider := provider
		if compactAlias := p.cfg.Compaction.Model; compactAlias != "" {
			cp, err := p.registry.GetForModel(compactAlias)
			if err != nil {
				return nil, fmt.Errorf("compaction model: %w", err)
			}
			summaryProvider = cp
		}
		summarizer = agent.NewProviderSummarizer(summaryProvider)
	}

	var promptFn agentctx.SystemPromptFunc
	if opts.SystemPrompt != "" {
		prompt := opts.SystemPrompt
		promptFn = func() string { return prompt }
	}
	manager := agentctx.NewManager(agentctx.Options{
		SystemPrompt:        promptFn,
		TokenBudget:         provider.Model().ContextWindow,
		TriggerThreshold:    p.cfg.Compaction.TriggerThreshold,
		RecentPreserveRatio: p.cfg.Compaction.RecentPreserveRatio,
		RedactSecrets:       p.cfg.Compaction.RedactSecrets,
		Logger:              p.logger,
		Metrics:             p.metrics,
	})
	if p.skills != nil {
		manager.SetTools(p.skills.Definitions())
	}

	logger := p.logger.WithFields("agent_id", id)

	ag := &Agent{
		ID:            id,
		ParentAgentID: opts.ParentAgentID,
		CreatedAt:     time.Now().UTC(),
		Context:       manager,
		Logger:        logger,
	}

	services := agent.NewServices()
	services.SetPermissions(perms)
	services.Set(agent.ServiceCwd, cwd)
	services.Set(agent.ServiceModel, provider.Model())
	services.Set(agent.ServiceChildAgentIDs, func() []string { return ag.ChildIDs() })
	ag.Services = services

	session, err := agent.NewSession(agent.SessionOptions{
		AgentID:           id,
		Provider:          provider,
		Context:           manager,
		Dispatcher:        p.dispatcher,
		Services:          services,
		Summarizer:        summarizer,
		MaxToolIterations: p.cfg.Session.MaxToolIterations,
		ParallelToolLimit: p.cfg.Session.MaxConcurrentTools,
		Logger:            logger,
		Metrics:           p.metrics,
		Tracer:            p.tracer,
	})
	if err != nil {
		return nil, err
	}
	ag.Session = session
	return ag, nil
}

// register admits the agent under the pool mutex, wiring it into its
// parent's child set.
func (p *Pool) register(ag *Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.agents[ag.ID]; exists {
		return fmt.Errorf("agent %q: %w", ag.ID, ErrAgentExists)
	}
	if ag.ParentAgentID != "" {
		parent, ok := p.agents[ag.ParentAgentID]
		if !ok {
			return fmt.Errorf("parent agent %q: %w", ag.ParentAgentID, ErrAgentNotFound)
		}
		parent.addChild(ag.ID)
	}
	p.agents[ag.ID] = ag
	p.bumpTempFloor(ag.ID)
	return nil
}

// nextTempID reserves the next generated id.
func (p *Pool) nextTempID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.temp++
	return "." + strconv.Itoa(p.temp)
}

// bumpTempFloor keeps the counter above restored dot-ids so generated ids
// never collide with them. Caller holds mu.
func (p *Pool) bumpTempFloor(id string) {
	if !strings.HasPrefix(id, ".") {
		return
	}
	if n, err := strconv.Atoi(id[1:]); err == nil && n > p.temp {
		p.temp = n
	}
}

// Get returns the agent, if present.
func (p *Pool) Get(agentID string) (*Agent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ag, ok := p.agents[agentID]
	return ag, ok
}

// AgentInfo is a point-in-time view of one pool entry.
type AgentInfo struct {
	// ID is the agent id.
	ID string `json:"id"`

	// Parent is the creator's id, empty for root agents.
	Parent string `json:"parent,omitempty"`

	// Children are the agent's live children, sorted.
	Children []string `json:"children,omitempty"`

	// CreatedAt is when the agent was admitted.
	CreatedAt time.Time `json:"created_at"`

	// Busy reports whether a turn is in flight.
	Busy bool `json:"busy"`
}

// List snapshots pool membership, sorted by id.
func (p *Pool) List() []AgentInfo {
	p.mu.RLock()
	agents := make([]*Agent, 0, len(p.agents))
	for _, ag := range p.agents {
		agents = append(agents, ag)
	}
	p.mu.RUnlock()

	out := make([]AgentInfo, 0, len(agents))
	for _, ag := range agents {
		out = append(out, AgentInfo{
			ID:        ag.ID,
			Parent:    ag.ParentAgentID,
			Children:  ag.ChildIDs(),
			CreatedAt: ag.CreatedAt,
			Busy:      ag.Busy(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Send starts a turn on the named agent. The returned channel carries the
// turn's events; the token cancels it.
func (p *Pool) Send(ctx context.Context, agentID, input string) (<-chan agent.Event, *agent.CancelToken, error) {
	ag, ok := p.Get(agentID)
	if !ok {
		return nil, nil, fmt.Errorf("agent %q: %w", agentID, ErrAgentNotFound)
	}
	return ag.StartTurn(ctx, input)
}

// Cancel interrupts the named agent's in-flight turn, if any.
func (p *Pool) Cancel(agentID string) error {
	ag, ok := p.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %q: %w", agentID, ErrAgentNotFound)
	}
	ag.CancelTurn()
	return nil
}

// authorizeDestroy is the destroy predicate: admin override, external
// callers (empty requester), the agent itself, and its direct parent may
// destroy it. Everyone else gets an AuthorizationError.
func authorizeDestroy(target *Agent, requesterID string, adminOverride bool) error {
	if adminOverride || requesterID == "" || requesterID == target.ID ||
		(target.ParentAgentID != "" && requesterID == target.ParentAgentID) {
		return nil
	}
	return &permissions.AuthorizationError{
		Reason: fmt.Sprintf("agent %q is neither %q nor its parent", requesterID, target.ID),
	}
}

// Destroy removes the agent after authorizing the requester, cancelling its
// in-flight turn. The agent's children stay in the pool. Authorization is
// evaluated inside the pool mutex, before any mutation.
func (p *Pool) Destroy(agentID, requesterID string, adminOverride bool) error {
	p.mu.Lock()
	target, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("agent %q: %w", agentID, ErrAgentNotFound)
	}
	if err := authorizeDestroy(target, requesterID, adminOverride); err != nil {
		p.mu.Unlock()
		return err
	}
	delete(p.agents, agentID)
	if parent, ok := p.agents[target.ParentAgentID]; ok {
		parent.removeChild(agentID)
	}
	p.mu.Unlock()

	target.CancelTurn()
	p.metrics.AgentDestroyed()
	target.Logger.Info(context.Background(), "agent destroyed", "requester", requesterID)
	return nil
}

// DestroyDescendants removes the agent's entire subtree, leaving the agent
// itself in place. Authorization follows Destroy's predicate against the
// subtree root. Removal is post-order with children visited in lexicographic
// order, so no agent outlives its own descendants. Returns the removed ids
// in removal order.
func (p *Pool) DestroyDescendants(agentID, requesterID string) ([]string, error) {
	p.mu.Lock()
	root, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("agent %q: %w", agentID, ErrAgentNotFound)
	}
	if err := authorizeDestroy(root, requesterID, false); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	var doomed []*Agent
	var walk func(ag *Agent)
	walk = func(ag *Agent) {
		for _, childID := range ag.ChildIDs() {
			if child, ok := p.agents[childID]; ok {
				walk(child)
			}
		}
		if ag != root {
			doomed = append(doomed, ag)
		}
	}
	walk(root)

	removed := make([]string, 0, len(doomed))
	for _, ag := range doomed {
		delete(p.agents, ag.ID)
		removed = append(removed, ag.ID)
	}
	root.mu.Lock()
	root.children = nil
	root.mu.Unlock()
	p.mu.Unlock()

	for _, ag := range doomed {
		ag.CancelTurn()
		p.metrics.AgentDestroyed()
	}
	if len(removed) > 0 {
		root.Logger.Info(context.Background(), "descendants destroyed",
			"requester", requesterID, "removed", removed)
	}
	return removed, nil
}

// SaveSession snapshots the agent's conversation and permission state into
// the store.
func (p *Pool) SaveSession(ctx context.Context, agentID string) error {
	ag, ok := p.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %q: %w", agentID, ErrAgentNotFound)
	}
	snap := &sessions.Snapshot{
		AgentID:    ag.ID,
		CreatedAt:  ag.CreatedAt,
		ModelAlias: ag.Session.Model().Alias,
		Messages:   ag.Context.Messages(),
	}
	if perms := ag.Services.Permissions(); perms != nil {
		snap.BasePreset = perms.BasePreset
		policy := perms.Policy.Clone()
		snap.Policy = &policy
		snap.Allowances = perms.Allowances.Clone()
	}
	return p.store.Save(ctx, snap)
}

// SaveAll snapshots every live agent, joining individual failures.
func (p *Pool) SaveAll(ctx context.Context) error {
	var errs []error
	for _, info := range p.List() {
		if err := p.SaveSession(ctx, info.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestoreSession recreates an agent from its stored snapshot: same id,
// model alias, policy, allowances, and message log. The system prompt is
// not part of the snapshot and is supplied by the caller.
func (p *Pool) RestoreSession(ctx context.Context, agentID, systemPrompt string) (*Agent, error) {
	snap, err := p.store.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}

	opts := CreateOptions{
		Model:        snap.ModelAlias,
		SystemPrompt: systemPrompt,
		Preset:       snap.BasePreset,
	}
	if snap.Policy != nil {
		opts.Cwd = snap.Policy.Cwd
	}
	ag, err := p.build(agentID, opts)
	if err != nil {
		return nil, err
	}

	if perms := ag.Services.Permissions(); perms != nil {
		if snap.Policy != nil {
			perms.Policy = snap.Policy.Clone()
		}
		if snap.Allowances != nil {
			perms.Allowances = snap.Allowances.Clone()
		}
	}
	ag.Context.Replace(snap.Messages)
	ag.CreatedAt = snap.CreatedAt

	if err := p.register(ag); err != nil {
		return nil, err
	}
	p.metrics.AgentCreated()
	ag.Logger.Info(ctx, "agent restored", "messages", len(snap.Messages))
	return ag, nil
}

// Close cancels every in-flight turn and empties the pool. The provider
// registry and the store are owned by the caller and stay open.
func (p *Pool) Close() {
	p.mu.Lock()
	agents := make([]*Agent, 0, len(p.agents))
	for _, ag := range p.agents {
		agents = append(agents, ag)
	}
	p.agents = make(map[string]*Agent)
	p.mu.Unlock()

	for _, ag := range agents {
		ag.CancelTurn()
	}
}
