package multiagent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexus3/nexus3/internal/agent"
	agentctx "github.com/nexus3/nexus3/internal/agent/context"
	"github.com/nexus3/nexus3/internal/observability"
)

// Agent is one pool entry: the conversation context, the session loop that
// drives it, and the service container the dispatcher reads. The pool owns
// the parent/child bookkeeping; everything else is reachable through the
// exported fields.
type Agent struct {
	// ID is the pool-unique agent id. Generated ids start with ".".
	ID string

	// ParentAgentID is the creator's id, empty for root agents.
	ParentAgentID string

	// CreatedAt is when the pool admitted the agent. Restored agents keep
	// their original creation time.
	CreatedAt time.Time

	// Context owns the agent's message log and token accounting.
	Context *agentctx.Manager

	// Session drives the agent's turns.
	Session *agent.Session

	// Services is the per-agent dependency bag the dispatcher reads.
	Services *agent.Services

	// Logger is scoped to this agent; every line carries its id.
	Logger *observability.Logger

	mu       sync.Mutex
	children map[string]struct{}
	turn     *agent.CancelToken
}

// StartTurn begins a turn and returns its event stream together with the
// cancellation token that interrupts it. Rejects overlap with
// agent.ErrTurnInProgress.
func (a *Agent) StartTurn(ctx context.Context, input string) (<-chan agent.Event, *agent.CancelToken, error) {
	token := agent.NewCancelToken()
	a.mu.Lock()
	events, err := a.Session.RunTurn(ctx, input, token)
	if err != nil {
		a.mu.Unlock()
		return nil, nil, err
	}
	a.turn = token
	a.mu.Unlock()
	return events, token, nil
}

// CancelTurn cancels the in-flight turn, if any. Safe to call on an idle
// agent; the next turn gets a fresh token.
func (a *Agent) CancelTurn() {
	a.mu.Lock()
	token := a.turn
	a.mu.Unlock()
	token.Cancel()
}

// Busy reports whether a turn is currently running.
func (a *Agent) Busy() bool {
	return a.Session.Busy()
}

// ChildIDs returns the agent's live children, sorted.
func (a *Agent) ChildIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.children))
	for id := range a.children {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *Agent) addChild(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.children == nil {
		a.children = make(map[string]struct{})
	}
	a.children[id] = struct{}{}
}

func (a *Agent) removeChild(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.children, id)
}
