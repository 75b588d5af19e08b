package multiagent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexus3/nexus3/internal/agent"
	"github.com/nexus3/nexus3/internal/agent/providers"
	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/permissions"
	"github.com/nexus3/nexus3/internal/sessions"
	"github.com/nexus3/nexus3/pkg/models"
)

// chatServer streams one fixed assistant reply in the OpenAI dialect.
func chatServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("expected http.Flusher")
			return
		}
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", text)
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

// stallServer emits one chunk and then holds the stream open until the
// client disconnects, so a turn stays in flight until cancelled.
func stallServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("expected http.Flusher")
			return
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"thinking\"}}]}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
}

func poolConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.DefaultModel = "fast"
	cfg.Providers = map[string]config.ProviderConfig{
		"local": {
			Type:         "openai",
			BaseURL:      baseURL,
			AuthMethod:   "none",
			RetryBackoff: 1.0,
			Models: map[string]config.ModelConfig{
				"fast": {ID: "test-model", ContextWindow: 8192},
			},
		},
	}
	return cfg
}

func newTestPool(t *testing.T, cfg *config.Config) *Pool {
	t.Helper()
	registry := providers.NewRegistry(cfg, nil, nil)
	t.Cleanup(registry.Close)
	pool := NewPool(PoolOptions{Config: cfg, Registry: registry})
	t.Cleanup(pool.Close)
	return pool
}

// idlePool never talks to a provider; the base URL just has to parse.
func idlePool(t *testing.T) *Pool {
	t.Helper()
	return newTestPool(t, poolConfig("http://127.0.0.1:9"))
}

func drainEvents(t *testing.T, ch <-chan agent.Event) []agent.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var events []agent.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(events))
		}
	}
}

func mustCreate(t *testing.T, pool *Pool, opts CreateOptions) *Agent {
	t.Helper()
	ag, err := pool.Create(opts)
	if err != nil {
		t.Fatalf("Create(%+v): %v", opts, err)
	}
	return ag
}

func TestCreateGeneratesTempIDs(t *testing.T) {
	pool := idlePool(t)

	first := mustCreate(t, pool, CreateOptions{})
	second := mustCreate(t, pool, CreateOptions{})
	if first.ID != ".1" || second.ID != ".2" {
		t.Errorf("generated ids = %q, %q, want .1, .2", first.ID, second.ID)
	}

	named := mustCreate(t, pool, CreateOptions{AgentID: "researcher"})
	if named.ID != "researcher" {
		t.Errorf("explicit id = %q", named.ID)
	}

	if _, err := pool.Create(CreateOptions{AgentID: ".hidden"}); err == nil {
		t.Error("expected dot-prefixed explicit id to be rejected")
	}
	if _, err := pool.Create(CreateOptions{AgentID: "researcher"}); !errors.Is(err, ErrAgentExists) {
		t.Errorf("duplicate id error = %v, want ErrAgentExists", err)
	}
}

func TestCreateWiresServices(t *testing.T) {
	pool := idlePool(t)
	cwd := t.TempDir()

	ag := mustCreate(t, pool, CreateOptions{
		AgentID: "sandbox",
		Preset:  "sandboxed",
		Cwd:     cwd,
	})

	perms := ag.Services.Permissions()
	if perms == nil {
		t.Fatal("permissions not wired")
	}
	if perms.Policy.Level != permissions.LevelSandboxed {
		t.Errorf("level = %v, want sandboxed", perms.Policy.Level)
	}
	if !perms.Policy.Frozen {
		t.Error("sandboxed policy with cwd should be frozen")
	}
	if got := ag.Services.Cwd(); got != cwd {
		t.Errorf("cwd = %q, want %q", got, cwd)
	}
	if got := ag.Services.Model().Alias; got != "fast" {
		t.Errorf("model alias = %q, want fast", got)
	}

	// Empty preset falls back to the config default.
	root := mustCreate(t, pool, CreateOptions{AgentID: "root", Cwd: cwd})
	if got := root.Services.Permissions().Policy.Level; got != permissions.LevelTrusted {
		t.Errorf("default preset level = %v, want trusted", got)
	}
}

func TestCreateParentLineage(t *testing.T) {
	pool := idlePool(t)
	cwd := t.TempDir()

	parent := mustCreate(t, pool, CreateOptions{AgentID: "lead", Preset: "trusted", Cwd: cwd})
	child := mustCreate(t, pool, CreateOptions{
		AgentID:       "helper",
		ParentAgentID: "lead",
		Preset:        "sandboxed",
		Cwd:           cwd,
	})

	perms := child.Services.Permissions()
	if perms.ParentAgentID != "lead" || perms.Depth != 1 {
		t.Errorf("lineage = parent %q depth %d", perms.ParentAgentID, perms.Depth)
	}
	if got := parent.ChildIDs(); len(got) != 1 || got[0] != "helper" {
		t.Errorf("parent children = %v", got)
	}
	if got := parent.Services.ChildAgentIDs(); len(got) != 1 || got[0] != "helper" {
		t.Errorf("services child ids = %v", got)
	}

	infos := pool.List()
	if len(infos) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(infos))
	}
	if infos[0].ID != "helper" || infos[0].Parent != "lead" {
		t.Errorf("infos[0] = %+v", infos[0])
	}
	if infos[1].ID != "lead" || len(infos[1].Children) != 1 {
		t.Errorf("infos[1] = %+v", infos[1])
	}
}

func TestCreateRejectsNonNarrowingGrant(t *testing.T) {
	pool := idlePool(t)
	cwd := t.TempDir()
	mustCreate(t, pool, CreateOptions{AgentID: "lead", Preset: "trusted", Cwd: cwd})

	_, err := pool.Create(CreateOptions{
		AgentID:       "peer",
		ParentAgentID: "lead",
		Preset:        "trusted",
		Cwd:           cwd,
	})
	var authErr *permissions.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("same-level grant error = %v, want AuthorizationError", err)
	}

	if _, err := pool.Create(CreateOptions{ParentAgentID: "ghost", Preset: "sandboxed", Cwd: cwd}); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("missing parent error = %v, want ErrAgentNotFound", err)
	}
}

func TestCreateAppliesDelta(t *testing.T) {
	pool := idlePool(t)
	ag := mustCreate(t, pool, CreateOptions{
		AgentID: "clipped",
		Preset:  "trusted",
		Cwd:     t.TempDir(),
		Delta:   permissions.Delta{DisableTools: []string{"run_command"}},
	})
	if ag.Services.Permissions().ToolEnabled("run_command") {
		t.Error("delta-disabled tool still enabled")
	}
	if !ag.Services.Permissions().ToolEnabled("read_file") {
		t.Error("untouched tool should stay enabled")
	}
}

func TestDestroyAuthorization(t *testing.T) {
	cases := []struct {
		name      string
		target    string
		requester string
		admin     bool
		wantErr   bool
	}{
		{name: "external caller", target: "child", requester: "", wantErr: false},
		{name: "self destruct", target: "child", requester: "child", wantErr: false},
		{name: "direct parent", target: "child", requester: "lead", wantErr: false},
		{name: "sibling denied", target: "child", requester: "sibling", wantErr: true},
		{name: "grandparent denied", target: "grandchild", requester: "lead", wantErr: true},
		{name: "admin override", target: "child", requester: "sibling", admin: true, wantErr: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool := idlePool(t)
			cwd := t.TempDir()
			mustCreate(t, pool, CreateOptions{AgentID: "lead", Preset: "yolo", Cwd: cwd})
			mustCreate(t, pool, CreateOptions{AgentID: "child", ParentAgentID: "lead", Preset: "trusted", Cwd: cwd})
			mustCreate(t, pool, CreateOptions{AgentID: "sibling", ParentAgentID: "lead", Preset: "trusted", Cwd: cwd})
			mustCreate(t, pool, CreateOptions{AgentID: "grandchild", ParentAgentID: "child", Preset: "sandboxed", Cwd: cwd})

			err := pool.Destroy(tc.target, tc.requester, tc.admin)
			if tc.wantErr {
				var authErr *permissions.AuthorizationError
				if !errors.As(err, &authErr) {
					t.Fatalf("Destroy = %v, want AuthorizationError", err)
				}
				if _, ok := pool.Get(tc.target); !ok {
					t.Error("denied destroy must leave the pool unchanged")
				}
				return
			}
			if err != nil {
				t.Fatalf("Destroy: %v", err)
			}
			if _, ok := pool.Get(tc.target); ok {
				t.Error("agent still present after destroy")
			}
		})
	}
}

func TestDestroyDetachesFromParent(t *testing.T) {
	pool := idlePool(t)
	cwd := t.TempDir()
	lead := mustCreate(t, pool, CreateOptions{AgentID: "lead", Preset: "trusted", Cwd: cwd})
	mustCreate(t, pool, CreateOptions{AgentID: "helper", ParentAgentID: "lead", Preset: "sandboxed", Cwd: cwd})

	if err := pool.Destroy("helper", "lead", false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := lead.ChildIDs(); len(got) != 0 {
		t.Errorf("children after destroy = %v", got)
	}
	if err := pool.Destroy("helper", "", false); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("second destroy = %v, want ErrAgentNotFound", err)
	}
}

func TestDestroyCancelsInFlightTurn(t *testing.T) {
	server := stallServer(t)
	defer server.Close()
	pool := newTestPool(t, poolConfig(server.URL))
	mustCreate(t, pool, CreateOptions{AgentID: "busy", Preset: "trusted", Cwd: t.TempDir()})

	events, _, err := pool.Send(context.Background(), "busy", "think hard")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Wait for the first chunk so the stream is provably open.
	select {
	case ev := <-events:
		if ev.Type != agent.EventContentChunk {
			t.Fatalf("first event = %s, want content_chunk", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}

	if err := pool.Destroy("busy", "", false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	rest := drainEvents(t, events)
	if len(rest) == 0 {
		t.Fatal("expected a terminal event after destroy")
	}
	if last := rest[len(rest)-1]; last.Type != agent.EventSessionCancelled {
		t.Errorf("terminal event = %s, want session_cancelled", last.Type)
	}
}

func TestDestroyDescendantsRemovesSubtreePostOrder(t *testing.T) {
	pool := idlePool(t)
	cwd := t.TempDir()
	mustCreate(t, pool, CreateOptions{AgentID: "root", Preset: "yolo", Cwd: cwd})
	mustCreate(t, pool, CreateOptions{AgentID: "a", ParentAgentID: "root", Preset: "trusted", Cwd: cwd})
	mustCreate(t, pool, CreateOptions{AgentID: "b", ParentAgentID: "root", Preset: "trusted", Cwd: cwd})
	mustCreate(t, pool, CreateOptions{AgentID: "c", ParentAgentID: "a", Preset: "sandboxed", Cwd: cwd})

	removed, err := pool.DestroyDescendants("root", "")
	if err != nil {
		t.Fatalf("DestroyDescendants: %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(removed) != len(want) {
		t.Fatalf("removed = %v, want %v", removed, want)
	}
	for i := range want {
		if removed[i] != want[i] {
			t.Fatalf("removed = %v, want %v", removed, want)
		}
	}

	infos := pool.List()
	if len(infos) != 1 || infos[0].ID != "root" {
		t.Errorf("List after subtree removal = %+v", infos)
	}
	if len(infos[0].Children) != 0 {
		t.Errorf("root children = %v, want none", infos[0].Children)
	}
}

func TestDestroyDescendantsAuthorization(t *testing.T) {
	pool := idlePool(t)
	cwd := t.TempDir()
	mustCreate(t, pool, CreateOptions{AgentID: "root", Preset: "yolo", Cwd: cwd})
	mustCreate(t, pool, CreateOptions{AgentID: "a", ParentAgentID: "root", Preset: "trusted", Cwd: cwd})

	var authErr *permissions.AuthorizationError
	if _, err := pool.DestroyDescendants("root", "a"); !errors.As(err, &authErr) {
		t.Fatalf("child pruning parent's subtree = %v, want AuthorizationError", err)
	}
	if _, ok := pool.Get("a"); !ok {
		t.Error("denied call must not remove anything")
	}
}

func TestPoolSendRunsTurn(t *testing.T) {
	server := chatServer(t, "All done.")
	defer server.Close()
	pool := newTestPool(t, poolConfig(server.URL))
	ag := mustCreate(t, pool, CreateOptions{AgentID: "runner", Preset: "trusted", Cwd: t.TempDir()})

	events, _, err := pool.Send(context.Background(), "runner", "do the thing")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	all := drainEvents(t, events)
	if last := all[len(all)-1]; last.Type != agent.EventSessionCompleted {
		t.Fatalf("terminal event = %s, want session_completed", last.Type)
	}

	msgs := ag.Context.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user+assistant", len(msgs))
	}
	if msgs[1].Content != "All done." {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}

	if _, _, err := pool.Send(context.Background(), "ghost", "hi"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Send to missing agent = %v, want ErrAgentNotFound", err)
	}
}

func TestSaveAndRestoreSession(t *testing.T) {
	store := sessions.NewMemoryStore()
	cwd := t.TempDir()
	cfg := poolConfig("http://127.0.0.1:9")

	registry := providers.NewRegistry(cfg, nil, nil)
	t.Cleanup(registry.Close)
	pool := NewPool(PoolOptions{Config: cfg, Registry: registry, Store: store})
	t.Cleanup(pool.Close)

	ag := mustCreate(t, pool, CreateOptions{AgentID: "scribe", Preset: "sandboxed", Cwd: cwd})
	ag.Context.Append(models.NewUserMessage("remember the plan"))
	ag.Context.Append(models.NewAssistantMessage("Plan remembered."))
	ag.Services.Permissions().Allowances.AllowWriteFile("/elsewhere/notes.txt")
	created := ag.CreatedAt

	ctx := context.Background()
	if err := pool.SaveSession(ctx, "scribe"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := pool.Destroy("scribe", "", false); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	restored, err := pool.RestoreSession(ctx, "scribe", "You are a scribe.")
	if err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	if restored.ID != "scribe" {
		t.Errorf("restored id = %q", restored.ID)
	}
	if !restored.CreatedAt.Equal(created) {
		t.Errorf("restored created_at = %v, want %v", restored.CreatedAt, created)
	}

	msgs := restored.Context.Messages()
	if len(msgs) != 2 || msgs[0].Content != "remember the plan" {
		t.Errorf("restored messages = %+v", msgs)
	}

	perms := restored.Services.Permissions()
	if perms.Policy.Level != permissions.LevelSandboxed || !perms.Policy.Frozen {
		t.Errorf("restored policy = %+v", perms.Policy)
	}
	if !perms.Allowances.IsWriteAllowed("/elsewhere/notes.txt") {
		t.Error("restored allowances dropped the write grant")
	}

	if _, err := pool.RestoreSession(ctx, "scribe", ""); !errors.Is(err, ErrAgentExists) {
		t.Errorf("double restore = %v, want ErrAgentExists", err)
	}
	if _, err := pool.RestoreSession(ctx, "never-saved", ""); !errors.Is(err, sessions.ErrNotFound) {
		t.Errorf("restore of unknown id = %v, want sessions.ErrNotFound", err)
	}
}

func TestRestoreKeepsTempCounterAhead(t *testing.T) {
	store := sessions.NewMemoryStore()
	cfg := poolConfig("http://127.0.0.1:9")
	ctx := context.Background()

	registry := providers.NewRegistry(cfg, nil, nil)
	t.Cleanup(registry.Close)

	first := NewPool(PoolOptions{Config: cfg, Registry: registry, Store: store})
	tmp := mustCreate(t, first, CreateOptions{Cwd: t.TempDir()})
	if tmp.ID != ".1" {
		t.Fatalf("temp id = %q", tmp.ID)
	}
	if err := first.SaveSession(ctx, ".1"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	first.Close()

	second := NewPool(PoolOptions{Config: cfg, Registry: registry, Store: store})
	t.Cleanup(second.Close)
	if _, err := second.RestoreSession(ctx, ".1", ""); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	next := mustCreate(t, second, CreateOptions{Cwd: t.TempDir()})
	if next.ID != ".2" {
		t.Errorf("generated id after restore = %q, want .2", next.ID)
	}
}

func TestSaveAllSnapshotsEveryAgent(t *testing.T) {
	store := sessions.NewMemoryStore()
	cfg := poolConfig("http://127.0.0.1:9")
	registry := providers.NewRegistry(cfg, nil, nil)
	t.Cleanup(registry.Close)
	pool := NewPool(PoolOptions{Config: cfg, Registry: registry, Store: store})
	t.Cleanup(pool.Close)

	cwd := t.TempDir()
	mustCreate(t, pool, CreateOptions{AgentID: "one", Cwd: cwd})
	mustCreate(t, pool, CreateOptions{AgentID: "two", Cwd: cwd})

	ctx := context.Background()
	if err := pool.SaveAll(ctx); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	metas, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 {
		t.Errorf("stored sessions = %d, want 2", len(metas))
	}
}

func TestCancelMissingAgent(t *testing.T) {
	pool := idlePool(t)
	if err := pool.Cancel("nobody"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("Cancel = %v, want ErrAgentNotFound", err)
	}
}
