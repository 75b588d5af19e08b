package permissions

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/nexus3/nexus3/pkg/models"
)

func trustedPerms(t *testing.T, cwd string) *AgentPermissions {
	t.Helper()
	perms, err := ResolvePreset("trusted", cwd, nil)
	if err != nil {
		t.Fatalf("ResolvePreset: %v", err)
	}
	return perms
}

func sandboxedPerms(t *testing.T, cwd string) *AgentPermissions {
	t.Helper()
	perms, err := ResolvePreset("sandboxed", cwd, nil)
	if err != nil {
		t.Fatalf("ResolvePreset: %v", err)
	}
	return perms
}

func TestEnforcer_CheckAll_NilPermissions(t *testing.T) {
	e := NewEnforcer(nil)
	err := e.CheckAll(models.ToolCall{Name: "read_file"}, nil, nil)
	if !errors.Is(err, ErrNoPermissions) {
		t.Fatalf("CheckAll(nil perms) = %v, want ErrNoPermissions", err)
	}
}

func TestEnforcer_CheckAll_DisabledTool(t *testing.T) {
	e := NewEnforcer(nil)
	perms := trustedPerms(t, "")
	perms.ToolPermissions = map[string]ToolPermission{
		"write_file": {Enabled: false},
	}
	err := e.CheckAll(models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": "/tmp/x"}}, perms, nil)
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("CheckAll = %v, want AuthorizationError", err)
	}
}

func TestEnforcer_CheckAll_SandboxDeniesExec(t *testing.T) {
	dir := t.TempDir()
	e := NewEnforcer(nil)
	perms := sandboxedPerms(t, dir)

	tests := []struct {
		name    string
		tool    string
		wantErr bool
	}{
		{"run_command denied", "run_command", true},
		{"nexus_send denied", "nexus_send", true},
		{"read inside allowed", "read_file", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := models.ToolCall{Name: tt.tool, Arguments: map[string]any{
				"path":     filepath.Join(dir, "f.txt"),
				"agent_id": "child",
			}}
			err := e.CheckAll(tc, perms, []string{"child"})
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckAll(%s) error = %v, wantErr %v", tt.tool, err, tt.wantErr)
			}
		})
	}
}

func TestEnforcer_CheckAll_SandboxPaths(t *testing.T) {
	dir := t.TempDir()
	e := NewEnforcer(nil)
	perms := sandboxedPerms(t, dir)

	tests := []struct {
		name    string
		tool    string
		path    string
		wantErr bool
	}{
		{"write inside", "write_file", filepath.Join(dir, "out.txt"), false},
		{"write outside", "write_file", "/etc/cron.d/evil", true},
		{"read inside", "read_file", filepath.Join(dir, "in.txt"), false},
		{"read outside", "read_file", "/etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := models.ToolCall{Name: tt.tool, Arguments: map[string]any{"path": tt.path}}
			err := e.CheckAll(tc, perms, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckAll error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var pathErr *PathViolationError
				if !errors.As(err, &pathErr) {
					t.Errorf("CheckAll = %T, want PathViolationError", err)
				}
			}
		})
	}
}

func TestEnforcer_CheckAll_BlockedPathsWin(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "secrets")
	e := NewEnforcer(nil)
	perms := trustedPerms(t, dir)
	perms.Policy.BlockedPaths = []string{secret}

	tc := models.ToolCall{Name: "read_file", Arguments: map[string]any{"path": filepath.Join(secret, "key.pem")}}
	if err := e.CheckAll(tc, perms, nil); err == nil {
		t.Error("blocked path should be denied even at trusted")
	}

	// Session allowances never override the blocklist.
	perms.Allowances.AllowWriteDirectory(secret)
	tc = models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(secret, "key.pem")}}
	if err := e.CheckAll(tc, perms, nil); err == nil {
		t.Error("blocked path should be denied despite an allowance")
	}
}

func TestEnforcer_CheckAll_PerToolScopePrecedence(t *testing.T) {
	dir := t.TempDir()
	logsDir := filepath.Join(dir, "logs")
	e := NewEnforcer(nil)
	perms := trustedPerms(t, dir)
	perms.ToolPermissions = map[string]ToolPermission{
		"write_file": {Enabled: true, AllowedPaths: OnlyPaths(logsDir)},
	}

	inside := models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(logsDir, "a.log")}}
	if err := e.CheckAll(inside, perms, nil); err != nil {
		t.Errorf("write inside per-tool scope = %v, want nil", err)
	}

	outside := models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(dir, "a.log")}}
	if err := e.CheckAll(outside, perms, nil); err == nil {
		t.Error("write outside per-tool scope should be denied")
	}
}

func TestEnforcer_CheckAll_UnknownToolDefaultsToPath(t *testing.T) {
	dir := t.TempDir()
	e := NewEnforcer(nil)
	perms := sandboxedPerms(t, dir)

	// An unregistered tool with a path argument gets read+write semantics.
	tc := models.ToolCall{Name: "mystery_tool", Arguments: map[string]any{"path": "/etc/passwd"}}
	if err := e.CheckAll(tc, perms, nil); err == nil {
		t.Error("unknown tool touching a path outside the sandbox should be denied")
	}

	tc = models.ToolCall{Name: "mystery_tool", Arguments: map[string]any{"path": filepath.Join(dir, "x")}}
	if err := e.CheckAll(tc, perms, nil); err != nil {
		t.Errorf("unknown tool inside sandbox = %v, want nil", err)
	}
}

func TestEnforcer_CheckAll_TargetScopes(t *testing.T) {
	e := NewEnforcer(nil)

	tests := []struct {
		name    string
		scope   TargetScope
		target  string
		wantErr bool
	}{
		{"any admits", AnyTarget(), "stranger", false},
		{"parent admits parent", ParentTarget(), "parent-1", false},
		{"parent denies stranger", ParentTarget(), "stranger", true},
		{"children admits child", ChildrenTarget(), "child-1", false},
		{"children denies parent", ChildrenTarget(), "parent-1", true},
		{"family admits both", FamilyTarget(), "child-2", false},
		{"list admits member", ListTarget("x", "y"), "y", false},
		{"list denies others", ListTarget("x", "y"), "z", true},
		{"empty list denies all", ListTarget(), "x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perms := trustedPerms(t, "")
			perms.ParentAgentID = "parent-1"
			perms.ToolPermissions = map[string]ToolPermission{
				"nexus_send": {Enabled: true, AllowedTargets: tt.scope},
			}
			tc := models.ToolCall{Name: "nexus_send", Arguments: map[string]any{"agent_id": tt.target, "message": "hi"}}
			err := e.CheckAll(tc, perms, []string{"child-1", "child-2"})
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckAll error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnforcer_RequiresConfirmation(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()

	tests := []struct {
		name   string
		preset string
		tc     models.ToolCall
		setup  func(p *AgentPermissions)
		want   bool
	}{
		{
			name:   "yolo never confirms",
			preset: "yolo",
			tc:     models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(outside, "x")}},
			want:   false,
		},
		{
			name:   "sandboxed never confirms",
			preset: "sandboxed",
			tc:     models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(dir, "x")}},
			want:   false,
		},
		{
			name:   "trusted read never confirms",
			preset: "trusted",
			tc:     models.ToolCall{Name: "read_file", Arguments: map[string]any{"path": "/etc/passwd"}},
			want:   false,
		},
		{
			name:   "trusted write inside cwd",
			preset: "trusted",
			tc:     models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(dir, "x")}},
			want:   false,
		},
		{
			name:   "trusted write outside cwd",
			preset: "trusted",
			tc:     models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(outside, "x")}},
			want:   true,
		},
		{
			name:   "allowance suppresses confirmation",
			preset: "trusted",
			tc:     models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(outside, "x")}},
			setup:  func(p *AgentPermissions) { p.Allowances.AllowWriteDirectory(outside) },
			want:   false,
		},
		{
			name:   "exec confirms without allowance",
			preset: "trusted",
			tc:     models.ToolCall{Name: "run_command", Arguments: map[string]any{"command": "ls"}},
			want:   true,
		},
		{
			name:   "exec allowance suppresses",
			preset: "trusted",
			tc:     models.ToolCall{Name: "run_command", Arguments: map[string]any{"command": "ls"}},
			setup:  func(p *AgentPermissions) { p.Allowances.AllowExecGlobal("run_command") },
			want:   false,
		},
		{
			name:   "override forces confirmation inside cwd",
			preset: "trusted",
			tc:     models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(dir, "x")}},
			setup: func(p *AgentPermissions) {
				p.ToolPermissions = map[string]ToolPermission{
					"write_file": {Enabled: true, RequiresConfirmation: boolPtr(true)},
				}
			},
			want: true,
		},
		{
			name:   "override suppresses confirmation outside cwd",
			preset: "trusted",
			tc:     models.ToolCall{Name: "write_file", Arguments: map[string]any{"path": filepath.Join(outside, "x")}},
			setup: func(p *AgentPermissions) {
				p.ToolPermissions = map[string]ToolPermission{
					"write_file": {Enabled: true, RequiresConfirmation: boolPtr(false)},
				}
			},
			want: false,
		},
	}

	e := NewEnforcer(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perms, err := ResolvePreset(tt.preset, dir, nil)
			if err != nil {
				t.Fatalf("ResolvePreset: %v", err)
			}
			if tt.setup != nil {
				tt.setup(perms)
			}
			got, _ := e.RequiresConfirmation(tt.tc, perms)
			if got != tt.want {
				t.Errorf("RequiresConfirmation = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnforcer_ConfirmationGatesOnWritePath(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	e := NewEnforcer(nil)
	perms := trustedPerms(t, dir)

	// copy_file reading outside but writing inside cwd needs no
	// confirmation; the write path is what gets judged.
	tc := models.ToolCall{Name: "copy_file", Arguments: map[string]any{
		"source":      filepath.Join(outside, "in.txt"),
		"destination": filepath.Join(dir, "out.txt"),
	}}
	need, _ := e.RequiresConfirmation(tc, perms)
	if need {
		t.Error("copy into cwd should not confirm")
	}

	// Writing outside is what triggers the prompt, and the display path is
	// the destination.
	tc = models.ToolCall{Name: "copy_file", Arguments: map[string]any{
		"source":      filepath.Join(dir, "in.txt"),
		"destination": filepath.Join(outside, "out.txt"),
	}}
	need, display := e.RequiresConfirmation(tc, perms)
	if !need {
		t.Error("copy outside cwd should confirm")
	}
	if display != filepath.Join(outside, "out.txt") {
		t.Errorf("display path = %q, want destination", display)
	}
}
