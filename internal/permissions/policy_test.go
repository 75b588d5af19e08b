package permissions

import (
	"path/filepath"
	"testing"
)

func TestPolicy_Clone(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "secrets")

	orig := Policy{
		Level:        LevelSandboxed,
		AllowedPaths: OnlyPaths(dir),
		BlockedPaths: []string{blocked},
		Cwd:          dir,
		Frozen:       true,
	}
	clone := orig.Clone()

	if !clone.AllowedPaths.Equal(orig.AllowedPaths) {
		t.Fatal("clone scope differs from original")
	}
	if clone.Level != orig.Level || clone.Cwd != orig.Cwd || !clone.Frozen {
		t.Fatal("clone dropped scalar fields")
	}

	clone.BlockedPaths[0] = "/elsewhere"
	if orig.BlockedPaths[0] != blocked {
		t.Error("mutating clone blocklist changed original")
	}

	clone.AllowedPaths.roots[0] = "/elsewhere"
	if orig.AllowedPaths.roots[0] == "/elsewhere" {
		t.Error("mutating clone scope roots changed original")
	}
}

func TestPolicy_AllowsAction(t *testing.T) {
	tests := []struct {
		name  string
		level Level
		tool  string
		want  bool
	}{
		{"sandboxed denies exec", LevelSandboxed, "run_command", false},
		{"sandboxed denies agent management", LevelSandboxed, "nexus_destroy", false},
		{"sandboxed allows reads", LevelSandboxed, "read_file", true},
		{"sandboxed allows status", LevelSandboxed, "nexus_status", true},
		{"trusted allows exec", LevelTrusted, "run_command", true},
		{"yolo allows everything", LevelYolo, "nexus_destroy", true},
		{"zero level fails closed", LevelUnspecified, "run_command", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Level: tt.level}
			if got := p.AllowsAction(tt.tool); got != tt.want {
				t.Errorf("AllowsAction(%q) at %v = %v, want %v", tt.tool, tt.level, got, tt.want)
			}
		})
	}
}

func TestPolicy_BlockedWinsOverAllowed(t *testing.T) {
	dir := t.TempDir()
	secrets := filepath.Join(dir, "secrets")

	p := Policy{
		Level:        LevelTrusted,
		AllowedPaths: OnlyPaths(dir),
		BlockedPaths: []string{secrets},
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"inside scope", filepath.Join(dir, "notes.txt"), true},
		{"under blocked root", filepath.Join(secrets, "key.pem"), false},
		{"blocked root itself", secrets, false},
		{"outside scope", "/etc/passwd", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.IsPathAllowed(tt.path); got != tt.want {
				t.Errorf("IsPathAllowed(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestPolicy_CanRead(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "vault")

	tests := []struct {
		name   string
		policy Policy
		path   string
		want   bool
	}{
		{
			"trusted reads outside scope",
			Policy{Level: LevelTrusted, AllowedPaths: UnrestrictedPaths()},
			"/etc/hosts",
			true,
		},
		{
			"trusted blocked path denied",
			Policy{Level: LevelTrusted, BlockedPaths: []string{blocked}},
			filepath.Join(blocked, "token"),
			false,
		},
		{
			"sandboxed reads inside scope",
			Policy{Level: LevelSandboxed, AllowedPaths: OnlyPaths(dir)},
			filepath.Join(dir, "a.txt"),
			true,
		},
		{
			"sandboxed denied outside scope",
			Policy{Level: LevelSandboxed, AllowedPaths: OnlyPaths(dir)},
			"/etc/hosts",
			false,
		},
		{
			"zero level confined like sandboxed",
			Policy{Level: LevelUnspecified, AllowedPaths: DenyAllPaths()},
			"/etc/hosts",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.CanRead(tt.path); got != tt.want {
				t.Errorf("CanRead(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestPolicy_IsWithinCwd(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		cwd  string
		path string
		want bool
	}{
		{"inside", dir, filepath.Join(dir, "src", "main.go"), true},
		{"cwd itself", dir, dir, true},
		{"outside", dir, "/etc/passwd", false},
		{"sibling prefix", dir, dir + "2/file", false},
		{"empty cwd never matches", "", dir, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Cwd: tt.cwd}
			if got := p.IsWithinCwd(tt.path); got != tt.want {
				t.Errorf("IsWithinCwd(%q) with cwd %q = %v, want %v", tt.path, tt.cwd, got, tt.want)
			}
		})
	}
}

func TestDelta_IsZero(t *testing.T) {
	scope := OnlyPaths("/tmp")

	tests := []struct {
		name  string
		delta Delta
		want  bool
	}{
		{"empty", Delta{}, true},
		{"disable tools", Delta{DisableTools: []string{"run_command"}}, false},
		{"enable tools", Delta{EnableTools: []string{"grep"}}, false},
		{"scope replacement", Delta{AllowedPaths: &scope}, false},
		{"added blocklist", Delta{AddBlockedPaths: []string{"/secrets"}}, false},
		{"tool overrides", Delta{ToolOverrides: map[string]ToolPermission{"grep": {Enabled: true}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.delta.IsZero(); got != tt.want {
				t.Errorf("IsZero() = %v, want %v", got, tt.want)
			}
		})
	}
}
