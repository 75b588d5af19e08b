package permissions

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestSessionAllowances_Writes(t *testing.T) {
	dir := t.TempDir()
	a := NewSessionAllowances()

	file := filepath.Join(dir, "report.md")
	a.AllowWriteFile(file)

	if !a.IsWriteAllowed(file) {
		t.Error("exact file allowance should admit the file")
	}
	if a.IsWriteAllowed(filepath.Join(dir, "other.md")) {
		t.Error("file allowance should not admit siblings")
	}

	a.AllowWriteDirectory(dir)
	if !a.IsWriteAllowed(filepath.Join(dir, "deep", "nested.txt")) {
		t.Error("directory allowance should admit nested paths")
	}
	if a.IsWriteAllowed("/elsewhere/nested.txt") {
		t.Error("directory allowance should not admit outside paths")
	}
}

func TestSessionAllowances_Exec(t *testing.T) {
	dir := t.TempDir()
	a := NewSessionAllowances()

	if a.IsExecAllowed("run_command", dir) {
		t.Error("fresh allowances should not admit exec")
	}

	a.AllowExecInDirectory("run_command", dir)
	if !a.IsExecAllowed("run_command", dir) {
		t.Error("directory exec allowance should admit the directory")
	}
	if !a.IsExecAllowed("run_command", filepath.Join(dir, "sub")) {
		t.Error("directory exec allowance should admit subdirectories")
	}
	if a.IsExecAllowed("run_command", "/elsewhere") {
		t.Error("directory exec allowance should not admit other directories")
	}
	if a.IsExecAllowed("git_command", dir) {
		t.Error("exec allowances are per tool")
	}

	a.AllowExecGlobal("git_command")
	if !a.IsExecAllowed("git_command", "/anywhere") {
		t.Error("global exec allowance should admit any directory")
	}
}

func TestSessionAllowances_NilIsDenyAll(t *testing.T) {
	var a *SessionAllowances
	if a.IsWriteAllowed("/tmp/x") || a.IsExecAllowed("run_command", "/tmp") ||
		a.IsMCPServerAllowed("srv") || a.IsMCPToolAllowed("tool") {
		t.Error("nil allowances must deny everything")
	}
}

func TestSessionAllowances_JSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := NewSessionAllowances()
	a.AllowWriteFile(filepath.Join(dir, "f.txt"))
	a.AllowWriteDirectory(dir)
	a.AllowExecGlobal("run_command")
	a.AllowExecInDirectory("git_command", dir)
	a.AllowMCPServer("search")
	a.AllowMCPTool("search_web")

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	restored := NewSessionAllowances()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !restored.IsWriteAllowed(filepath.Join(dir, "f.txt")) {
		t.Error("write file allowance lost in round trip")
	}
	if !restored.IsWriteAllowed(filepath.Join(dir, "nested", "x")) {
		t.Error("write directory allowance lost in round trip")
	}
	if !restored.IsExecAllowed("run_command", "/anywhere") {
		t.Error("global exec allowance lost in round trip")
	}
	if !restored.IsExecAllowed("git_command", dir) {
		t.Error("directory exec allowance lost in round trip")
	}
	if !restored.IsMCPServerAllowed("search") || !restored.IsMCPToolAllowed("search_web") {
		t.Error("MCP allowances lost in round trip")
	}
}

func TestSessionAllowances_CloneIsIndependent(t *testing.T) {
	a := NewSessionAllowances()
	a.AllowExecGlobal("run_command")

	clone := a.Clone()
	clone.AllowExecGlobal("git_command")

	if a.IsExecAllowed("git_command", "/tmp") {
		t.Error("mutating the clone must not affect the original")
	}
	if !clone.IsExecAllowed("run_command", "/tmp") {
		t.Error("clone should carry existing grants")
	}
}
