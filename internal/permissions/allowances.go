package permissions

import (
	"encoding/json"
	"sort"
	"sync"
)

// SessionAllowances accumulates the grants a user has handed out through
// confirmation prompts during a session. Allowances only ever widen what a
// TRUSTED agent can do without re-asking; they never override blocked paths
// or a SANDBOXED scope.
//
// The set is safe for concurrent use and survives session save/restore.
type SessionAllowances struct {
	mu sync.Mutex

	writeFiles       map[string]struct{}
	writeDirectories map[string]struct{}
	execGlobal       map[string]struct{}
	execDirectories  map[string]map[string]struct{}
	mcpServers       map[string]struct{}
	mcpTools         map[string]struct{}
}

// NewSessionAllowances returns an empty allowance set.
func NewSessionAllowances() *SessionAllowances {
	return &SessionAllowances{
		writeFiles:       make(map[string]struct{}),
		writeDirectories: make(map[string]struct{}),
		execGlobal:       make(map[string]struct{}),
		execDirectories:  make(map[string]map[string]struct{}),
		mcpServers:       make(map[string]struct{}),
		mcpTools:         make(map[string]struct{}),
	}
}

// AllowWriteFile approves writes to exactly the given file.
func (a *SessionAllowances) AllowWriteFile(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writeFiles[ResolvePath(path)] = struct{}{}
}

// AllowWriteDirectory approves writes anywhere under the given directory.
func (a *SessionAllowances) AllowWriteDirectory(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writeDirectories[ResolvePath(dir)] = struct{}{}
}

// AllowExecGlobal approves the tool to execute regardless of directory.
func (a *SessionAllowances) AllowExecGlobal(tool string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execGlobal[tool] = struct{}{}
}

// AllowExecInDirectory approves the tool to execute inside the directory.
func (a *SessionAllowances) AllowExecInDirectory(tool, dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dirs, ok := a.execDirectories[tool]
	if !ok {
		dirs = make(map[string]struct{})
		a.execDirectories[tool] = dirs
	}
	dirs[ResolvePath(dir)] = struct{}{}
}

// AllowMCPServer approves every tool served by the named MCP server.
func (a *SessionAllowances) AllowMCPServer(server string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mcpServers[server] = struct{}{}
}

// AllowMCPTool approves one MCP tool by name.
func (a *SessionAllowances) AllowMCPTool(tool string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mcpTools[tool] = struct{}{}
}

// IsWriteAllowed reports whether the path was approved, either exactly or
// via an approved parent directory.
func (a *SessionAllowances) IsWriteAllowed(path string) bool {
	if a == nil {
		return false
	}
	resolved := ResolvePath(path)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.writeFiles[resolved]; ok {
		return true
	}
	for dir := range a.writeDirectories {
		if isWithin(resolved, dir) {
			return true
		}
	}
	return false
}

// IsExecAllowed reports whether the tool may execute in the given
// directory, either globally or via a directory grant.
func (a *SessionAllowances) IsExecAllowed(tool, dir string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.execGlobal[tool]; ok {
		return true
	}
	dirs, ok := a.execDirectories[tool]
	if !ok {
		return false
	}
	resolved := ResolvePath(dir)
	for d := range dirs {
		if isWithin(resolved, d) {
			return true
		}
	}
	return false
}

// IsMCPServerAllowed reports whether the MCP server was approved.
func (a *SessionAllowances) IsMCPServerAllowed(server string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.mcpServers[server]
	return ok
}

// IsMCPToolAllowed reports whether the MCP tool was approved.
func (a *SessionAllowances) IsMCPToolAllowed(tool string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.mcpTools[tool]
	return ok
}

// Clone returns an independent copy of the allowance set.
func (a *SessionAllowances) Clone() *SessionAllowances {
	if a == nil {
		return NewSessionAllowances()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := NewSessionAllowances()
	for k := range a.writeFiles {
		out.writeFiles[k] = struct{}{}
	}
	for k := range a.writeDirectories {
		out.writeDirectories[k] = struct{}{}
	}
	for k := range a.execGlobal {
		out.execGlobal[k] = struct{}{}
	}
	for tool, dirs := range a.execDirectories {
		cp := make(map[string]struct{}, len(dirs))
		for d := range dirs {
			cp[d] = struct{}{}
		}
		out.execDirectories[tool] = cp
	}
	for k := range a.mcpServers {
		out.mcpServers[k] = struct{}{}
	}
	for k := range a.mcpTools {
		out.mcpTools[k] = struct{}{}
	}
	return out
}

// allowancesWire is the serialized shape of SessionAllowances. Sets are
// sorted so output is deterministic.
type allowancesWire struct {
	WriteFiles       []string            `json:"write_files,omitempty"`
	WriteDirectories []string            `json:"write_directories,omitempty"`
	ExecGlobal       []string            `json:"exec_global,omitempty"`
	ExecDirectories  map[string][]string `json:"exec_directories,omitempty"`
	MCPServers       []string            `json:"mcp_servers,omitempty"`
	MCPTools         []string            `json:"mcp_tools,omitempty"`
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON serializes the allowance set with sorted, deterministic
// members.
func (a *SessionAllowances) MarshalJSON() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	wire := allowancesWire{
		WriteFiles:       sortedKeys(a.writeFiles),
		WriteDirectories: sortedKeys(a.writeDirectories),
		ExecGlobal:       sortedKeys(a.execGlobal),
		MCPServers:       sortedKeys(a.mcpServers),
		MCPTools:         sortedKeys(a.mcpTools),
	}
	if len(a.execDirectories) > 0 {
		wire.ExecDirectories = make(map[string][]string, len(a.execDirectories))
		for tool, dirs := range a.execDirectories {
			wire.ExecDirectories[tool] = sortedKeys(dirs)
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON restores an allowance set serialized by MarshalJSON.
func (a *SessionAllowances) UnmarshalJSON(data []byte) error {
	var wire allowancesWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	restored := NewSessionAllowances()
	for _, p := range wire.WriteFiles {
		restored.writeFiles[p] = struct{}{}
	}
	for _, d := range wire.WriteDirectories {
		restored.writeDirectories[d] = struct{}{}
	}
	for _, t := range wire.ExecGlobal {
		restored.execGlobal[t] = struct{}{}
	}
	for tool, dirs := range wire.ExecDirectories {
		set := make(map[string]struct{}, len(dirs))
		for _, d := range dirs {
			set[d] = struct{}{}
		}
		restored.execDirectories[tool] = set
	}
	for _, s := range wire.MCPServers {
		restored.mcpServers[s] = struct{}{}
	}
	for _, t := range wire.MCPTools {
		restored.mcpTools[t] = struct{}{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writeFiles = restored.writeFiles
	a.writeDirectories = restored.writeDirectories
	a.execGlobal = restored.execGlobal
	a.execDirectories = restored.execDirectories
	a.mcpServers = restored.mcpServers
	a.mcpTools = restored.mcpTools
	return nil
}
