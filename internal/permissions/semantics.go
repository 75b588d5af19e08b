package permissions

import (
	"sync"

	"github.com/nexus3/nexus3/pkg/models"
)

// PathSemantics declares which arguments of a tool name filesystem paths,
// split by whether the tool reads or writes them, plus the argument shown
// in confirmation prompts.
type PathSemantics struct {
	// ReadKeys are argument names holding paths the tool reads.
	ReadKeys []string

	// WriteKeys are argument names holding paths the tool writes.
	WriteKeys []string

	// DisplayKey is the argument shown to the user when confirming.
	DisplayKey string
}

// defaultSemantics applies to tools nobody registered: the "path" argument
// is treated as both read and written, which errs on the side of asking.
var defaultSemantics = PathSemantics{
	ReadKeys:   []string{"path"},
	WriteKeys:  []string{"path"},
	DisplayKey: "path",
}

// SemanticsRegistry maps tool names to their path semantics. Skills
// register their semantics at startup; lookups for unknown tools get the
// conservative default.
type SemanticsRegistry struct {
	mu     sync.RWMutex
	byTool map[string]PathSemantics
}

// NewSemanticsRegistry returns a registry seeded with the built-in file
// tools.
func NewSemanticsRegistry() *SemanticsRegistry {
	r := &SemanticsRegistry{byTool: make(map[string]PathSemantics)}
	for tool, sem := range builtinSemantics {
		r.byTool[tool] = sem
	}
	return r
}

var builtinSemantics = map[string]PathSemantics{
	"write_file":     {WriteKeys: []string{"path"}, DisplayKey: "path"},
	"mkdir":          {WriteKeys: []string{"path"}, DisplayKey: "path"},
	"edit_file":      {ReadKeys: []string{"path"}, WriteKeys: []string{"path"}, DisplayKey: "path"},
	"append_file":    {ReadKeys: []string{"path"}, WriteKeys: []string{"path"}, DisplayKey: "path"},
	"regex_replace":  {ReadKeys: []string{"path"}, WriteKeys: []string{"path"}, DisplayKey: "path"},
	"copy_file":      {ReadKeys: []string{"source"}, WriteKeys: []string{"destination"}, DisplayKey: "destination"},
	"rename":         {ReadKeys: []string{"source"}, WriteKeys: []string{"destination"}, DisplayKey: "destination"},
	"delete_file":    {WriteKeys: []string{"path"}, DisplayKey: "path"},
	"read_file":      {ReadKeys: []string{"path"}, DisplayKey: "path"},
	"tail":           {ReadKeys: []string{"path"}, DisplayKey: "path"},
	"list_directory": {ReadKeys: []string{"path"}, DisplayKey: "path"},
	"glob":           {ReadKeys: []string{"path"}, DisplayKey: "path"},
	"grep":           {ReadKeys: []string{"path"}, DisplayKey: "path"},
	"file_info":      {ReadKeys: []string{"path"}, DisplayKey: "path"},
	"run_command":    {DisplayKey: "command"},
	"git_command":    {DisplayKey: "args"},
	"nexus_send":     {DisplayKey: "agent_id"},
	"nexus_status":   {DisplayKey: "agent_id"},
	"nexus_cancel":   {DisplayKey: "agent_id"},
	"nexus_destroy":  {DisplayKey: "agent_id"},
}

// Register sets the semantics for a tool, replacing any previous entry.
func (r *SemanticsRegistry) Register(tool string, sem PathSemantics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTool[tool] = sem
}

// Lookup returns the semantics for a tool, falling back to the
// conservative default for unknown tools.
func (r *SemanticsRegistry) Lookup(tool string) PathSemantics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sem, ok := r.byTool[tool]; ok {
		return sem
	}
	return defaultSemantics
}

// ReadPaths extracts the path arguments the tool call reads.
func (r *SemanticsRegistry) ReadPaths(tc models.ToolCall) []string {
	return extractPaths(tc, r.Lookup(tc.Name).ReadKeys)
}

// WritePaths extracts the path arguments the tool call writes.
func (r *SemanticsRegistry) WritePaths(tc models.ToolCall) []string {
	return extractPaths(tc, r.Lookup(tc.Name).WriteKeys)
}

// DisplayPath returns the argument value shown in confirmation prompts,
// or "" when the call carries none.
func (r *SemanticsRegistry) DisplayPath(tc models.ToolCall) string {
	sem := r.Lookup(tc.Name)
	if sem.DisplayKey == "" {
		return ""
	}
	if v, ok := tc.Arguments[sem.DisplayKey].(string); ok {
		return v
	}
	return ""
}

func extractPaths(tc models.ToolCall, keys []string) []string {
	if len(keys) == 0 || len(tc.Arguments) == 0 {
		return nil
	}
	var paths []string
	for _, key := range keys {
		if v, ok := tc.Arguments[key].(string); ok && v != "" {
			paths = append(paths, v)
		}
	}
	return paths
}
