package permissions

import (
	"context"
	"path/filepath"

	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/pkg/models"
)

// ConfirmationResult is the user's answer to a confirmation prompt. Beyond
// a plain yes and no, the graded answers persist an allowance so the same
// question is not asked again this session.
type ConfirmationResult string

const (
	// ConfirmDeny refuses the call.
	ConfirmDeny ConfirmationResult = "deny"

	// ConfirmAllowOnce approves this call only.
	ConfirmAllowOnce ConfirmationResult = "allow_once"

	// ConfirmAllowFile approves the call and future writes to the same
	// file. For MCP tools it approves the one tool.
	ConfirmAllowFile ConfirmationResult = "allow_file"

	// ConfirmAllowWriteDirectory approves the call and future writes
	// anywhere under the target's parent directory.
	ConfirmAllowWriteDirectory ConfirmationResult = "allow_write_directory"

	// ConfirmAllowExecCwd approves the tool for future runs inside the
	// working directory.
	ConfirmAllowExecCwd ConfirmationResult = "allow_exec_cwd"

	// ConfirmAllowExecGlobal approves the tool for future runs anywhere.
	// For MCP tools it approves the whole server.
	ConfirmAllowExecGlobal ConfirmationResult = "allow_exec_global"
)

// Approved reports whether the result lets the current call proceed.
func (r ConfirmationResult) Approved() bool {
	return r != ConfirmDeny && r != ""
}

// ConfirmationRequest carries what the user needs to judge a held call.
type ConfirmationRequest struct {
	// ToolCall is the pending call.
	ToolCall models.ToolCall

	// DisplayPath is the path or argument the prompt should highlight.
	DisplayPath string

	// Cwd is the agent's working directory, for prompt context.
	Cwd string

	// MCPServer names the owning MCP server when the held call is an MCP
	// tool, empty otherwise.
	MCPServer string
}

// ConfirmationCallback answers confirmation prompts. Implementations range
// from terminal prompts to queue-backed UIs; they must be safe to call from
// multiple sessions.
type ConfirmationCallback func(ctx context.Context, req ConfirmationRequest) (ConfirmationResult, error)

// ConfirmationController routes held tool calls to the registered callback
// and applies the answers to session allowances. Without a callback every
// held call is denied, which keeps headless runs fail-closed.
type ConfirmationController struct {
	callback ConfirmationCallback
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewConfirmationController wires a controller to a callback. Logger and
// metrics may be nil.
func NewConfirmationController(cb ConfirmationCallback, logger *observability.Logger, metrics *observability.Metrics) *ConfirmationController {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &ConfirmationController{callback: cb, logger: logger, metrics: metrics}
}

// Request asks the user about a held call. A controller without a callback
// denies. Errors from the callback deny as well; the caller surfaces them
// as the tool result.
func (c *ConfirmationController) Request(ctx context.Context, req ConfirmationRequest) (ConfirmationResult, error) {
	if c == nil || c.callback == nil {
		c.record(ConfirmDeny)
		return ConfirmDeny, nil
	}
	result, err := c.callback(ctx, req)
	if err != nil {
		c.record(ConfirmDeny)
		return ConfirmDeny, err
	}
	if !result.Approved() {
		result = ConfirmDeny
	}
	c.record(result)
	c.logger.Debug(ctx, "confirmation answered",
		"tool", req.ToolCall.Name,
		"path", req.DisplayPath,
		"result", string(result),
	)
	return result, nil
}

func (c *ConfirmationController) record(result ConfirmationResult) {
	if c != nil && c.metrics != nil {
		c.metrics.RecordConfirmation(string(result))
	}
}

// ApplyResult persists the allowance a graded answer implies for one write
// path. ALLOW_ONCE and DENY persist nothing.
func (c *ConfirmationController) ApplyResult(result ConfirmationResult, writePath, toolName, cwd string, allowances *SessionAllowances) {
	if allowances == nil {
		return
	}
	switch result {
	case ConfirmAllowFile:
		if writePath != "" {
			allowances.AllowWriteFile(writePath)
		}
	case ConfirmAllowWriteDirectory:
		if writePath != "" {
			allowances.AllowWriteDirectory(filepath.Dir(ResolvePath(writePath)))
		}
	case ConfirmAllowExecCwd:
		if cwd != "" {
			allowances.AllowExecInDirectory(toolName, cwd)
		}
	case ConfirmAllowExecGlobal:
		allowances.AllowExecGlobal(toolName)
	}
}

// ApplyMCPResult persists the allowance a graded answer implies for an MCP
// tool: a file-grade answer approves the one tool, a global-grade answer
// approves the whole server.
func (c *ConfirmationController) ApplyMCPResult(result ConfirmationResult, serverName, toolName string, allowances *SessionAllowances) {
	if allowances == nil {
		return
	}
	switch result {
	case ConfirmAllowFile:
		allowances.AllowMCPTool(toolName)
	case ConfirmAllowExecGlobal:
		allowances.AllowMCPServer(serverName)
	}
}
