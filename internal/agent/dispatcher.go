package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/internal/permissions"
	"github.com/nexus3/nexus3/pkg/models"
)

// Dispatcher executes one tool call end to end: permission checks,
// confirmation, argument validation, and the invocation itself under a
// timeout with panic containment. Failures never escape as errors; every
// outcome is a ToolResult so the model can react.
type Dispatcher struct {
	skills    SkillRegistry
	enforcer  *permissions.Enforcer
	confirmer *permissions.ConfirmationController

	// defaultTimeout bounds executions without a per-tool override.
	// Zero means no timeout.
	defaultTimeout time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	schemas *schemaCache
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Skills    SkillRegistry
	Enforcer  *permissions.Enforcer
	Confirmer *permissions.ConfirmationController

	// DefaultTimeout is the per-tool execution bound when no override is
	// set. Zero disables the bound.
	DefaultTimeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// NewDispatcher builds a dispatcher. A nil enforcer gets the built-in
// semantics; a nil confirmer denies every held call.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Enforcer == nil {
		opts.Enforcer = permissions.NewEnforcer(nil)
	}
	if opts.Confirmer == nil {
		opts.Confirmer = permissions.NewConfirmationController(nil, opts.Logger, opts.Metrics)
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewDiscardLogger()
	}
	return &Dispatcher{
		skills:         opts.Skills,
		enforcer:       opts.Enforcer,
		confirmer:      opts.Confirmer,
		defaultTimeout: opts.DefaultTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		schemas:        newSchemaCache(),
	}
}

// Semantics exposes the enforcer's path-semantics registry so skills can
// register their read/write keys at wiring time.
func (d *Dispatcher) Semantics() *permissions.SemanticsRegistry {
	return d.enforcer.Semantics()
}

// Execute runs one tool call against the agent's services. The returned
// result is never nil.
func (d *Dispatcher) Execute(ctx context.Context, tc models.ToolCall, svc *Services) *models.ToolResult {
	start := time.Now()
	ctx, span := d.tracer.StartToolExecution(ctx, tc.Name)
	defer span.End()

	result := d.execute(ctx, tc, svc)
	if result == nil {
		result = &models.ToolResult{}
	}

	status := "success"
	if result.IsError() {
		status = "error"
		d.tracer.RecordError(span, errors.New(result.Error))
	}
	d.metrics.RecordToolExecution(tc.Name, status, time.Since(start))
	return result
}

func (d *Dispatcher) execute(ctx context.Context, tc models.ToolCall, svc *Services) *models.ToolResult {
	perms := svc.Permissions()
	if perms == nil {
		// No permission set means no authority to judge the call.
		return errorResult("Permission checks unavailable: tool execution refused")
	}

	if err := d.enforcer.CheckAll(tc, perms, svc.ChildAgentIDs()); err != nil {
		d.logger.Warn(ctx, "tool call refused", "tool", tc.Name, "error", err)
		return errorResult(err.Error())
	}

	if d.skills == nil {
		return errorResult(fmt.Sprintf("Tool %q not found", tc.Name))
	}
	skill, ok := d.skills.Get(tc.Name)
	if !ok {
		return errorResult(fmt.Sprintf("Tool %q not found", tc.Name))
	}

	if mcp, isMCP := skill.(MCPSkill); isMCP {
		if res := d.gateMCP(ctx, mcp, tc, perms); res != nil {
			return res
		}
	} else if need, display := d.enforcer.RequiresConfirmation(tc, perms); need {
		if res := d.confirm(ctx, tc, display, perms); res != nil {
			return res
		}
	}

	args := executableArguments(tc)
	if err := d.validateArguments(skill, args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	timeout := d.effectiveTimeout(perms, tc.Name)
	result, err := d.invoke(ctx, skill, tc, args, timeout)
	if err != nil {
		return d.errorToResult(ctx, tc, err, timeout)
	}
	if result == nil {
		result = &models.ToolResult{}
	}
	return result
}

// confirm holds the call for user approval and applies graded answers to
// every write path. Returns a result only when the call must not proceed.
func (d *Dispatcher) confirm(ctx context.Context, tc models.ToolCall, display string, perms *permissions.AgentPermissions) *models.ToolResult {
	answer, err := d.confirmer.Request(ctx, permissions.ConfirmationRequest{
		ToolCall:    tc,
		DisplayPath: display,
		Cwd:         perms.Policy.Cwd,
	})
	if err != nil {
		d.logger.Warn(ctx, "confirmation callback failed", "tool", tc.Name, "error", err)
		return errorResult(permissions.ErrConfirmationDenied.Error())
	}
	if !answer.Approved() {
		return errorResult(permissions.ErrConfirmationDenied.Error())
	}

	writes := d.enforcer.WritePaths(tc)
	if len(writes) == 0 {
		d.confirmer.ApplyResult(answer, "", tc.Name, perms.Policy.Cwd, perms.Allowances)
		return nil
	}
	for _, path := range writes {
		d.confirmer.ApplyResult(answer, path, tc.Name, perms.Policy.Cwd, perms.Allowances)
	}
	return nil
}

// gateMCP applies the MCP-specific admission rules: TRUSTED or better,
// then session allowances, then confirmation routed to the MCP apply.
func (d *Dispatcher) gateMCP(ctx context.Context, mcp MCPSkill, tc models.ToolCall, perms *permissions.AgentPermissions) *models.ToolResult {
	if perms.Policy.Level < permissions.LevelTrusted {
		return errorResult(fmt.Sprintf("MCP tool %q requires trusted permissions", tc.Name))
	}
	if perms.Policy.Level >= permissions.LevelYolo {
		return nil
	}
	if perms.Allowances.IsMCPServerAllowed(mcp.Server()) || perms.Allowances.IsMCPToolAllowed(tc.Name) {
		return nil
	}

	answer, err := d.confirmer.Request(ctx, permissions.ConfirmationRequest{
		ToolCall:    tc,
		DisplayPath: mcp.Server() + "/" + tc.Name,
		Cwd:         perms.Policy.Cwd,
		MCPServer:   mcp.Server(),
	})
	if err != nil {
		d.logger.Warn(ctx, "confirmation callback failed", "tool", tc.Name, "error", err)
		return errorResult(permissions.ErrConfirmationDenied.Error())
	}
	if !answer.Approved() {
		return errorResult(permissions.ErrConfirmationDenied.Error())
	}
	d.confirmer.ApplyMCPResult(answer, mcp.Server(), tc.Name, perms.Allowances)
	return nil
}

// invoke runs the skill body in its own goroutine so a timeout or parent
// cancellation can preempt it, and so a panic is contained to this call.
func (d *Dispatcher) invoke(ctx context.Context, skill Skill, tc models.ToolCall, args map[string]any, timeout time.Duration) (*models.ToolResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result *models.ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ToolError{
					Type:       ToolErrorPanic,
					Tool:       tc.Name,
					ToolCallID: tc.ID,
					Message:    fmt.Sprintf("tool panicked: %v", r),
				}}
			}
		}()
		result, err := skill.Execute(runCtx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// The parent was cancelled; the deadline did not fire.
			return nil, ctx.Err()
		}
		return nil, &ToolError{
			Type:       ToolErrorTimeout,
			Tool:       tc.Name,
			ToolCallID: tc.ID,
			Message:    fmt.Sprintf("timed out after %gs", timeout.Seconds()),
		}
	}
}

// errorToResult maps an invocation error onto the result the model sees.
// The raw error is logged; only sanitized text leaves the process. A skill
// that surfaces its context's deadline error is treated the same as one
// preempted by the watchdog.
func (d *Dispatcher) errorToResult(ctx context.Context, tc models.ToolCall, err error, timeout time.Duration) *models.ToolResult {
	var toolErr *ToolError
	isTimeout := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &toolErr) && toolErr.Type == ToolErrorTimeout)
	switch {
	case errors.Is(err, context.Canceled):
		return errorResult(CancelledToolContent)
	case isTimeout:
		d.logger.Warn(ctx, "tool timed out", "tool", tc.Name, "timeout", timeout)
		return errorResult(fmt.Sprintf("Tool execution timed out after %gs", timeout.Seconds()))
	case errors.As(err, &toolErr) && toolErr.Type == ToolErrorPanic:
		d.logger.Error(ctx, "tool panicked", "tool", tc.Name, "error", err)
		return errorResult(SanitizeError(err))
	default:
		d.logger.Error(ctx, "tool execution failed", "tool", tc.Name, "error", err)
		return errorResult(SanitizeError(err))
	}
}

// effectiveTimeout resolves the execution bound: per-tool override, then
// the permission set's default, then the dispatcher default.
func (d *Dispatcher) effectiveTimeout(perms *permissions.AgentPermissions, tool string) time.Duration {
	if tp, ok := perms.ToolPermission(tool); ok {
		if t, set := tp.Timeout(); set {
			return t
		}
	}
	if perms.DefaultToolTimeoutSeconds > 0 {
		return time.Duration(perms.DefaultToolTimeoutSeconds * float64(time.Second))
	}
	return d.defaultTimeout
}

// executableArguments clones the call's arguments with transport-level
// control keys stripped, so skills never see them.
func executableArguments(tc models.ToolCall) map[string]any {
	args := make(map[string]any, len(tc.Arguments))
	for k, v := range tc.Arguments {
		if k == models.ParallelKey {
			continue
		}
		args[k] = v
	}
	return args
}

func errorResult(msg string) *models.ToolResult {
	return &models.ToolResult{Error: msg}
}

// validateArguments checks args against the skill's parameter schema.
// Skills without a schema accept anything.
func (d *Dispatcher) validateArguments(skill Skill, args map[string]any) error {
	raw := skill.Parameters()
	if len(raw) == 0 {
		return nil
	}
	schema, err := d.schemas.compile(skill.Name(), string(raw))
	if err != nil {
		// A broken schema is the skill author's bug; refuse the call
		// rather than running unvalidated.
		return fmt.Errorf("parameter schema is invalid: %v", err)
	}
	// Round-trip through interface{} values the validator understands.
	value := make(map[string]any, len(args))
	for k, v := range args {
		value[k] = v
	}
	return schema.Validate(value)
}

// schemaCache memoizes compiled parameter schemas by skill name,
// recompiling when the raw schema text changes.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]schemaEntry
}

type schemaEntry struct {
	raw    string
	schema *jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]schemaEntry)}
}

func (c *schemaCache) compile(name, raw string) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok && e.raw == raw {
		return e.schema, nil
	}
	schema, err := jsonschema.CompileString(name+".json", raw)
	if err != nil {
		return nil, err
	}
	c.entries[name] = schemaEntry{raw: raw, schema: schema}
	return schema, nil
}
