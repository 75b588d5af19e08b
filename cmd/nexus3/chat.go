package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nexus3/nexus3/internal/agent"
	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/multiagent"
	"github.com/nexus3/nexus3/internal/permissions"
	"github.com/nexus3/nexus3/internal/sessions"
)

// buildChatCmd creates the "chat" command: one-shot or interactive turns
// against a single agent, streamed to the terminal.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		modelAlias string
		preset     string
		system     string
		agentID    string
		oneShot    string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to an agent from the terminal",
		Long: `Run turns against one agent, streaming output as it arrives.

With a message argument (or --message) a single turn runs and the command
exits. Without one an interactive prompt opens: /prompt <file> sends a
file's contents as the next turn, /cwd <dir> moves the agent's working
directory, and /quit leaves and saves the session. Paths given to these
commands are vetted against the agent's permissions.

Tool calls held for confirmation are answered at the terminal: deny, allow
once, or record an allowance for the rest of the session. Piped input
denies every held call.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			message := oneShot
			if len(args) == 1 {
				message = args[0]
			}
			opts := chatOptions{
				model:   modelAlias,
				preset:  preset,
				system:  system,
				agentID: agentID,
				message: message,
			}
			return runChat(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default nexus3.yaml, or NEXUS3_CONFIG)")
	cmd.Flags().StringVarP(&modelAlias, "model", "m", "", "Model alias (defaults to default_model)")
	cmd.Flags().StringVar(&preset, "preset", "", "Permission preset for the agent")
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id; restores its saved session when one exists")
	cmd.Flags().StringVar(&oneShot, "message", "", "Run a single turn with this input and exit")
	return cmd
}

type chatOptions struct {
	model   string
	preset  string
	system  string
	agentID string
	message string
}

func runChat(ctx context.Context, cfg *config.Config, opts chatOptions, stdin io.Reader, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureAPIKey(cfg, opts.model, stdout); err != nil {
		return err
	}

	console := &console{in: bufio.NewReader(stdin), out: stdout}
	rt, err := newRuntime(ctx, cfg, console.confirm)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	ag, err := openChatAgent(ctx, rt.pool, opts)
	if err != nil {
		return err
	}

	if opts.message != "" {
		if err := runChatTurn(ctx, rt.pool, ag.ID, opts.message, console); err != nil {
			return err
		}
		return rt.pool.SaveSession(context.Background(), ag.ID)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("interactive chat needs a terminal; pass a message argument instead")
	}

	fmt.Fprintf(stdout, "Agent %s ready (model %s). Commands: /prompt <file>, /cwd [dir], /quit.\n", ag.ID, ag.Session.Model().Alias)
	for {
		line, err := console.readLine("you> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rt.pool.SaveSession(context.Background(), ag.ID)
			}
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return rt.pool.SaveSession(context.Background(), ag.ID)
		}
		if strings.HasPrefix(line, "/") {
			input, err := chatCommand(ag, line, stdout)
			if err != nil {
				fmt.Fprintf(stdout, "error: %v\n", err)
				continue
			}
			if input == "" {
				continue
			}
			line = input
		}
		if err := runChatTurn(ctx, rt.pool, ag.ID, line, console); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return rt.pool.SaveSession(context.Background(), ag.ID)
		}
	}
}

// openChatAgent restores the named agent's saved session when one exists,
// otherwise creates a fresh agent.
func openChatAgent(ctx context.Context, pool *multiagent.Pool, opts chatOptions) (*multiagent.Agent, error) {
	if opts.agentID != "" {
		ag, err := pool.RestoreSession(ctx, opts.agentID, opts.system)
		if err == nil {
			return ag, nil
		}
		if !errors.Is(err, sessions.ErrNotFound) {
			return nil, err
		}
	}
	return pool.Create(multiagent.CreateOptions{
		AgentID:      opts.agentID,
		Model:        opts.model,
		SystemPrompt: opts.system,
		Preset:       opts.preset,
	})
}

// chatCommand handles slash commands between turns. /prompt returns file
// contents to send as the next input; /cwd re-anchors the agent's working
// directory and returns nothing to send.
func chatCommand(ag *multiagent.Agent, line string, out io.Writer) (string, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/prompt":
		if arg == "" {
			return "", errors.New("usage: /prompt <file>")
		}
		return readPromptFile(ag, arg)
	case "/cwd":
		if arg == "" {
			fmt.Fprintf(out, "cwd: %s\n", ag.Services.Cwd())
			return "", nil
		}
		cwd, err := changeAgentCwd(ag, arg)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(out, "cwd: %s\n", cwd)
		return "", nil
	default:
		return "", fmt.Errorf("unknown command %s", name)
	}
}

// vetAgentPath resolves a terminal-supplied path and checks it against the
// agent's policy, so the operator cannot hand the agent files it could not
// read itself. Symlinks are resolved before the check.
func vetAgentPath(ag *multiagent.Agent, path string) (string, error) {
	resolved := permissions.ResolvePath(path)
	perms := ag.Services.Permissions()
	if perms == nil {
		return resolved, nil
	}
	if perms.Policy.IsPathBlocked(resolved) {
		return "", &permissions.PathViolationError{Path: resolved, Reason: "path is blocked"}
	}
	if !perms.Policy.CanRead(resolved) {
		return "", &permissions.PathViolationError{Path: resolved, Reason: "outside the sandbox"}
	}
	return resolved, nil
}

// readPromptFile loads a file to use as the next turn's input.
func readPromptFile(ag *multiagent.Agent, path string) (string, error) {
	resolved, err := vetAgentPath(ag, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	input := strings.TrimSpace(string(data))
	if input == "" {
		return "", fmt.Errorf("prompt file %s is empty", path)
	}
	return input, nil
}

// changeAgentCwd moves the agent's working directory. The target must be a
// directory the current policy can read; the sandbox scope itself never
// widens.
func changeAgentCwd(ag *multiagent.Agent, path string) (string, error) {
	resolved, err := vetAgentPath(ag, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", path)
	}
	if perms := ag.Services.Permissions(); perms != nil {
		perms.Policy.Cwd = resolved
	}
	ag.Services.Set(agent.ServiceCwd, resolved)
	return resolved, nil
}

func runChatTurn(ctx context.Context, pool *multiagent.Pool, agentID, input string, console *console) error {
	events, _, err := pool.Send(ctx, agentID, input)
	if err != nil {
		return err
	}
	return console.render(events)
}

// ensureAPIKey prompts for a missing provider key when running on a
// terminal, so first runs do not need the variable exported up front.
func ensureAPIKey(cfg *config.Config, alias string, out io.Writer) error {
	if alias == "" {
		alias = cfg.DefaultModel
	}
	if alias == "" {
		return nil
	}
	name, providerCfg, _, err := cfg.ResolveModel(alias)
	if err != nil {
		return err
	}
	if providerCfg.AuthMethod == "none" || providerCfg.APIKeyEnv == "" || os.Getenv(providerCfg.APIKeyEnv) != "" {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("provider %s needs %s set", name, providerCfg.APIKeyEnv)
	}
	fmt.Fprintf(out, "Enter %s for provider %s: ", providerCfg.APIKeyEnv, name)
	key, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("provider %s needs %s set", name, providerCfg.APIKeyEnv)
	}
	return os.Setenv(providerCfg.APIKeyEnv, string(key))
}

// console serializes prompt I/O between the chat loop and confirmation
// callbacks, which fire from session goroutines mid-turn.
type console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func (c *console) readLine(prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, prompt)
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// confirm answers held tool calls from the terminal. Non-interactive runs
// deny, keeping piped invocations fail-closed.
func (c *console) confirm(ctx context.Context, req permissions.ConfirmationRequest) (permissions.ConfirmationResult, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return permissions.ConfirmDeny, nil
	}
	fmt.Fprintf(c.out, "\nConfirmation needed: %s", req.ToolCall.Name)
	if req.MCPServer != "" {
		fmt.Fprintf(c.out, " (MCP server %s)", req.MCPServer)
	}
	fmt.Fprintln(c.out)
	if req.DisplayPath != "" {
		fmt.Fprintf(c.out, "  target: %s\n", req.DisplayPath)
	}
	if req.Cwd != "" {
		fmt.Fprintf(c.out, "  cwd:    %s\n", req.Cwd)
	}
	for {
		if ctx.Err() != nil {
			return permissions.ConfirmDeny, ctx.Err()
		}
		line, err := c.readLine("  [d]eny [o]nce [f]ile [w]rite-dir [c]wd-exec [g]lobal > ")
		if err != nil {
			return permissions.ConfirmDeny, nil
		}
		if result, ok := confirmationFromKey(line); ok {
			return result, nil
		}
		fmt.Fprintln(c.out, "  unrecognized answer")
	}
}

// confirmationFromKey maps a one-letter prompt answer onto a confirmation
// result.
func confirmationFromKey(key string) (permissions.ConfirmationResult, bool) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "d", "deny", "n", "no":
		return permissions.ConfirmDeny, true
	case "o", "once", "y", "yes":
		return permissions.ConfirmAllowOnce, true
	case "f", "file":
		return permissions.ConfirmAllowFile, true
	case "w", "write-dir":
		return permissions.ConfirmAllowWriteDirectory, true
	case "c", "cwd-exec":
		return permissions.ConfirmAllowExecCwd, true
	case "g", "global":
		return permissions.ConfirmAllowExecGlobal, true
	}
	return permissions.ConfirmDeny, false
}

// render writes session events as they arrive and returns once the turn
// reaches a terminal event.
func (c *console) render(events <-chan agent.Event) error {
	inContent := false
	endLine := func() {
		if inContent {
			fmt.Fprintln(c.out)
			inContent = false
		}
	}
	for ev := range events {
		switch ev.Type {
		case agent.EventContentChunk:
			fmt.Fprint(c.out, ev.Text)
			inContent = true
		case agent.EventReasoningStarted:
			endLine()
			fmt.Fprintln(c.out, "[thinking]")
		case agent.EventToolBatchStarted:
			endLine()
			mode := "sequential"
			if ev.Parallel {
				mode = "parallel"
			}
			fmt.Fprintf(c.out, "[%d tool call(s), %s]\n", len(ev.ToolCalls), mode)
		case agent.EventToolStarted:
			fmt.Fprintf(c.out, "  -> %s\n", ev.ToolCall.Name)
		case agent.EventToolCompleted:
			status := "ok"
			if !ev.Success {
				status = "failed: " + ev.Error
			}
			fmt.Fprintf(c.out, "  <- %s (%s)\n", ev.ToolCall.Name, status)
		case agent.EventToolBatchHalted:
			fmt.Fprintln(c.out, "[batch halted on failure]")
		case agent.EventSessionCompleted:
			endLine()
			if ev.HaltedAtLimit {
				fmt.Fprintln(c.out, "[stopped: tool iteration limit reached]")
			}
			return nil
		case agent.EventSessionCancelled:
			endLine()
			fmt.Fprintln(c.out, "[cancelled]")
			return nil
		case agent.EventError:
			endLine()
			return ev.Err
		}
	}
	return nil
}
