// Package observability provides structured logging, metrics, and
// distributed tracing for the runtime.
//
// Logging is built on log/slog with automatic secret redaction. Metrics
// are Prometheus collectors under the nexus3_ namespace. Tracing exports
// OTLP spans when an endpoint is configured and is a no-op otherwise.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

// ContextKey is the type used for context values extracted into log records.
type ContextKey string

const (
	// RequestIDKey carries a request correlation ID.
	RequestIDKey ContextKey = "request_id"
	// AgentIDKey carries the ID of the agent doing the work.
	AgentIDKey ContextKey = "agent_id"
	// TurnIDKey carries the ID of the conversation turn being processed.
	TurnIDKey ContextKey = "turn_id"
	// SessionIDKey carries the persisted session identifier.
	SessionIDKey ContextKey = "session_id"
)

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level to emit: "debug", "info", "warn", "error".
	// Defaults to "info".
	Level string `yaml:"level" json:"level"`

	// Format selects the output encoding: "json" or "text". Defaults to "json".
	Format string `yaml:"format" json:"format"`

	// Output is the destination writer. Defaults to os.Stdout.
	Output io.Writer `yaml:"-" json:"-"`

	// AddSource includes the file:line of the log call site.
	AddSource bool `yaml:"add_source" json:"add_source"`

	// RedactPatterns are additional regexes applied on top of
	// DefaultRedactPatterns. Invalid patterns are skipped.
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns"`
}

// DefaultRedactPatterns contains regex patterns for common sensitive data.
// They are applied to every log message and attribute value, and are also
// used by context compaction before conversation text is sent to a
// summarization model.
var DefaultRedactPatterns = []string{
	// API keys and tokens in key=value or key: value form
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{95,}`,

	// OpenAI-style API keys (48 chars after sk-)
	`sk-[a-zA-Z0-9]{48,}`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,

	// Generic hex secrets (32+ chars)
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

var (
	defaultRedactsOnce sync.Once
	defaultRedacts     []*regexp.Regexp
)

func compiledDefaultRedacts() []*regexp.Regexp {
	defaultRedactsOnce.Do(func() {
		for _, pattern := range DefaultRedactPatterns {
			if re, err := regexp.Compile(pattern); err == nil {
				defaultRedacts = append(defaultRedacts, re)
			}
		}
	})
	return defaultRedacts
}

// RedactSecrets replaces anything matching DefaultRedactPatterns with
// [REDACTED]. It backs logger redaction and is exported so other packages
// can scrub text before it leaves the process.
func RedactSecrets(s string) string {
	for _, re := range compiledDefaultRedacts() {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Logger is a structured logger that redacts sensitive data and extracts
// well-known correlation fields from the context.
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// NewLogger creates a structured logger with the given configuration.
//
// If config.Output is nil, logs are written to os.Stdout. An empty or
// unrecognized level defaults to "info"; an empty format defaults to "json".
func NewLogger(config LogConfig) *Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	level := LogLevelFromString(config.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	redacts = append(redacts, compiledDefaultRedacts()...)
	for _, pattern := range config.RedactPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		config:  config,
		redacts: redacts,
	}
}

// NewDiscardLogger returns a logger that drops everything. Useful as a
// default in constructors and in tests.
func NewDiscardLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard, Level: "error"})
}

// LogLevelFromString converts a level name into a slog.Level,
// defaulting to info for unknown values.
func LogLevelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithFields returns a logger with the given key/value pairs added to
// every record it emits.
func (l *Logger) WithFields(keyvals ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(keyvals...),
		config:  l.config,
		redacts: l.redacts,
	}
}

// Debug logs at debug level with redaction and context extraction.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with redaction and context extraction.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with redaction and context extraction.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with redaction and context extraction.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	redacted := make([]any, len(args))
	for i, arg := range args {
		if i%2 == 1 {
			redacted[i] = l.redactValue(arg)
		} else {
			redacted[i] = arg
		}
	}

	if ctxArgs := contextArgs(ctx); len(ctxArgs) > 0 {
		redacted = append(redacted, slog.Group("context", ctxArgs...))
	}

	l.logger.Log(ctx, level, msg, redacted...)
}

func contextArgs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var args []any
	for _, key := range []ContextKey{RequestIDKey, AgentIDKey, TurnIDKey, SessionIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			args = append(args, string(key), v)
		}
	}
	return args
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		if val == nil {
			return nil
		}
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		return l.redactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return l.redactMap(m)
	case fmt.Stringer:
		return l.redactString(val.String())
	default:
		// Structured values pass through slog untouched unless they
		// serialize to something containing a secret pattern.
		if b, err := json.Marshal(v); err == nil && l.containsSecret(string(b)) {
			return l.redactString(string(b))
		}
		return v
	}
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"privatekey":    true,
	"auth":          true,
	"authorization": true,
}

func (l *Logger) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		lowerKey := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if sensitiveKeys[lowerKey] {
			result[k] = "[REDACTED]"
		} else {
			result[k] = l.redactValue(v)
		}
	}
	return result
}

func (l *Logger) containsSecret(s string) bool {
	for _, re := range l.redacts {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// WithAgentID returns a context carrying the given agent ID.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithTurnID returns a context carrying the given turn ID.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithRequestID returns a context carrying the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}
