package context

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nexus3/nexus3/internal/compaction"
	"github.com/nexus3/nexus3/pkg/models"
)

type scriptedSummarizer struct {
	summary string
	err     error
	prompts []string
}

func (s *scriptedSummarizer) Summarize(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func TestBuildMessages_PrependsFreshSystemPrompt(t *testing.T) {
	calls := 0
	m := NewManager(Options{
		SystemPrompt: func() string {
			calls++
			if calls == 1 {
				return "first prompt"
			}
			return "second prompt"
		},
	})
	m.Append(models.NewUserMessage("hi"))

	built := m.BuildMessages()
	if len(built) != 2 {
		t.Fatalf("BuildMessages() returned %d messages, want 2", len(built))
	}
	if built[0].Role != models.RoleSystem || built[0].Content != "first prompt" {
		t.Errorf("first build system = %+v", built[0])
	}

	built = m.BuildMessages()
	if built[0].Content != "second prompt" {
		t.Errorf("system prompt not reconstructed: got %q", built[0].Content)
	}
}

func TestBuildMessages_NoSystemPrompt(t *testing.T) {
	m := NewManager(Options{})
	m.Append(models.NewUserMessage("hi"))

	built := m.BuildMessages()
	if len(built) != 1 || built[0].Role != models.RoleUser {
		t.Fatalf("BuildMessages() = %+v, want just the user message", built)
	}
}

func TestMessages_ReturnsIndependentCopy(t *testing.T) {
	m := NewManager(Options{})
	m.Append(models.NewAssistantMessage("x", models.ToolCall{
		ID: "c1", Name: "echo", Arguments: map[string]any{"k": "v"},
	}))

	snap := m.Messages()
	snap[0].ToolCalls[0].Arguments["k"] = "mutated"

	if m.Messages()[0].ToolCalls[0].Arguments["k"] != "v" {
		t.Error("snapshot mutation leaked into the manager")
	}
}

func TestTools_Snapshot(t *testing.T) {
	m := NewManager(Options{})
	m.SetTools([]models.ToolDefinition{
		models.NewToolDefinition("echo", "echoes", nil),
	})

	tools := m.Tools()
	if len(tools) != 1 || tools[0].Function.Name != "echo" {
		t.Fatalf("Tools() = %+v", tools)
	}

	m.SetTools(nil)
	if len(m.Tools()) != 0 {
		t.Error("SetTools(nil) did not clear the snapshot")
	}
}

func TestNeedsCompaction(t *testing.T) {
	m := NewManager(Options{TokenBudget: 100, TriggerThreshold: 0.9})
	m.Append(models.NewUserMessage(strings.Repeat("a", 352))) // 88 tokens

	if m.NeedsCompaction() {
		t.Error("under threshold but NeedsCompaction() = true")
	}
	m.Append(models.NewUserMessage(strings.Repeat("b", 20))) // +5 tokens
	if !m.NeedsCompaction() {
		t.Error("over threshold but NeedsCompaction() = false")
	}
}

func TestTotalTokens_IncludesSystemPrompt(t *testing.T) {
	m := NewManager(Options{SystemPrompt: func() string { return strings.Repeat("s", 40) }})
	m.Append(models.NewUserMessage(strings.Repeat("u", 40)))

	if got := m.TotalTokens(); got != 20 {
		t.Errorf("TotalTokens() = %d, want 20", got)
	}
}

func TestCompact_RoundTrip(t *testing.T) {
	// 50 messages totaling 10000 estimated tokens on an 8000-token budget.
	m := NewManager(Options{TokenBudget: 8000})
	body := strings.Repeat("x", 800)
	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			m.Append(models.NewUserMessage(body))
		} else {
			m.Append(models.NewAssistantMessage(body))
		}
	}
	if !m.NeedsCompaction() {
		t.Fatal("fixture should trigger compaction")
	}

	s := &scriptedSummarizer{summary: "they discussed many things"}
	result, err := m.Compact(context.Background(), s)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	if result.OriginalTokenCount != 10000 {
		t.Errorf("original tokens = %d, want 10000", result.OriginalTokenCount)
	}
	if result.NewTokenCount >= result.OriginalTokenCount {
		t.Errorf("compaction did not shrink: %d >= %d",
			result.NewTokenCount, result.OriginalTokenCount)
	}
	if len(result.PreservedMessages) < 1 {
		t.Error("expected at least one preserved message")
	}

	msgs := m.Messages()
	if len(msgs) != 1+len(result.PreservedMessages) {
		t.Errorf("log holds %d messages, want summary + %d preserved",
			len(msgs), len(result.PreservedMessages))
	}
	if !compaction.IsSummaryMessage(msgs[0]) {
		t.Error("log does not open with the summary message")
	}
	if msgs[0].Content != "they discussed many things" {
		t.Errorf("summary content = %q", msgs[0].Content)
	}

	// The preserved tail must be the original most recent messages.
	last := msgs[len(msgs)-1]
	if last.Content != body {
		t.Error("most recent message lost in compaction")
	}

	if len(s.prompts) != 1 {
		t.Fatalf("summarizer called %d times, want 1", len(s.prompts))
	}
	if !strings.Contains(s.prompts[0], "[USER] "+body[:10]) {
		t.Error("summarization prompt missing conversation text")
	}
}

func TestCompact_SummarizerError(t *testing.T) {
	m := NewManager(Options{TokenBudget: 100})
	for i := 0; i < 20; i++ {
		m.Append(models.NewUserMessage(strings.Repeat("y", 100)))
	}
	before := m.Len()

	wantErr := errors.New("provider unavailable")
	_, err := m.Compact(context.Background(), &scriptedSummarizer{err: wantErr})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Compact() error = %v, want wrapped %v", err, wantErr)
	}
	if m.Len() != before {
		t.Error("failed compaction mutated the log")
	}
}

func TestCompact_NothingToCompact(t *testing.T) {
	m := NewManager(Options{TokenBudget: 8000})
	m.Append(models.NewUserMessage("tiny"))

	_, err := m.Compact(context.Background(), &scriptedSummarizer{summary: "s"})
	if !errors.Is(err, ErrNothingToCompact) {
		t.Fatalf("Compact() error = %v, want ErrNothingToCompact", err)
	}
}

func TestCompact_KeepsMessagesAppendedDuringSummarize(t *testing.T) {
	m := NewManager(Options{TokenBudget: 100})
	for i := 0; i < 20; i++ {
		m.Append(models.NewUserMessage(strings.Repeat("z", 100)))
	}

	appendDuring := &appendingSummarizer{m: m, summary: "condensed"}
	if _, err := m.Compact(context.Background(), appendDuring); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	msgs := m.Messages()
	if msgs[len(msgs)-1].Content != "appended mid-compaction" {
		t.Error("message appended during summarization was dropped")
	}
}

type appendingSummarizer struct {
	m       *Manager
	summary string
}

func (s *appendingSummarizer) Summarize(context.Context, string) (string, error) {
	s.m.Append(models.NewUserMessage("appended mid-compaction"))
	return s.summary, nil
}

func TestReplace(t *testing.T) {
	m := NewManager(Options{})
	m.Append(models.NewUserMessage("old"))

	restored := []models.Message{
		models.NewUserMessage("restored one"),
		models.NewAssistantMessage("restored two"),
	}
	m.Replace(restored)

	msgs := m.Messages()
	if len(msgs) != 2 || msgs[0].Content != "restored one" {
		t.Fatalf("Replace() left log = %+v", msgs)
	}
}
