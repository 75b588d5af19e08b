package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	agentctx "github.com/nexus3/nexus3/internal/agent/context"
	"github.com/nexus3/nexus3/internal/agent/providers"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/pkg/models"
)

const (
	// DefaultMaxToolIterations bounds provider round-trips per turn.
	DefaultMaxToolIterations = 25

	// DefaultParallelToolLimit bounds concurrent executions in one
	// parallel tool batch.
	DefaultParallelToolLimit = 4

	// eventBufferSize sizes the per-turn event channel. Callers must
	// drain the channel until it closes.
	eventBufferSize = 64
)

// MaxIterationsNotice is streamed as the final content chunk when a turn
// exhausts its tool iteration budget.
const MaxIterationsNotice = "[Max tool iterations reached]"

var errStreamCancelled = errors.New("agent: stream cancelled")

// SessionOptions configures a Session.
type SessionOptions struct {
	// AgentID scopes logs and traces. Optional.
	AgentID string

	// Provider streams assistant responses. Required.
	Provider providers.Provider

	// Context holds the conversation log. Required.
	Context *agentctx.Manager

	// Dispatcher executes tool calls. Nil builds a default dispatcher
	// with no skills, so every call fails with a not-found result.
	Dispatcher *Dispatcher

	// Services is the per-agent service container handed to the
	// dispatcher. Nil builds an empty one.
	Services *Services

	// Summarizer powers automatic compaction. Nil disables it.
	Summarizer agentctx.Summarizer

	// MaxToolIterations caps provider round-trips per turn. Zero uses
	// DefaultMaxToolIterations.
	MaxToolIterations int

	// ParallelToolLimit caps concurrency inside a parallel batch. Zero
	// uses DefaultParallelToolLimit.
	ParallelToolLimit int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Session drives one agent's turns: it streams the assistant response,
// executes requested tools, feeds results back, and repeats until the
// model answers without tools or a limit intervenes. One turn runs at a
// time; RunTurn rejects overlap.
type Session struct {
	agentID    string
	provider   providers.Provider
	model      providers.ResolvedModel
	context    *agentctx.Manager
	dispatcher *Dispatcher
	services   *Services
	summarizer agentctx.Summarizer

	maxIterations int
	parallelLimit int

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	busy atomic.Bool
}

// NewSession builds a session. Provider and Context are required.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	if opts.Context == nil {
		return nil, ErrNoContext
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewDiscardLogger()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(DispatcherOptions{
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
			Tracer:  opts.Tracer,
		})
	}
	if opts.Services == nil {
		opts.Services = NewServices()
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = DefaultMaxToolIterations
	}
	if opts.ParallelToolLimit <= 0 {
		opts.ParallelToolLimit = DefaultParallelToolLimit
	}
	return &Session{
		agentID:       opts.AgentID,
		provider:      opts.Provider,
		model:         opts.Provider.Model(),
		context:       opts.Context,
		dispatcher:    opts.Dispatcher,
		services:      opts.Services,
		summarizer:    opts.Summarizer,
		maxIterations: opts.MaxToolIterations,
		parallelLimit: opts.ParallelToolLimit,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}, nil
}

// Busy reports whether a turn is running.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// Context exposes the conversation log, for snapshots.
func (s *Session) Context() *agentctx.Manager {
	return s.context
}

// Services exposes the per-agent service container.
func (s *Session) Services() *Services {
	return s.services
}

// Model reports the resolved model this session speaks to.
func (s *Session) Model() providers.ResolvedModel {
	return s.model
}

// RunTurn appends input as a user message and runs the turn loop in the
// background. Events arrive on the returned channel, which closes after a
// terminal event. The cancel token interrupts streaming and tool
// execution; it may be nil. Callers must drain the channel.
func (s *Session) RunTurn(ctx context.Context, input string, cancel *CancelToken) (<-chan Event, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}

	ctx = observability.WithTurnID(ctx, uuid.NewString())
	if s.agentID != "" {
		ctx = observability.WithAgentID(ctx, s.agentID)
	}
	if input != "" {
		s.context.Append(models.NewUserMessage(input))
	}

	events := make(chan Event, eventBufferSize)
	go s.run(ctx, cancel, events)
	return events, nil
}

func (s *Session) run(ctx context.Context, cancel *CancelToken, events chan<- Event) {
	ctx, span := s.tracer.StartTurn(ctx, s.agentID, 0)
	defer span.End()
	defer s.busy.Store(false)
	defer close(events)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, "turn panicked", "panic", fmt.Sprint(r))
			s.sendEvent(ctx, events, Event{Type: EventError, Err: fmt.Errorf("turn panicked: %v", r)})
			s.recordTurn("error")
		}
	}()

	emit := func(ev Event) { s.sendEvent(ctx, events, ev) }

	for iteration := 1; ; iteration++ {
		if cancel.Cancelled() {
			emit(Event{Type: EventSessionCancelled})
			s.recordTurn("cancelled")
			return
		}
		if iteration > s.maxIterations {
			s.logger.Warn(ctx, "tool iteration limit reached", "limit", s.maxIterations)
			emit(Event{Type: EventContentChunk, Text: MaxIterationsNotice})
			emit(Event{Type: EventSessionCompleted, HaltedAtLimit: true})
			s.recordTurn("halted_at_limit")
			return
		}

		s.maybeCompact(ctx, emit)

		message, err := s.streamOnce(ctx, cancel, iteration, emit)
		if err != nil {
			if errors.Is(err, errStreamCancelled) || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
				emit(Event{Type: EventSessionCancelled})
				s.recordTurn("cancelled")
				return
			}
			s.logger.Error(ctx, "turn failed", "phase", string(PhaseStream), "iteration", iteration, "error", err)
			emit(Event{Type: EventError, Err: &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}})
			s.recordTurn("error")
			return
		}

		s.context.Append(*message)

		if len(message.ToolCalls) == 0 {
			emit(Event{Type: EventSessionCompleted})
			s.recordTurn("completed")
			return
		}

		if status := s.executeBatch(ctx, cancel, message.ToolCalls, emit); status == batchCancelled {
			emit(Event{Type: EventSessionCancelled})
			s.recordTurn("cancelled")
			return
		}

		emit(Event{Type: EventIterationCompleted, Iteration: iteration, WillContinue: true})
	}
}

// maybeCompact compacts the context when it has outgrown its trigger
// threshold. Failures are logged and the turn proceeds uncompacted.
func (s *Session) maybeCompact(ctx context.Context, emit func(Event)) {
	if s.summarizer == nil || !s.context.NeedsCompaction() {
		return
	}
	result, err := s.context.Compact(ctx, s.summarizer)
	if err != nil {
		if !errors.Is(err, agentctx.ErrNothingToCompact) {
			s.logger.Warn(ctx, "compaction failed", "error", err)
		}
		return
	}
	emit(Event{
		Type: EventContentChunk,
		Text: fmt.Sprintf("[Context compacted: reclaimed %d tokens]", result.Reclaimed()),
	})
}

// streamOnce performs one provider round-trip and forwards stream events
// to the caller. On cancellation it stops the stream, drains the producer,
// and reports errStreamCancelled without touching the context log.
func (s *Session) streamOnce(ctx context.Context, cancel *CancelToken, iteration int, emit func(Event)) (*models.Message, error) {
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	streamCtx, span := s.tracer.StartLLMRequest(streamCtx, s.model.Provider, s.model.ID)
	defer span.End()

	stream, err := s.provider.Stream(streamCtx, s.context.BuildMessages(), s.context.Tools())
	if err != nil {
		s.tracer.RecordError(span, err)
		s.recordLLMRequest("error", time.Time{}, nil)
		return nil, err
	}

	start := time.Now()
	reasoningOpen := false
	closeReasoning := func() {
		if reasoningOpen {
			emit(Event{Type: EventReasoningEnded})
			reasoningOpen = false
		}
	}

	var message *models.Message
	var usage *models.Usage
	for {
		select {
		case <-cancel.Done():
			stop()
			for range stream {
			}
			s.recordLLMRequest("cancelled", start, usage)
			return nil, errStreamCancelled

		case ev, ok := <-stream:
			if !ok {
				closeReasoning()
				if message == nil {
					s.recordLLMRequest("error", start, usage)
					return nil, errors.New("agent: provider stream ended without completion")
				}
				s.recordLLMRequest("success", start, usage)
				return message, nil
			}
			switch ev.Type {
			case providers.StreamContentDelta:
				closeReasoning()
				emit(Event{Type: EventContentChunk, Text: ev.Text})
			case providers.StreamReasoningDelta:
				if s.model.Reasoning && !reasoningOpen {
					emit(Event{Type: EventReasoningStarted})
					reasoningOpen = true
				}
			case providers.StreamToolCallStarted:
				closeReasoning()
				emit(Event{Type: EventToolDetected, ToolCall: &models.ToolCall{ID: ev.ID, Name: ev.Name}})
			case providers.StreamComplete:
				message = ev.Message
				usage = ev.Usage
			case providers.StreamError:
				closeReasoning()
				s.tracer.RecordError(span, ev.Err)
				s.recordLLMRequest("error", start, usage)
				return nil, ev.Err
			}
		}
	}
}

type batchStatus int

const (
	batchCompleted batchStatus = iota
	batchCancelled
)

// executeBatch runs one batch of tool calls and appends every result to
// the context, so each call id gets exactly one tool message even when
// the batch is cut short.
func (s *Session) executeBatch(ctx context.Context, cancel *CancelToken, calls []models.ToolCall, emit func(Event)) batchStatus {
	parallel := len(calls) > 1 && isParallelBatch(calls)
	emit(Event{Type: EventToolBatchStarted, ToolCalls: calls, Parallel: parallel})

	var status batchStatus
	if parallel {
		status = s.executeParallel(ctx, cancel, calls, emit)
	} else {
		status = s.executeSequential(ctx, cancel, calls, emit)
	}

	emit(Event{Type: EventToolBatchCompleted})
	return status
}

// executeSequential runs calls in order. A failed tool halts the batch:
// the remaining calls get halt placeholders and the loop continues so the
// model can react. Cancellation placeholders the remainder and ends the
// turn.
func (s *Session) executeSequential(ctx context.Context, cancel *CancelToken, calls []models.ToolCall, emit func(Event)) batchStatus {
	for i := range calls {
		if cancel.Cancelled() {
			s.appendCancelled(calls[i:], emit)
			return batchCancelled
		}

		emit(Event{Type: EventToolStarted, ToolCall: &calls[i]})
		result := s.executeWithWatch(ctx, cancel, calls[i])
		s.context.Append(models.NewToolMessage(calls[i].ID, result.Content()))
		emit(Event{
			Type:     EventToolCompleted,
			ToolCall: &calls[i],
			Success:  !result.IsError(),
			Output:   result.Output,
			Error:    result.Error,
		})

		if cancel.Cancelled() {
			s.appendCancelled(calls[i+1:], emit)
			return batchCancelled
		}
		if result.IsError() && i+1 < len(calls) {
			s.logger.Warn(ctx, "tool batch halted", "tool", calls[i].Name, "skipped", len(calls)-i-1)
			emit(Event{Type: EventToolBatchHalted, ToolCall: &calls[i]})
			for j := i + 1; j < len(calls); j++ {
				s.context.Append(models.NewToolMessage(calls[j].ID, HaltedToolContent))
				emit(Event{
					Type:     EventToolCompleted,
					ToolCall: &calls[j],
					Success:  false,
					Error:    HaltedToolContent,
				})
			}
			return batchCompleted
		}
	}
	return batchCompleted
}

// executeParallel runs calls concurrently under the parallel limit.
// Results are appended in call order regardless of completion order.
// Failures do not halt siblings; only cancellation cuts the batch short.
func (s *Session) executeParallel(ctx context.Context, cancel *CancelToken, calls []models.ToolCall, emit func(Event)) batchStatus {
	for i := range calls {
		emit(Event{Type: EventToolStarted, ToolCall: &calls[i]})
	}

	results := make([]*models.ToolResult, len(calls))
	sem := make(chan struct{}, s.parallelLimit)
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if cancel.Cancelled() {
				results[i] = &models.ToolResult{Error: CancelledToolContent}
				return
			}
			results[i] = s.executeWithWatch(ctx, cancel, calls[i])
		}(i)
	}
	wg.Wait()

	for i := range calls {
		result := results[i]
		if result == nil {
			result = &models.ToolResult{Error: CancelledToolContent}
		}
		s.context.Append(models.NewToolMessage(calls[i].ID, result.Content()))
		emit(Event{
			Type:     EventToolCompleted,
			ToolCall: &calls[i],
			Success:  !result.IsError(),
			Output:   result.Output,
			Error:    result.Error,
		})
	}

	if cancel.Cancelled() {
		return batchCancelled
	}
	return batchCompleted
}

// executeWithWatch runs one call through the dispatcher with the cancel
// token bridged onto the execution context.
func (s *Session) executeWithWatch(ctx context.Context, cancel *CancelToken, tc models.ToolCall) *models.ToolResult {
	execCtx := ctx
	if cancel != nil {
		var stop context.CancelFunc
		execCtx, stop = context.WithCancel(ctx)
		defer stop()

		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-cancel.Done():
				stop()
			case <-watchDone:
			}
		}()
	}
	return s.dispatcher.Execute(execCtx, tc, s.services)
}

// appendCancelled writes cancellation placeholders for calls that will
// not run, keeping the tool message log complete.
func (s *Session) appendCancelled(calls []models.ToolCall, emit func(Event)) {
	for i := range calls {
		s.context.Append(models.NewToolMessage(calls[i].ID, CancelledToolContent))
		emit(Event{
			Type:     EventToolCompleted,
			ToolCall: &calls[i],
			Success:  false,
			Error:    CancelledToolContent,
		})
	}
}

// sendEvent delivers an event unless the caller has gone away and
// cancelled the turn context.
func (s *Session) sendEvent(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) recordTurn(status string) {
	s.metrics.RecordTurn(status)
}

func (s *Session) recordLLMRequest(status string, start time.Time, usage *models.Usage) {
	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}
	var in, out int
	if usage != nil {
		in, out = usage.InputTokens, usage.OutputTokens
	}
	s.metrics.RecordLLMRequest(s.model.Provider, s.model.ID, status, elapsed, in, out)
}

// isParallelBatch reports whether the model marked the batch for
// concurrent execution.
func isParallelBatch(calls []models.ToolCall) bool {
	for _, tc := range calls {
		if v, ok := tc.Arguments[models.ParallelKey].(bool); ok && v {
			return true
		}
	}
	return false
}
