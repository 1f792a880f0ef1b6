// Package agent implements the tool-calling loop and the turn engine
// that drives it.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ember-chat/ember/internal/llm"
	"github.com/ember-chat/ember/internal/tools"
	"github.com/ember-chat/ember/internal/trace"
)

// Tracer records loop events. A nil Tracer disables tracing; the loop
// itself never fails because of it.
type Tracer interface {
	AppendEvent(ctx context.Context, requestID string, ev trace.Event)
}

// LoopRequest carries everything one tool loop run needs. Handlers and
// Schemas are a registry snapshot taken by the caller, so registry
// mutations during the run cannot mix two states.
type LoopRequest struct {
	RequestID  string
	SessionKey string
	GroupID    string

	Messages    []llm.Message
	Model       string
	Temperature float64
	MaxTokens   int

	Allow    []string
	Handlers map[string]tools.Handler
	Schemas  []map[string]any

	MaxIterations     int
	CallTimeout       time.Duration
	ResultMaxChars    int
	ForceFinalOnLimit bool
}

// LoopResult is the outcome of a tool loop run.
type LoopResult struct {
	Reply                   string
	Transcript              []llm.Message
	SchemaMismatchSuspected bool
	IterationLimit          bool
}

// Loop runs multi-round tool-calling conversations against a backend.
type Loop struct {
	backend llm.Client
	tracer  Tracer
	logger  *slog.Logger
}

// NewLoop creates a loop. tracer may be nil.
func NewLoop(backend llm.Client, tracer Tracer, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{backend: backend, tracer: tracer, logger: logger}
}

func (l *Loop) event(ctx context.Context, requestID string, ev trace.Event) {
	if l.tracer != nil {
		l.tracer.AppendEvent(ctx, requestID, ev)
	}
}

// Run executes the loop until the backend answers without tool calls or
// the round budget runs out. A transport failure on the first round is
// returned as an error; once a round has completed, failures degrade to
// the best reply gathered so far.
func (l *Loop) Run(ctx context.Context, req LoopRequest) (*LoopResult, error) {
	if req.MaxIterations <= 0 {
		req.MaxIterations = 5
	}
	if req.CallTimeout <= 0 {
		req.CallTimeout = 20 * time.Second
	}

	allowed := make(map[string]bool, len(req.Allow))
	for _, name := range req.Allow {
		allowed[name] = true
	}

	transcript := append([]llm.Message(nil), req.Messages...)
	result := &LoopResult{}
	lastAssistant := ""

	for round := 1; round <= req.MaxIterations; round++ {
		l.event(ctx, req.RequestID, trace.Event{Type: "before_llm", Round: round,
			Detail: map[string]any{"messages": len(transcript)}})

		resp, err := l.backend.Chat(ctx, llm.Request{
			Messages:    transcript,
			Tools:       req.Schemas,
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err != nil {
			if lastAssistant != "" {
				l.logger.Warn("backend failed mid-loop, returning partial reply",
					"round", round, "error", err)
				result.Reply = lastAssistant
				result.Transcript = transcript
				result.IterationLimit = true
				return result, nil
			}
			return nil, fmt.Errorf("backend call (round %d): %w", round, err)
		}

		l.event(ctx, req.RequestID, trace.Event{Type: "after_llm", Round: round,
			Detail: map[string]any{"tool_calls": len(resp.ToolCalls)}})

		transcript = append(transcript, resp.Message)
		if resp.Message.Content != "" {
			lastAssistant = resp.Message.PlainText()
		}

		if len(resp.ToolCalls) == 0 {
			result.Reply = resp.Message.PlainText()
			result.Transcript = transcript
			return result, nil
		}

		// All calls of a round run concurrently and are joined before
		// the next backend call. Sibling failures stay in their own
		// result message and never cancel the round.
		results := make([]llm.Message, len(resp.ToolCalls))
		mismatches := make([]bool, len(resp.ToolCalls))

		g, gctx := errgroup.WithContext(ctx)
		for i, call := range resp.ToolCalls {
			i, call := i, call
			g.Go(func() error {
				results[i], mismatches[i] = l.executeCall(gctx, req, round, call, allowed)
				return nil
			})
		}
		_ = g.Wait()

		for i := range results {
			transcript = append(transcript, results[i])
			if mismatches[i] {
				result.SchemaMismatchSuspected = true
			}
		}

		// Caller deadline: stop burning rounds, return what we have.
		if ctx.Err() != nil {
			result.Reply = lastAssistant
			result.Transcript = transcript
			result.IterationLimit = true
			return result, nil
		}
	}

	result.IterationLimit = true
	result.Reply = lastAssistant

	if req.ForceFinalOnLimit {
		final := append(transcript, llm.Message{
			Role:    "user",
			Content: "Answer now with what you have. Do not call any more tools.",
		})
		l.event(ctx, req.RequestID, trace.Event{Type: "before_llm", Round: req.MaxIterations + 1,
			Detail: map[string]any{"forced_final": true}})
		resp, err := l.backend.Chat(ctx, llm.Request{
			Messages:    final,
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err == nil && resp.Message.Content != "" {
			transcript = append(transcript, resp.Message)
			result.Reply = resp.Message.PlainText()
		} else if err != nil {
			l.logger.Warn("forced final call failed", "error", err)
		}
		l.event(ctx, req.RequestID, trace.Event{Type: "after_llm", Round: req.MaxIterations + 1,
			Detail: map[string]any{"forced_final": true}})
	}

	result.Transcript = transcript
	return result, nil
}

// executeCall runs one tool call and always produces a tool-result
// message carrying the original tool_call_id.
func (l *Loop) executeCall(ctx context.Context, req LoopRequest, round int, call llm.ToolCall, allowed map[string]bool) (msg llm.Message, mismatch bool) {
	name := call.Function.Name
	msg = llm.Message{Role: "tool", ToolCallID: call.ID}

	l.event(ctx, req.RequestID, trace.Event{Type: "tool_start", Round: round, Tool: name})
	started := time.Now()
	defer func() {
		l.event(ctx, req.RequestID, trace.Event{Type: "tool_end", Round: round, Tool: name,
			Detail: map[string]any{"duration_ms": time.Since(started).Milliseconds()}})
	}()

	if !allowed[name] {
		msg.Content = fmt.Sprintf("tool rejected: %s is not in the allowed tool list", name)
		return msg, false
	}

	handler, ok := req.Handlers[name]
	if !ok {
		msg.Content = fmt.Sprintf("tool error: %s is not registered", name)
		return msg, false
	}

	args := map[string]any{}
	raw := call.Function.Arguments
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			// The model produced something that is not our argument
			// schema. Salvage it as a query so the round still runs.
			args = map[string]any{"query": raw}
			mismatch = true
			l.logger.Warn("tool arguments not valid JSON",
				"tool", name, "raw", tools.TruncateResult(raw, 200))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, req.CallTimeout)
	defer cancel()

	output, err := runHandler(callCtx, handler, args, req.GroupID)
	if err != nil {
		msg.Content = fmt.Sprintf("tool error: %v", err)
		return msg, mismatch
	}
	msg.Content = tools.TruncateResult(output, req.ResultMaxChars)
	return msg, mismatch
}

// runHandler isolates handler panics into errors.
func runHandler(ctx context.Context, handler tools.Handler, args map[string]any, groupID string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return handler(ctx, args, groupID)
}
