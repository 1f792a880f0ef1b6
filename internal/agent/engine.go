package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ember-chat/ember/internal/config"
	"github.com/ember-chat/ember/internal/llm"
	"github.com/ember-chat/ember/internal/memory"
	"github.com/ember-chat/ember/internal/planner"
	"github.com/ember-chat/ember/internal/session"
	"github.com/ember-chat/ember/internal/tools"
	"github.com/ember-chat/ember/internal/trace"
)

// TraceStore is the full trace surface the engine uses. A nil store
// disables tracing.
type TraceStore interface {
	Tracer
	Begin(ctx context.Context, requestID, sessionKey, userID, groupID string)
	SetPlan(ctx context.Context, requestID string, plan any)
}

// Incoming is one inbound chat message.
type Incoming struct {
	Text            string   `json:"text"`
	UserID          string   `json:"user_id"`
	GroupID         string   `json:"group_id,omitempty"`
	Mentioned       bool     `json:"mentioned,omitempty"`
	ImageURLs       []string `json:"image_urls,omitempty"`
	SystemInjection string   `json:"system_injection,omitempty"`
}

// Outgoing is the engine's answer for one turn. An empty Reply with a
// nil error means the planner suppressed the turn.
type Outgoing struct {
	RequestID               string       `json:"request_id"`
	SessionKey              string       `json:"session_key"`
	Reply                   string       `json:"reply"`
	Plan                    planner.Plan `json:"plan"`
	SchemaMismatchSuspected bool         `json:"schema_mismatch_suspected,omitempty"`
	IterationLimit          bool         `json:"iteration_limit,omitempty"`
}

// Engine turns inbound messages into replies: plan, assemble context,
// call the backend (looping over tools when planned), persist, trace.
type Engine struct {
	cfg       *config.Config
	backend   llm.Client
	sessions  *session.Store
	registry  *tools.Registry
	memory    *memory.Store
	retriever *memory.Retriever
	traces    TraceStore
	loop      *Loop
	logger    *slog.Logger

	systemPrompt string
}

// EngineDeps wires an Engine. memory, retriever and traces may be nil.
type EngineDeps struct {
	Config       *config.Config
	Backend      llm.Client
	Sessions     *session.Store
	Registry     *tools.Registry
	Memory       *memory.Store
	Retriever    *memory.Retriever
	Traces       TraceStore
	Logger       *slog.Logger
	SystemPrompt string
}

// NewEngine creates an engine.
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var tracer Tracer
	if deps.Traces != nil {
		tracer = deps.Traces
	}
	return &Engine{
		cfg:          deps.Config,
		backend:      deps.Backend,
		sessions:     deps.Sessions,
		registry:     deps.Registry,
		memory:       deps.Memory,
		retriever:    deps.Retriever,
		traces:       deps.Traces,
		loop:         NewLoop(deps.Backend, tracer, logger),
		logger:       logger,
		systemPrompt: deps.SystemPrompt,
	}
}

// HandleMessage processes one turn end to end.
func (e *Engine) HandleMessage(ctx context.Context, in Incoming) (*Outgoing, error) {
	requestID := newRequestID()
	key := session.Key(in.UserID, in.GroupID)
	out := &Outgoing{RequestID: requestID, SessionKey: key}

	if e.traces != nil {
		e.traces.Begin(ctx, requestID, key, in.UserID, in.GroupID)
	}

	plan := planner.Build(e.planSnapshot(), planner.Input{
		Text:            in.Text,
		ImageCount:      len(in.ImageURLs),
		IsGroup:         in.GroupID != "",
		Mentioned:       in.Mentioned,
		SystemInjection: in.SystemInjection,
	})
	out.Plan = plan
	if e.traces != nil {
		e.traces.SetPlan(ctx, requestID, plan)
	}

	if !plan.ShouldReply {
		e.logger.Debug("turn suppressed", "request_id", requestID, "reason", plan.Reason)
		return out, nil
	}

	messages, err := e.assemble(ctx, key, in, plan)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}

	ctx = tools.WithSession(ctx, key, in.UserID)

	var reply string
	var transcriptTail []llm.Message
	if plan.ReplyMode == planner.ReplyToolLoop {
		result, err := e.loop.Run(ctx, LoopRequest{
			RequestID:         requestID,
			SessionKey:        key,
			GroupID:           in.GroupID,
			Messages:          messages,
			Model:             e.cfg.Backend.Model,
			Temperature:       e.cfg.Backend.Temperature,
			MaxTokens:         e.cfg.Backend.MaxTokens,
			Allow:             plan.ToolPolicy.Allow,
			Handlers:          e.registry.Handlers(),
			Schemas:           e.registry.OpenAISchemas(plan.ToolPolicy.Allow),
			MaxIterations:     e.cfg.Tools.MaxIterations,
			CallTimeout:       time.Duration(e.cfg.Tools.TimeoutSec) * time.Second,
			ResultMaxChars:    e.cfg.Tools.ResultMaxChars,
			ForceFinalOnLimit: e.cfg.Tools.ForceFinalOnLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("tool loop: %w", err)
		}
		reply = result.Reply
		transcriptTail = result.Transcript[len(messages):]
		out.SchemaMismatchSuspected = result.SchemaMismatchSuspected
		out.IterationLimit = result.IterationLimit
	} else {
		if e.traces != nil {
			e.traces.AppendEvent(ctx, requestID, trace.Event{Type: "before_llm", Round: 1})
		}
		resp, err := e.backend.Chat(ctx, llm.Request{
			Messages:    messages,
			Model:       e.cfg.Backend.Model,
			Temperature: e.cfg.Backend.Temperature,
			MaxTokens:   e.cfg.Backend.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("backend call: %w", err)
		}
		if e.traces != nil {
			e.traces.AppendEvent(ctx, requestID, trace.Event{Type: "after_llm", Round: 1})
		}
		reply = resp.Message.PlainText()
		transcriptTail = []llm.Message{resp.Message}
	}

	if err := e.persistTurn(ctx, key, in, transcriptTail); err != nil {
		// Unrecorded replies would desync future context, so the turn
		// fails without one.
		e.logger.Error("persist turn failed, dropping reply",
			"request_id", requestID, "error", err)
		return nil, err
	}

	out.Reply = reply
	return out, nil
}

// planSnapshot resolves config plus registry state into the planner's
// pure input.
func (e *Engine) planSnapshot() planner.Snapshot {
	var allow []string
	if e.registry != nil {
		allow = e.registry.EffectiveAllowlist(e.cfg.Tools.Allowlist, e.cfg.Tools.IncludeDynamicTools)
	}
	return planner.Snapshot{
		ToolsEnabled:           e.cfg.Tools.Enabled,
		EffectiveAllow:         allow,
		MemoryRetrievalEnabled: e.cfg.Memory.RetrievalEnabled && e.retriever != nil,
		LTMEnabled:             e.cfg.Memory.Enabled && e.memory != nil,
		KnowledgeAutoInject:    e.cfg.Knowledge.Enabled && e.cfg.Knowledge.AutoInject,
		DefaultMedia:           planner.MediaNeed(e.cfg.Media.DefaultPolicy),
	}
}

// assemble builds the prompt: system prompt plus injections, the stored
// window, then the new user message.
func (e *Engine) assemble(ctx context.Context, key string, in Incoming, plan planner.Plan) ([]llm.Message, error) {
	system := e.systemPrompt

	if in.SystemInjection != "" {
		system = joinBlocks(system, in.SystemInjection)
	}

	if plan.UseMemoryRetrieval && e.retriever != nil {
		block := e.retriever.Retrieve(ctx, memory.Query{
			Text:       in.Text,
			SessionKey: key,
			UserID:     in.UserID,
			GroupID:    in.GroupID,
		})
		if block != "" {
			system = joinBlocks(system, block)
		}
	}

	if plan.UseLTMMemory && e.memory != nil {
		facts, err := e.memory.Search(ctx, key, in.Text, e.cfg.Memory.SearchTopK)
		if err != nil {
			e.logger.Warn("memory search failed, continuing without injection", "error", err)
		} else if len(facts) > 0 {
			var b strings.Builder
			b.WriteString(planner.MarkerLongTermMemory)
			for _, f := range facts {
				b.WriteString("\n- ")
				b.WriteString(f.Content)
			}
			system = joinBlocks(system, b.String())
		}
	}

	window, err := e.sessions.GetContext(ctx, key)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(window)+2)
	if system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	for _, m := range window {
		messages = append(messages, m.ToLLM())
	}
	messages = append(messages, e.userMessage(in, plan))
	return messages, nil
}

// userMessage renders the inbound message, attaching image parts only
// when the plan asks for them.
func (e *Engine) userMessage(in Incoming, plan planner.Plan) llm.Message {
	if plan.NeedMedia != planner.MediaImages || len(in.ImageURLs) == 0 {
		return llm.Message{Role: "user", Content: in.Text}
	}
	parts := make([]llm.ContentPart, 0, len(in.ImageURLs)+1)
	if in.Text != "" {
		parts = append(parts, llm.TextPart(in.Text))
	}
	for _, url := range in.ImageURLs {
		parts = append(parts, llm.ImagePart(url))
	}
	return llm.Message{Role: "user", Parts: parts}
}

// persistTurn appends the user message and every assistant/tool message
// the turn produced.
func (e *Engine) persistTurn(ctx context.Context, key string, in Incoming, tail []llm.Message) error {
	userMsg := session.Message{Role: "user", Content: in.Text}
	if len(in.ImageURLs) > 0 {
		m := e.userMessage(in, planner.Plan{NeedMedia: planner.MediaImages})
		userMsg.Parts = m.Parts
		userMsg.Content = m.Content
	}
	if err := e.sessions.Append(ctx, key, in.UserID, userMsg); err != nil {
		return err
	}

	for _, m := range tail {
		entry := session.Message{
			Role:       m.Role,
			Content:    m.Content,
			Parts:      m.Parts,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
		if err := e.sessions.Append(ctx, key, "", entry); err != nil {
			return err
		}
	}
	return nil
}

func joinBlocks(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n\n" + b
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
