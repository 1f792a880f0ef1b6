package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ember-chat/ember/internal/config"
	"github.com/ember-chat/ember/internal/llm"
	"github.com/ember-chat/ember/internal/session"
	"github.com/ember-chat/ember/internal/tools"
)

func newTestEngine(t *testing.T, backend llm.Client, registry *tools.Registry) (*Engine, *session.Store) {
	t.Helper()
	sessions, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"), session.Options{
		MaxContext: 20,
		Multiplier: 2,
	})
	if err != nil {
		t.Fatalf("create session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	cfg := config.Default()
	cfg.Tools.Enabled = registry != nil
	cfg.Tools.Allowlist = []string{"web_search"}

	engine := NewEngine(EngineDeps{
		Config:       cfg,
		Backend:      backend,
		Sessions:     sessions,
		Registry:     registry,
		SystemPrompt: "You are a helpful assistant.",
	})
	return engine, sessions
}

func TestHandleMessageDirectReply(t *testing.T) {
	backend := &scriptedBackend{replies: []*llm.Response{finalResponse("hello there")}}
	engine, sessions := newTestEngine(t, backend, nil)

	out, err := engine.HandleMessage(context.Background(), Incoming{Text: "hi", UserID: "u1"})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if out.Reply != "hello there" {
		t.Errorf("reply = %q", out.Reply)
	}
	if out.SessionKey != "private:u1" {
		t.Errorf("session key = %q", out.SessionKey)
	}
	if out.RequestID == "" {
		t.Error("missing request id")
	}

	// Both turns persisted, in order.
	window, err := sessions.GetContext(context.Background(), "private:u1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("window length: got %d, want 2", len(window))
	}
	if window[0].Role != "user" || window[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", window[0].Role, window[1].Role)
	}
	if window[1].Content != "hello there" {
		t.Errorf("assistant content = %q", window[1].Content)
	}
}

func TestHandleMessageSuppressedTurn(t *testing.T) {
	backend := &scriptedBackend{}
	engine, sessions := newTestEngine(t, backend, nil)

	out, err := engine.HandleMessage(context.Background(), Incoming{
		Text: "chatter", UserID: "u1", GroupID: "g1", Mentioned: false,
	})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if out.Reply != "" {
		t.Errorf("suppressed turn produced reply %q", out.Reply)
	}
	if backend.calls() != 0 {
		t.Errorf("backend called %d times for suppressed turn", backend.calls())
	}

	window, err := sessions.GetContext(context.Background(), "group:g1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(window) != 0 {
		t.Errorf("suppressed turn persisted %d messages", len(window))
	}
}

func TestHandleMessageToolLoop(t *testing.T) {
	backend := &scriptedBackend{replies: []*llm.Response{
		toolCallResponse("c1", "web_search", `{"query": "weather"}`),
		finalResponse("It is sunny."),
	}}

	registry := tools.NewRegistry()
	registry.Register(tools.Definition{
		Name:   "web_search",
		Source: tools.SourceBuiltin,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any, groupID string) (string, error) {
			// Session identity flows to handlers through the context.
			if key := tools.SessionKeyFromContext(ctx); key != "private:u1" {
				t.Errorf("session key in handler = %q", key)
			}
			return "sunny, 22C", nil
		},
	})

	engine, sessions := newTestEngine(t, backend, registry)

	out, err := engine.HandleMessage(context.Background(), Incoming{Text: "weather?", UserID: "u1"})
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if out.Reply != "It is sunny." {
		t.Errorf("reply = %q", out.Reply)
	}
	if out.Plan.ReplyMode != "tool_loop" {
		t.Errorf("reply mode = %q", out.Plan.ReplyMode)
	}

	// user, assistant tool-call, tool result, assistant final.
	window, err := sessions.GetContext(context.Background(), "private:u1")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if len(window) != 4 {
		t.Fatalf("window length: got %d, want 4", len(window))
	}
	if window[2].Role != "tool" || window[2].ToolCallID != "c1" {
		t.Errorf("tool turn = %+v", window[2])
	}
}

func TestHandleMessagePersistFailureDropsReply(t *testing.T) {
	backend := &scriptedBackend{replies: []*llm.Response{finalResponse("lost reply")}}
	engine, sessions := newTestEngine(t, backend, nil)

	// Warm the window cache so assembly still works after the database
	// goes away and the failure lands on the append.
	if err := sessions.Append(context.Background(), "private:u1", "u1", session.Message{Role: "user", Content: "earlier"}); err != nil {
		t.Fatalf("seed append: %v", err)
	}
	sessions.Close()

	if _, err := engine.HandleMessage(context.Background(), Incoming{Text: "hi", UserID: "u1"}); err == nil {
		t.Error("expected error when persistence fails")
	}
}
