package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChatParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["stream"] != false {
			t.Error("stream must be false")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices": [{"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"id": "call_1", "type": "function",
				"function": {"name": "web_search", "arguments": "{\"query\":\"go\"}"}}]
		}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(discardLogger(), srv.URL, nil, nil)
	resp, err := c.Chat(context.Background(), Request{Model: "test", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "web_search" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"query":"go"}` {
		t.Errorf("arguments kept raw, got %q", tc.Function.Arguments)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChatRotatesKeyOn401(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer key-bad" {
			http.Error(w, `{"error": {"message": "invalid key"}}`, http.StatusUnauthorized)
			return
		}
		if n < 2 {
			t.Error("good key used before rotation")
		}
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(discardLogger(), srv.URL, []string{"key-bad", "key-good"}, nil)
	resp, err := c.Chat(context.Background(), Request{Model: "test"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.APIKeyUsed != "key-good" {
		t.Errorf("served by %q, want key-good", resp.APIKeyUsed)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("backend saw %d calls, want 2", got)
	}
}

func TestChatSingleKeyNoRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(discardLogger(), srv.URL, []string{"only-key"}, nil)
	if _, err := c.Chat(context.Background(), Request{Model: "test"}); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend saw %d calls, want 1 (no other key to rotate to)", got)
	}
}

func TestChatKeylessBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want unset for keyless backend", got)
		}
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "local"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(discardLogger(), srv.URL, nil, nil)
	resp, err := c.Chat(context.Background(), Request{Model: "test"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "local" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAIClient(discardLogger(), srv.URL, nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := c.Chat(context.Background(), Request{Model: "test"}); err == nil {
			t.Fatal("expected failure")
		}
	}

	_, err := c.Chat(context.Background(), Request{Model: "test"})
	if err != ErrBackendUnavailable {
		t.Errorf("after trip: err = %v, want ErrBackendUnavailable", err)
	}
}

func TestExtraHeadersSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Title"); got != "ember" {
			t.Errorf("X-Title = %q", got)
		}
		w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "hi"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(discardLogger(), srv.URL, nil, map[string]string{"X-Title": "ember"})
	if _, err := c.Chat(context.Background(), Request{Model: "test"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}
