package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ember-chat/ember/internal/session"
)

type fakeSearcher struct {
	result string
	err    error
	gotQ   string
}

func (f *fakeSearcher) Search(ctx context.Context, query string) (string, error) {
	f.gotQ = query
	return f.result, f.err
}

type fakeHistory struct {
	hits   []session.ArchivedMessage
	gotKey string
}

func (f *fakeHistory) SearchArchive(ctx context.Context, key, query string, limit int) ([]session.ArchivedMessage, error) {
	f.gotKey = key
	return f.hits, nil
}

type fakeMemory struct {
	facts  []string
	stored []string
}

func (f *fakeMemory) AddFact(ctx context.Context, sessionKey, userID, content string) error {
	f.stored = append(f.stored, content)
	return nil
}

func (f *fakeMemory) Recall(ctx context.Context, sessionKey, query string, topK int) ([]string, error) {
	return f.facts, nil
}

func TestRegisterBuiltinsSkipsNilDeps(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinDeps{Searcher: &fakeSearcher{}})

	names := r.Names(SourceBuiltin)
	if len(names) != 1 || names[0] != "web_search" {
		t.Errorf("names = %v, want [web_search]", names)
	}
}

func TestWebSearchTruncates(t *testing.T) {
	searcher := &fakeSearcher{result: strings.Repeat("r", 50)}
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinDeps{Searcher: searcher, ResultMaxChars: 20})

	def, _ := r.Get("web_search")
	got, err := def.Handler(context.Background(), map[string]any{"query": "go"}, "")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if want := strings.Repeat("r", 20) + "..."; got != want {
		t.Errorf("result = %q, want %q", got, want)
	}
	if searcher.gotQ != "go" {
		t.Errorf("query = %q, want %q", searcher.gotQ, "go")
	}
}

func TestWebSearchRequiresQuery(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinDeps{Searcher: &fakeSearcher{}})

	def, _ := r.Get("web_search")
	if _, err := def.Handler(context.Background(), map[string]any{}, ""); err == nil {
		t.Error("expected error for missing query")
	}
}

func TestHistorySearchUsesSessionFromContext(t *testing.T) {
	history := &fakeHistory{hits: []session.ArchivedMessage{
		{Role: "user", Content: "pizza friday", Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}}
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinDeps{History: history})

	ctx := WithSession(context.Background(), "group:g7", "u1")
	def, _ := r.Get("history_search")
	got, err := def.Handler(ctx, map[string]any{"query": "pizza"}, "g7")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if history.gotKey != "group:g7" {
		t.Errorf("session key = %q, want %q", history.gotKey, "group:g7")
	}
	if !strings.Contains(got, "pizza friday") {
		t.Errorf("result missing hit: %q", got)
	}
}

func TestRememberAndRecall(t *testing.T) {
	mem := &fakeMemory{facts: []string{"likes green tea"}}
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinDeps{Memory: mem})

	ctx := WithSession(context.Background(), "private:u1", "u1")

	remember, _ := r.Get("remember")
	if _, err := remember.Handler(ctx, map[string]any{"content": "likes green tea"}, ""); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if len(mem.stored) != 1 {
		t.Fatalf("stored facts: got %d, want 1", len(mem.stored))
	}

	recall, _ := r.Get("recall_memory")
	got, err := recall.Handler(ctx, map[string]any{"query": "tea"}, "")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !strings.Contains(got, "likes green tea") {
		t.Errorf("recall result = %q", got)
	}
}

func TestRecallEmpty(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinDeps{Memory: &fakeMemory{}})

	def, _ := r.Get("recall_memory")
	got, err := def.Handler(context.Background(), map[string]any{"query": "anything"}, "")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if got != "No stored memories match." {
		t.Errorf("result = %q", got)
	}
}
