package trace

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	store, err := NewStore(dbPath, Options{RetentionDays: 7, MaxRows: 100})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConcurrentAppendsKeepEveryEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Begin(ctx, "req-1", "private:u1", "u1", "")

	const writers = 32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			store.AppendEvent(ctx, "req-1", Event{
				Type: "tool_start",
				Tool: fmt.Sprintf("tool-%d", n),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	tr, err := store.GetTrace(ctx, "req-1")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if len(tr.Events) != writers {
		t.Fatalf("events: got %d, want %d", len(tr.Events), writers)
	}
	seen := make(map[string]bool, writers)
	for _, ev := range tr.Events {
		seen[ev.Tool] = true
	}
	if len(seen) != writers {
		t.Errorf("distinct tools: got %d, want %d", len(seen), writers)
	}
}

func TestTraceLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Begin(ctx, "req-1", "private:u1", "u1", "")
	store.SetPlan(ctx, "req-1", map[string]any{"reply_mode": "tool_loop"})
	store.AppendEvent(ctx, "req-1", Event{Type: "before_llm", Round: 1})
	store.AppendEvent(ctx, "req-1", Event{Type: "tool_start", Round: 1, Tool: "web_search"})
	store.AppendEvent(ctx, "req-1", Event{Type: "tool_end", Round: 1, Tool: "web_search"})
	store.AppendEvent(ctx, "req-1", Event{Type: "after_llm", Round: 1})

	tr, err := store.GetTrace(ctx, "req-1")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if tr == nil {
		t.Fatal("trace missing")
	}
	if tr.SessionKey != "private:u1" {
		t.Errorf("session key = %q", tr.SessionKey)
	}
	if len(tr.Events) != 4 {
		t.Fatalf("events: got %d, want 4", len(tr.Events))
	}
	if tr.Events[1].Tool != "web_search" {
		t.Errorf("event tool = %q", tr.Events[1].Tool)
	}
	if tr.Plan == nil {
		t.Error("plan missing")
	}
	for i, ev := range tr.Events {
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d missing timestamp", i)
		}
	}
}

func TestGetTraceMissing(t *testing.T) {
	store := newTestStore(t)

	tr, err := store.GetTrace(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	if tr != nil {
		t.Errorf("expected nil for unknown id, got %+v", tr)
	}
}

func TestListRecentFiltersBySession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Begin(ctx, "req-a", "private:a", "a", "")
	time.Sleep(5 * time.Millisecond)
	store.Begin(ctx, "req-b", "group:g", "b", "g")

	all, err := store.ListRecent(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all traces: got %d, want 2", len(all))
	}

	one, err := store.ListRecent(ctx, "group:g", 10)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(one) != 1 || one[0].RequestID != "req-b" {
		t.Errorf("filtered = %+v", one)
	}
}

func TestAppendEventUnknownRequestIsSilent(t *testing.T) {
	store := newTestStore(t)

	// Must not panic or error; traces are best effort.
	store.AppendEvent(context.Background(), "ghost", Event{Type: "before_llm"})
}
