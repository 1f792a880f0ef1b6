package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ember-chat/ember/internal/llm"
	"github.com/ember-chat/ember/internal/session"
)

// InjectionHeader prefixes every retrieval injection block. The planner
// detects it to avoid stacking a second memory injection on top.
const InjectionHeader = "[Retrieved Memory]"

// HistorySearcher searches the session message archive.
type HistorySearcher interface {
	SearchArchive(ctx context.Context, key, query string, limit int) ([]session.ArchivedMessage, error)
}

// Query is one retrieval request.
type Query struct {
	Text       string
	SessionKey string
	UserID     string
	GroupID    string
}

// RetrieverOptions configures a Retriever.
type RetrieverOptions struct {
	Model         string
	MaxIterations int
	StepTimeout   time.Duration
	MaxChars      int // injection budget, ellipsis included
	TopK          int
	Logger        *slog.Logger
}

// Retriever runs a small decision loop against the backend to pull
// relevant facts and history into a bounded injection block. It is
// strictly best effort: every failure path returns the empty string so
// the main turn proceeds without an injection.
type Retriever struct {
	backend llm.Client
	store   *Store
	history HistorySearcher
	opts    RetrieverOptions
}

// NewRetriever creates a retriever. history may be nil; the
// query_history action then reports no results.
func NewRetriever(backend llm.Client, store *Store, history HistorySearcher, opts RetrieverOptions) *Retriever {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 3
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 15 * time.Second
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Retriever{backend: backend, store: store, history: history, opts: opts}
}

const retrievalSystemPrompt = `You decide what stored context is relevant to a user message.
Respond with exactly one JSON object, no prose:
  {"action": "query_memory", "query": "<search terms>"} to search stored facts
  {"action": "query_history", "query": "<search terms>"} to search past conversation messages
  {"action": "found_answer", "answer": "<one-line summary of what you found>"} when done
Use found_answer with an empty answer if nothing stored is relevant.`

type retrievalAction struct {
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
	Answer string `json:"answer,omitempty"`
}

// Retrieve runs the decision loop and returns the injection block, or
// "" when nothing relevant was found or anything failed.
func (r *Retriever) Retrieve(ctx context.Context, q Query) string {
	msgs := []llm.Message{
		{Role: "system", Content: retrievalSystemPrompt},
		{Role: "user", Content: "User message: " + q.Text},
	}

	var observations []string
	var answer string

	for i := 0; i < r.opts.MaxIterations; i++ {
		action, ok := r.step(ctx, &msgs)
		if !ok {
			return ""
		}
		if action.Action == "found_answer" {
			answer = action.Answer
			break
		}

		var obs string
		switch action.Action {
		case "query_memory":
			obs = r.queryMemory(ctx, q.SessionKey, action.Query)
		case "query_history":
			obs = r.queryHistory(ctx, q.SessionKey, action.Query)
		default:
			r.opts.Logger.Debug("retrieval returned unknown action", "action", action.Action)
			return ""
		}
		observations = appendObservation(observations, obs)
		msgs = append(msgs, llm.Message{Role: "user", Content: "Observation:\n" + obs})
	}

	if answer == "" && len(observations) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(InjectionHeader)
	if answer != "" {
		b.WriteString("\n")
		b.WriteString(answer)
	}
	for _, obs := range observations {
		b.WriteString("\n")
		b.WriteString(obs)
	}
	return truncateBudget(b.String(), r.opts.MaxChars)
}

// step runs one decision call, bounded by the step timeout.
func (r *Retriever) step(ctx context.Context, msgs *[]llm.Message) (retrievalAction, bool) {
	stepCtx, cancel := context.WithTimeout(ctx, r.opts.StepTimeout)
	defer cancel()

	resp, err := r.backend.Chat(stepCtx, llm.Request{
		Messages: *msgs,
		Model:    r.opts.Model,
	})
	if err != nil {
		r.opts.Logger.Debug("retrieval decision call failed", "error", err)
		return retrievalAction{}, false
	}

	*msgs = append(*msgs, llm.Message{Role: "assistant", Content: resp.Message.Content})

	var action retrievalAction
	raw := stripCodeFence(resp.Message.PlainText())
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		r.opts.Logger.Debug("retrieval action not parseable", "error", err)
		return retrievalAction{}, false
	}
	return action, true
}

func (r *Retriever) queryMemory(ctx context.Context, sessionKey, query string) string {
	facts, err := r.store.Search(ctx, sessionKey, query, r.opts.TopK)
	if err != nil {
		r.opts.Logger.Debug("retrieval memory search failed", "error", err)
		return "memory search unavailable"
	}
	if len(facts) == 0 {
		return "no stored facts match"
	}
	var lines []string
	for _, f := range facts {
		lines = append(lines, "- "+f.Content)
	}
	return strings.Join(lines, "\n")
}

func (r *Retriever) queryHistory(ctx context.Context, sessionKey, query string) string {
	if r.history == nil {
		return "history search unavailable"
	}
	hits, err := r.history.SearchArchive(ctx, sessionKey, query, r.opts.TopK)
	if err != nil {
		r.opts.Logger.Debug("retrieval history search failed", "error", err)
		return "history search unavailable"
	}
	if len(hits) == 0 {
		return "no past messages match"
	}
	var lines []string
	for _, h := range hits {
		lines = append(lines, fmt.Sprintf("- %s: %s", h.Role, h.Content))
	}
	return strings.Join(lines, "\n")
}

func appendObservation(observations []string, obs string) []string {
	switch obs {
	case "", "no stored facts match", "no past messages match",
		"memory search unavailable", "history search unavailable":
		return observations
	}
	return append(observations, obs)
}

// truncateBudget hard-caps the block at maxChars raw characters. A cut
// block is exactly maxChars long and ends in "...".
func truncateBudget(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	if maxChars <= 3 {
		return "..."[:maxChars]
	}
	return s[:maxChars-3] + "..."
}

// stripCodeFence unwraps a ```json fenced block if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
