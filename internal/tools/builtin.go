package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ember-chat/ember/internal/session"
)

// Searcher performs a web search and returns a text summary. The HTTP
// implementation lives with the composition root so the registry stays
// transport-free.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// HistorySearcher is the slice of the session store the history tool needs.
type HistorySearcher interface {
	SearchArchive(ctx context.Context, key, query string, limit int) ([]session.ArchivedMessage, error)
}

// MemoryStore is the slice of the long-term memory store the remember
// and recall tools need.
type MemoryStore interface {
	AddFact(ctx context.Context, sessionKey, userID, content string) error
	Recall(ctx context.Context, sessionKey, query string, topK int) ([]string, error)
}

// BuiltinDeps carries the backends the builtin tools call into. Nil
// fields disable the corresponding tools.
type BuiltinDeps struct {
	Searcher Searcher
	History  HistorySearcher
	Memory   MemoryStore

	ResultMaxChars int
}

// RegisterBuiltins registers the builtin tool set against deps.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	if deps.Searcher != nil {
		r.Register(Definition{
			Name:        "web_search",
			Description: "Search the web for current information. Use for facts you don't know or events after your knowledge cutoff.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query",
					},
				},
				"required": []string{"query"},
			},
			Source:  SourceBuiltin,
			Handler: webSearchHandler(deps),
		})
	}

	if deps.History != nil {
		r.Register(Definition{
			Name:        "history_search",
			Description: "Search earlier messages in this conversation's archive, including messages trimmed out of the live window.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Text to look for in past messages",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum results to return (default 10)",
					},
				},
				"required": []string{"query"},
			},
			Source:  SourceBuiltin,
			Handler: historySearchHandler(deps),
		})
	}

	if deps.Memory != nil {
		r.Register(Definition{
			Name:        "remember",
			Description: "Store a fact about the user or conversation in long-term memory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{
						"type":        "string",
						"description": "The fact to remember, phrased as a standalone statement",
					},
				},
				"required": []string{"content"},
			},
			Source:  SourceBuiltin,
			Handler: rememberHandler(deps),
		})

		r.Register(Definition{
			Name:        "recall_memory",
			Description: "Look up previously stored facts relevant to a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look for",
					},
				},
				"required": []string{"query"},
			},
			Source:  SourceBuiltin,
			Handler: recallHandler(deps),
		})
	}
}

func webSearchHandler(deps BuiltinDeps) Handler {
	return func(ctx context.Context, args map[string]any, _ string) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("query is required")
		}
		result, err := deps.Searcher.Search(ctx, query)
		if err != nil {
			return "", fmt.Errorf("web search: %w", err)
		}
		if result == "" {
			return "No results found.", nil
		}
		return TruncateResult(result, deps.ResultMaxChars), nil
	}
}

func historySearchHandler(deps BuiltinDeps) Handler {
	return func(ctx context.Context, args map[string]any, _ string) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("query is required")
		}
		limit := 10
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}

		key := SessionKeyFromContext(ctx)
		hits, err := deps.History.SearchArchive(ctx, key, query, limit)
		if err != nil {
			return "", fmt.Errorf("history search: %w", err)
		}
		if len(hits) == 0 {
			return "No matching messages found.", nil
		}

		var b strings.Builder
		for _, h := range hits {
			fmt.Fprintf(&b, "[%s] %s: %s\n", h.Timestamp.Format("2006-01-02 15:04"), h.Role, h.Content)
		}
		return TruncateResult(b.String(), deps.ResultMaxChars), nil
	}
}

func rememberHandler(deps BuiltinDeps) Handler {
	return func(ctx context.Context, args map[string]any, _ string) (string, error) {
		content, _ := args["content"].(string)
		if content == "" {
			return "", fmt.Errorf("content is required")
		}
		key := SessionKeyFromContext(ctx)
		userID := UserIDFromContext(ctx)
		if err := deps.Memory.AddFact(ctx, key, userID, content); err != nil {
			return "", fmt.Errorf("store fact: %w", err)
		}
		return "Remembered.", nil
	}
}

func recallHandler(deps BuiltinDeps) Handler {
	return func(ctx context.Context, args map[string]any, _ string) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("query is required")
		}
		key := SessionKeyFromContext(ctx)
		facts, err := deps.Memory.Recall(ctx, key, query, 5)
		if err != nil {
			return "", fmt.Errorf("recall: %w", err)
		}
		if len(facts) == 0 {
			return "No stored memories match.", nil
		}
		var b strings.Builder
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		return TruncateResult(b.String(), deps.ResultMaxChars), nil
	}
}
