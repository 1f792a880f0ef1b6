// Package search implements the web search backends behind the
// web_search tool.
//
// Each backend implements the [Provider] interface and is registered
// with a [Manager] by name. The manager picks the configured primary
// provider and exposes the plain-text summary interface the tool layer
// consumes.
package search

import (
	"context"
	"fmt"
	"strings"
)

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options tune a single query.
type Options struct {
	// Count caps the number of results. Zero means the manager default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 code (e.g. "en").
	Language string `json:"language,omitempty"`
}

// Provider is a search backend.
type Provider interface {
	// Name identifies the backend ("searxng", "brave").
	Name() string

	Query(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager routes queries to the configured primary provider.
type Manager struct {
	providers  map[string]Provider
	primary    string
	maxResults int
}

// NewManager creates a manager that routes to the named primary
// provider. maxResults bounds result counts when callers don't ask for
// a specific count; zero or negative falls back to 5.
func NewManager(primary string, maxResults int) *Manager {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Manager{
		providers:  make(map[string]Provider),
		primary:    primary,
		maxResults: maxResults,
	}
}

// Register adds a provider. Registering the same name twice replaces
// the earlier one.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	_, ok := m.providers[m.primary]
	return ok
}

// Results runs a query against the primary provider and returns the
// raw hits.
func (m *Manager) Results(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	if opts.Count <= 0 {
		opts.Count = m.maxResults
	}
	return p.Query(ctx, query, opts)
}

// Search runs a query and returns a plain-text summary. This is the
// surface the web_search tool handler calls.
func (m *Manager) Search(ctx context.Context, query string) (string, error) {
	results, err := m.Results(ctx, query, Options{})
	if err != nil {
		return "", err
	}
	return Format(results), nil
}

// Format renders results as a numbered plain-text list for model
// consumption. An empty slice renders to an empty string so the tool
// layer can supply its own "no results" message.
func Format(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "\n   %s", r.Snippet)
		}
	}
	return b.String()
}
