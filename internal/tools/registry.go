// Package tools defines the source-tagged registry of callable tools.
package tools

import (
	"context"
	"sort"
	"sync"
)

// Source identifies where a tool definition came from. Dynamic sources
// can be cleared and re-registered as a unit when their backend reloads.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceMCP     Source = "mcp"
	SourcePlugin  Source = "plugin"
)

func (s Source) dynamic() bool {
	return s == SourceMCP || s == SourcePlugin
}

// Handler executes one tool call. groupID scopes tools that read
// per-conversation state; it is empty for direct chats.
type Handler func(ctx context.Context, args map[string]any, groupID string) (string, error)

// Definition describes a callable tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
	Handler     Handler
	Source      Source
}

// Registry holds the tools available to the agent. All methods are safe
// for concurrent use; readers that execute tools should take a Handlers
// snapshot once per round rather than holding the registry lock.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty registry. Callers register builtins and
// dynamic sources at composition time; there is no package-level
// default instance.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds a tool. A second registration under the same name
// replaces the first, whatever its source.
func (r *Registry) Register(def Definition) {
	if def.Source == "" {
		def.Source = SourceBuiltin
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// ClearSources removes every tool whose source is in the given set.
// Used when a dynamic backend reconnects and re-announces its tools.
func (r *Registry) ClearSources(sources ...Source) {
	set := make(map[Source]bool, len(sources))
	for _, s := range sources {
		set[s] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, def := range r.tools {
		if set[def.Source] {
			delete(r.tools, name)
		}
	}
}

// Handlers returns a point-in-time snapshot of name to handler. The
// tool loop resolves calls against one snapshot for a whole round, so
// concurrent re-registration never mixes two registry states mid-round.
func (r *Registry) Handlers() map[string]Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Handler, len(r.tools))
	for name, def := range r.tools {
		out[name] = def.Handler
	}
	return out
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// OpenAISchemas renders the registered tools as OpenAI function-call
// schemas, ordered by name so prompts are stable across runs.
func (r *Registry) OpenAISchemas(allow []string) []map[string]any {
	allowed := map[string]bool{}
	for _, name := range allow {
		allowed[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if len(allow) > 0 && !allowed[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		def := r.tools[name]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  def.Parameters,
			},
		})
	}
	return out
}

// Names returns the registered tool names for a source, sorted. An
// empty source returns every name.
func (r *Registry) Names(source Source) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, def := range r.tools {
		if source == "" || def.Source == source {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// EffectiveAllowlist resolves the tool surface for one turn: the
// configured base names that are actually registered, plus, when
// includeDynamic is set, every mcp/plugin tool currently present. An
// empty base with dynamic tools registered still yields the dynamic
// names, so a deployment configured only with dynamic backends works.
func (r *Registry) EffectiveAllowlist(base []string, includeDynamic bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for _, name := range base {
		if _, ok := r.tools[name]; ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if includeDynamic {
		for name, def := range r.tools {
			if def.Source.dynamic() && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}
