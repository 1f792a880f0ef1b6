// Package config handles Ember configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ember/config.yaml, /etc/ember/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ember", "config.yaml"))
	}

	paths = append(paths, "/etc/ember/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Ember configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Backend    BackendConfig    `yaml:"backend"`
	Context    ContextConfig    `yaml:"context"`
	Tools      ToolsConfig      `yaml:"tools"`
	Memory     MemoryConfig     `yaml:"memory"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Search     SearchConfig     `yaml:"search"`
	Media      MediaConfig      `yaml:"media"`
	Trace      TraceConfig      `yaml:"trace"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	// SystemPrompt is the base persona prepended to every model call.
	SystemPrompt string `yaml:"system_prompt"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`

	// Per-client request rate limiting. Zero values use server defaults.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// BackendConfig defines the model backend connection.
// The backend speaks the OpenAI chat-completions wire format.
type BackendConfig struct {
	BaseURL      string            `yaml:"base_url"`
	APIKeys      []string          `yaml:"api_keys"` // rotated on auth/quota errors
	Model        string            `yaml:"model"`
	Temperature  float64           `yaml:"temperature"`
	MaxTokens    int               `yaml:"max_tokens"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
}

// ContextConfig bounds the per-session conversation window.
type ContextConfig struct {
	// MaxContext is the number of messages assembled for a model call.
	MaxContext int `yaml:"max_context"`
	// Multiplier sets the trim threshold: when a session holds more than
	// MaxContext*Multiplier messages, the oldest excess is archived.
	Multiplier int `yaml:"multiplier"`
	// CacheSize bounds the in-memory LRU of session windows.
	CacheSize int `yaml:"cache_size"`
}

// ToolsConfig governs the tool-calling loop.
type ToolsConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Allowlist           []string `yaml:"allowlist"`
	MaxIterations       int      `yaml:"max_iterations"`
	TimeoutSec          int      `yaml:"timeout_sec"`      // per tool call
	ResultMaxChars      int      `yaml:"result_max_chars"` // tool result truncation
	ForceFinalOnLimit   bool     `yaml:"force_final_on_limit"`
	IncludeDynamicTools bool     `yaml:"include_dynamic_tools"`
}

// MemoryConfig governs long-term memory and retrieval injection.
type MemoryConfig struct {
	Enabled           bool    `yaml:"enabled"`           // plain LTM injection
	RetrievalEnabled  bool    `yaml:"retrieval_enabled"` // multi-source retrieval agent
	MinSimilarity     float64 `yaml:"min_similarity"`
	SearchTopK        int     `yaml:"search_top_k"`
	RetrievalMaxIters int     `yaml:"retrieval_max_iterations"`
	RetrievalTimeout  int     `yaml:"retrieval_timeout_sec"`
	InjectionMaxChars int     `yaml:"injection_max_chars"`
}

// KnowledgeConfig governs knowledge-base auto injection.
type KnowledgeConfig struct {
	Enabled    bool `yaml:"enabled"`
	AutoInject bool `yaml:"auto_inject"`
}

// SearchConfig selects and configures the web search backend. The
// web_search tool stays unregistered when no provider is configured.
type SearchConfig struct {
	Provider    string `yaml:"provider"` // "searxng" or "brave"
	SearXNGURL  string `yaml:"searxng_url"`
	BraveAPIKey string `yaml:"brave_api_key"`
	MaxResults  int    `yaml:"max_results"`
}

// Configured reports whether the selected provider has what it needs.
func (c SearchConfig) Configured() bool {
	switch c.Provider {
	case "searxng":
		return c.SearXNGURL != ""
	case "brave":
		return c.BraveAPIKey != ""
	}
	return false
}

// MediaConfig sets the default media handling policy when a request
// carries no explicit images: none, caption, or images.
type MediaConfig struct {
	DefaultPolicy string `yaml:"default_policy"`
}

// TraceConfig governs the per-request trace store.
type TraceConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
	MaxRows       int  `yaml:"max_rows"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`    // e.g. nomic-embed-text
	BaseURL string `yaml:"base_url"` // embedding endpoint base URL
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so keys can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with workable defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Backend: BackendConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "qwen3:4b",
			Temperature: 1.0,
		},
		Context: ContextConfig{
			MaxContext: 40,
			Multiplier: 2,
			CacheSize:  200,
		},
		Tools: ToolsConfig{
			MaxIterations:     5,
			TimeoutSec:        20,
			ResultMaxChars:    4000,
			ForceFinalOnLimit: true,
		},
		Memory: MemoryConfig{
			MinSimilarity:     0.5,
			SearchTopK:        5,
			RetrievalMaxIters: 3,
			RetrievalTimeout:  15,
			InjectionMaxChars: 2000,
		},
		Search: SearchConfig{
			Provider:   "searxng",
			MaxResults: 5,
		},
		Media: MediaConfig{DefaultPolicy: "caption"},
		Trace: TraceConfig{
			Enabled:       true,
			RetentionDays: 7,
			MaxRows:       20000,
		},
		SystemPrompt: "You are Ember, a helpful chat assistant. Be concise and direct.",
		DataDir:      "data",
	}
}
