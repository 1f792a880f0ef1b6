// Ember is a chat agent core with per-session context, a tool-calling
// loop, long-term memory, and per-request traces.
//
// It exposes a small HTTP API that platform adapters (Telegram bridges,
// web frontends, test harnesses) post messages to. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	ember serve              Start the API server
//	ember ask <question>     Ask a single question (for testing)
//	ember version            Print version and build information
//	ember -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ember-chat/ember/internal/agent"
	"github.com/ember-chat/ember/internal/api"
	"github.com/ember-chat/ember/internal/buildinfo"
	"github.com/ember-chat/ember/internal/config"
	"github.com/ember-chat/ember/internal/embeddings"
	"github.com/ember-chat/ember/internal/llm"
	"github.com/ember-chat/ember/internal/memory"
	"github.com/ember-chat/ember/internal/search"
	"github.com/ember-chat/ember/internal/session"
	"github.com/ember-chat/ember/internal/tools"
	"github.com/ember-chat/ember/internal/trace"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run]. Keeping os.Exit, os.Stdout, and os.Args out of
// the application logic lets tests drive the full lifecycle.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes run() impossible
// to call concurrently from tests, and the argument surface here is
// small enough that manual parsing stays readable.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: ember ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "ember %s\n", buildinfo.Version)
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ember - Chat Agent Core")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ember [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ember/config.yaml, /etc/ember/config.yaml")
	return nil
}

// runAsk boots a minimal engine against a throwaway data directory and
// processes a single question. Useful for smoke tests without starting
// the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		// ask should work without a config file; fall back to defaults
		// so a local Ollama answers out of the box.
		cfg = config.Default()
	}

	backend := llm.NewOpenAIClient(logger, cfg.Backend.BaseURL, cfg.Backend.APIKeys, cfg.Backend.ExtraHeaders)

	// A single question needs no durable state.
	tmpDir, err := os.MkdirTemp("", "ember-ask-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	sessions, err := session.NewStore(filepath.Join(tmpDir, "sessions.db"), session.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()

	engine := agent.NewEngine(agent.EngineDeps{
		Config:       cfg,
		Backend:      backend,
		Sessions:     sessions,
		Registry:     tools.NewRegistry(),
		Logger:       logger,
		SystemPrompt: cfg.SystemPrompt,
	})

	out, err := engine.HandleMessage(ctx, agent.Incoming{
		Text:   strings.Join(args, " "),
		UserID: "cli",
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, out.Reply)
	return nil
}

// runServe is the primary operating mode: load config, open the stores,
// assemble the engine, start the HTTP API, and block until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting ember", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger only covers the startup
	// banner and config errors.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, err = config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Backend.Model)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions.db"), session.Options{
		MaxContext: cfg.Context.MaxContext,
		Multiplier: cfg.Context.Multiplier,
		CacheSize:  cfg.Context.CacheSize,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()

	backend := llm.NewOpenAIClient(logger, cfg.Backend.BaseURL, cfg.Backend.APIKeys, cfg.Backend.ExtraHeaders)

	// A quick reachability probe. The server still starts when the
	// backend is down; requests fail individually until it returns.
	{
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := backend.Ping(pingCtx); err != nil {
			logger.Warn("model backend unreachable at startup", "base_url", cfg.Backend.BaseURL, "error", err)
		}
		cancel()
	}

	var embedder memory.Embedder
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	}

	var memStore *memory.Store
	if cfg.Memory.Enabled || cfg.Memory.RetrievalEnabled {
		memStore, err = memory.NewStore(filepath.Join(cfg.DataDir, "memory.db"), memory.Options{
			Embedder:      embedder,
			TopK:          cfg.Memory.SearchTopK,
			MinSimilarity: float32(cfg.Memory.MinSimilarity),
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		defer memStore.Close()
	}

	var retriever *memory.Retriever
	if cfg.Memory.RetrievalEnabled && memStore != nil {
		retriever = memory.NewRetriever(backend, memStore, sessions, memory.RetrieverOptions{
			Model:         cfg.Backend.Model,
			MaxIterations: cfg.Memory.RetrievalMaxIters,
			StepTimeout:   time.Duration(cfg.Memory.RetrievalTimeout) * time.Second,
			MaxChars:      cfg.Memory.InjectionMaxChars,
			TopK:          cfg.Memory.SearchTopK,
			Logger:        logger,
		})
		logger.Info("memory retrieval enabled", "max_iterations", cfg.Memory.RetrievalMaxIters)
	}

	var traces *trace.Store
	if cfg.Trace.Enabled {
		traces, err = trace.NewStore(filepath.Join(cfg.DataDir, "traces.db"), trace.Options{
			RetentionDays: cfg.Trace.RetentionDays,
			MaxRows:       cfg.Trace.MaxRows,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("open trace store: %w", err)
		}
		defer traces.Close()
	}

	registry := tools.NewRegistry()
	builtins := tools.BuiltinDeps{
		History:        sessions,
		ResultMaxChars: cfg.Tools.ResultMaxChars,
	}
	if cfg.Search.Configured() {
		mgr := search.NewManager(cfg.Search.Provider, cfg.Search.MaxResults)
		switch cfg.Search.Provider {
		case "searxng":
			mgr.Register(search.NewSearXNG(cfg.Search.SearXNGURL))
		case "brave":
			mgr.Register(search.NewBrave(cfg.Search.BraveAPIKey))
		}
		builtins.Searcher = mgr
		logger.Info("web search enabled", "provider", cfg.Search.Provider)
	}
	if memStore != nil {
		builtins.Memory = memStore
	}
	tools.RegisterBuiltins(registry, builtins)
	logger.Info("tools registered", "builtin", registry.Names(tools.SourceBuiltin))

	deps := agent.EngineDeps{
		Config:       cfg,
		Backend:      backend,
		Sessions:     sessions,
		Registry:     registry,
		Memory:       memStore,
		Retriever:    retriever,
		Logger:       logger,
		SystemPrompt: cfg.SystemPrompt,
	}
	if traces != nil {
		deps.Traces = traces
	}
	engine := agent.NewEngine(deps)

	server := api.NewServer(api.Options{
		Addr:          fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Engine:        engine,
		Sessions:      sessions,
		Traces:        traces,
		Logger:        logger,
		RatePerSecond: cfg.Listen.RatePerSecond,
		RateBurst:     cfg.Listen.RateBurst,
	})

	logger.Info("api listening", "address", cfg.Listen.Address, "port", cfg.Listen.Port)
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("ember stopped")
	return nil
}

// newLogger standardizes slog handler configuration across subcommands.
// Format must be "text" or "json"; any other value defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
