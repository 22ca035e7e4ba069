// Command quartermaster is the main entry point for the Quartermaster tool
// orchestration server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/config"
	"github.com/mirefall/quartermaster/internal/observe"
	"github.com/mirefall/quartermaster/internal/orchestrator"
	"github.com/mirefall/quartermaster/internal/selection"
	"github.com/mirefall/quartermaster/internal/semindex"
	"github.com/mirefall/quartermaster/internal/semindex/pgstore"
	"github.com/mirefall/quartermaster/internal/tools"
	"github.com/mirefall/quartermaster/internal/tools/diceroller"
	"github.com/mirefall/quartermaster/internal/tools/lorebook"
	"github.com/mirefall/quartermaster/pkg/provider/embeddings"
	ollamaembed "github.com/mirefall/quartermaster/pkg/provider/embeddings/ollama"
	oaembed "github.com/mirefall/quartermaster/pkg/provider/embeddings/openai"
	"github.com/mirefall/quartermaster/pkg/provider/llm"
	"github.com/mirefall/quartermaster/pkg/provider/llm/anyllm"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "quartermaster: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "quartermaster: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("quartermaster starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	obs, err := observe.Init("quartermaster")
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics()
	if err != nil {
		slog.Error("failed to create instruments", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	var embedProvider embeddings.Provider
	if name := cfg.Providers.Embeddings.Name; name != "" {
		embedProvider, err = reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			slog.Error("failed to create embeddings provider", "name", name, "err", err)
			return 1
		}
		slog.Info("provider created", "kind", "embeddings", "name", name)
	} else {
		slog.Info("embeddings disabled; ranking selection modes will be unavailable")
	}

	// ── Catalog ───────────────────────────────────────────────────────────────
	cat := catalog.New(
		catalog.WithOverrides(cfg.Tools.Overrides...),
		catalog.WithLogger(logger),
	)
	if err := tools.RegisterAll(cat, diceroller.Tools()); err != nil {
		slog.Error("failed to register builtin tools", "err", err)
		return 1
	}
	if err := tools.RegisterAll(cat, lorebook.Tools()); err != nil {
		slog.Error("failed to register builtin tools", "err", err)
		return 1
	}

	importer := catalog.NewMCPImporter()
	defer func() {
		if err := importer.Close(); err != nil {
			slog.Warn("mcp importer close error", "err", err)
		}
	}()
	for _, srv := range cfg.MCP.Servers {
		n, err := importer.Import(ctx, cat, srv.ImportConfig())
		if err != nil {
			slog.Error("failed to import mcp server", "server", srv.Name, "err", err)
			return 1
		}
		slog.Info("mcp server imported", "server", srv.Name, "tools", n)
	}
	cat.Seal()
	metrics.SetCatalogSize(ctx, cat.Len())
	slog.Info("catalog sealed", "tools", cat.Len())

	// ── Index manager ─────────────────────────────────────────────────────────
	var index *semindex.Manager
	if embedProvider != nil {
		var store semindex.Store = semindex.NullStore{}
		if dsn := cfg.Index.PostgresDSN; dsn != "" {
			pg, err := pgstore.New(ctx, dsn)
			if err != nil {
				slog.Error("failed to connect snapshot store", "err", err)
				return 1
			}
			defer pg.Close()
			store = pg
			slog.Info("snapshot store connected")
		}

		opts := []semindex.ManagerOption{
			semindex.WithInstruction(cfg.Index.Instruction),
			semindex.WithLogger(logger),
		}
		if cfg.Index.Weights != nil {
			opts = append(opts, semindex.WithWeights(*cfg.Index.Weights))
		}
		index = semindex.NewManager(embedProvider, cfg.Providers.Embeddings.Name, store, cat, opts...)

		// Warm the index so the first request does not pay the build.
		_, warmErr := index.EnsureBuilt(ctx)
		if warmErr != nil {
			slog.Warn("index warm-up failed; first ranked request will retry", "err", warmErr)
		}
		metrics.RecordIndexBuild(ctx, warmErr)
		metrics.SetIndexReady(ctx, index.Ready())
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	gate := &catalog.Gate{Concurrency: cfg.Gate.Concurrency, Logger: logger}
	selOpts := []selection.SelectorOption{selection.WithLogger(logger)}
	if cfg.Selection.Top1Threshold > 0 || cfg.Selection.AdaptiveThreshold > 0 {
		top1 := cfg.Selection.Top1Threshold
		if top1 == 0 {
			top1 = selection.DefaultTop1Threshold
		}
		adaptive := cfg.Selection.AdaptiveThreshold
		if adaptive == 0 {
			adaptive = selection.DefaultAdaptiveThreshold
		}
		selOpts = append(selOpts, selection.WithThresholds(top1, adaptive))
	}
	selector := selection.NewSelector(cat, gate, index, selOpts...)

	engineOpts := []orchestrator.EngineOption{
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	}
	if cfg.Selection.Mode != "" {
		engineOpts = append(engineOpts, orchestrator.WithDefaultMode(cfg.Selection.Mode))
	}
	engine := orchestrator.NewEngine(cat, selector, llmProvider, engineOpts...)

	printStartupSummary(cfg, cat.Len())

	// ── HTTP endpoints ────────────────────────────────────────────────────────
	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("POST /v1/orchestrate", orchestrateHandler(engine, &cfg.Selection))
	srv := &http.Server{Addr: listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "listen_addr", listenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims, ok := intOption(entry.Options, "dimensions"); ok {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// intOption reads an integer from a provider options map. YAML integers
// decode as int.
func intOption(options map[string]any, key string) (int, bool) {
	n, ok := options[key].(int)
	return n, ok
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, toolCount int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      Quartermaster — startup summary  ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	mode := string(cfg.Selection.Mode)
	if mode == "" {
		mode = string(selection.ModeNarrowTopK)
	}
	fmt.Printf("║  Selection mode  : %-19s ║\n", mode)
	fmt.Printf("║  Tools           : %-19d ║\n", toolCount)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Index.PostgresDSN != "" {
		fmt.Printf("║  Snapshot store  : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Snapshot store  : %-19s ║\n", "(in-memory)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
