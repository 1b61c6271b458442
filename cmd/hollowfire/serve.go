package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/FateUnix29/Hollowfire-1/internal/api"
	"github.com/FateUnix29/Hollowfire-1/internal/buildinfo"
	"github.com/FateUnix29/Hollowfire-1/internal/completion"
	"github.com/FateUnix29/Hollowfire-1/internal/config"
	"github.com/FateUnix29/Hollowfire-1/internal/connwatch"
	"github.com/FateUnix29/Hollowfire-1/internal/conversation"
	"github.com/FateUnix29/Hollowfire-1/internal/embeddings"
	"github.com/FateUnix29/Hollowfire-1/internal/events"
	"github.com/FateUnix29/Hollowfire-1/internal/fatal"
	"github.com/FateUnix29/Hollowfire-1/internal/llm"
	"github.com/FateUnix29/Hollowfire-1/internal/logging"
	"github.com/FateUnix29/Hollowfire-1/internal/mqtt"
	"github.com/FateUnix29/Hollowfire-1/internal/opstate"
	"github.com/FateUnix29/Hollowfire-1/internal/retrieval"
	"github.com/FateUnix29/Hollowfire-1/internal/server"
	"github.com/FateUnix29/Hollowfire-1/internal/session"
	"github.com/FateUnix29/Hollowfire-1/internal/startouts"
	"github.com/FateUnix29/Hollowfire-1/internal/tools"
	"github.com/FateUnix29/Hollowfire-1/internal/usage"
)

// defaultConversation is created at startup so clients and the ask
// command always have somewhere to talk.
const defaultConversation = "default"

// startoutDebounce collapses editor save bursts into one reload.
const startoutDebounce = 250 * time.Millisecond

// runServe starts the API server and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, f flags) error {
	cfg, cfgPath, err := loadConfig(f)
	if err != nil {
		return err
	}

	consoleLevel, _ := config.ParseLogLevel(cfg.LogLevel) // validated by loadConfig
	if f.verbosity > 0 {
		consoleLevel = config.LevelForVerbosity(f.verbosity)
	}

	// Diagnostics come first so a failed logging setup is still reported.
	diag := &fatal.Diagnostics{Out: stderr}
	if wd, err := os.Getwd(); err == nil {
		diag.Root = wd
	}

	logs, err := logging.Setup(logging.Options{
		Dir:          cfg.LogDir,
		Keep:         cfg.LogKeep,
		Console:      stdout,
		ConsoleLevel: consoleLevel,
		FileLevel:    slog.LevelDebug,
		Format:       cfg.LogFormat,
	})
	if errors.Is(err, logging.ErrAlreadyInitialized) {
		diag.Fatal("logging initialized twice", 1, "error", err)
		return err
	}
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logs.Close()
	logger := logs.Logger
	diag.Logger = logger
	diag.OnExit(func() { logs.Close() })

	logger.Info("starting Hollowfire",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		"provider", cfg.Providers.Default,
		"model", cfg.Models.Default,
		"log_file", logs.Path,
	)

	// --- Data directories ---
	for _, dir := range []string{cfg.DataDir, cfg.MemoryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// --- Persistent stores ---
	statePath := filepath.Join(cfg.DataDir, "hollowfire.db")
	state, err := opstate.NewStore(statePath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", statePath, err)
	}
	defer state.Close()

	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	usageStore, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer usageStore.Close()
	logger.Debug("databases opened", "state", statePath, "usage", usagePath)

	// NotifyContext wraps the parent so SIGINT/SIGTERM cancellation
	// flows through the same ctx every component uses.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	core, err := buildCore(ctx, cfg, coreDeps{
		state:  state,
		usage:  usageStore,
		bus:    bus,
		logger: logger,
	})
	if errors.Is(err, session.ErrNoDefaultStartout) {
		diag.Fatal("default startout template not found", 1,
			"startout", cfg.Startouts.Default,
			"dir", cfg.Startouts.Dir,
			"available", core.startouts.Names(),
		)
		return err
	}
	if err != nil {
		return err
	}

	// --- Startout hot reload ---
	if cfg.Startouts.Watch {
		core.startouts.OnReload(func(names []string) {
			bus.Emit(events.SourceStartouts, events.KindReloaded, map[string]any{"startouts": names})
		})
		if err := core.startouts.Watch(ctx, startoutDebounce); err != nil {
			logger.Warn("startout watching disabled", "error", err)
		} else {
			logger.Info("watching startouts", "dir", cfg.Startouts.Dir)
		}
	}

	// --- Backend health ---
	// Watchers probe each configured backend with exponential backoff so
	// /health reflects reachability without a restart.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	for _, name := range watchedBackends(cfg) {
		p, err := core.providers.New(name)
		if err != nil {
			return err
		}
		connMgr.Watch(ctx, connwatch.Config{
			Name:    name,
			Probe:   connwatch.PingProbe(p),
			Backoff: connwatch.DefaultBackoff(),
			OnUp: func() {
				bus.Emit(events.SourceConnwatch, events.KindBackendUp, map[string]any{"backend": name})
			},
			OnDown: func(err error) {
				bus.Emit(events.SourceConnwatch, events.KindBackendDown, map[string]any{
					"backend": name,
					"error":   err.Error(),
				})
			},
			Logger: logger,
		})
	}

	// --- Routes ---
	// Operational routes register first; the multiplexer skips their
	// first segments so the two never answer the same path.
	ops := api.New(api.Options{
		Health:   connMgr,
		Sessions: core.mux,
		Usage:    usageStore,
		Bus:      bus,
		Logger:   logger,
	})
	defer ops.Close()

	rt := server.NewRouter(logger)
	for _, reg := range []func(*server.Router) error{ops.Register, core.mux.Register} {
		if err := reg(rt); err != nil {
			diag.Fatal("route registration failed", 1, "error", err)
			return err
		}
	}

	// --- MQTT forwarding ---
	var fwd *mqtt.Forwarder
	if cfg.MQTT.Broker != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		fwd = mqtt.New(cfg.MQTT, instanceID, bus, statsAdapter{mux: core.mux}, logger)
		go func() {
			if err := fwd.Start(ctx); err != nil {
				logger.Error("mqtt forwarder failed", "error", err)
			}
		}()
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Debug("mqtt forwarding disabled (no broker configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Hijacked WebSocket connections survive http.Server.Shutdown.
		ops.Close()

		if fwd != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := fwd.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	srv := server.New(server.Options{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		MaxConnections: cfg.Listen.MaxConnections,
		Handler:        rt,
		Logger:         logger,
		Fatal:          diag,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("Hollowfire stopped")
	return nil
}

// coreDeps carries the optional collaborators of [buildCore]. The ask
// command runs without any of them.
type coreDeps struct {
	state  session.StateStore
	usage  completion.UsageRecorder
	bus    *events.Bus
	logger *slog.Logger
}

// core is the conversation machinery shared by serve and ask.
type core struct {
	providers *llm.Registry
	startouts *startouts.Store
	mux       *session.Multiplexer
	runner    *completion.Runner
}

// buildCore loads the startouts and wires the provider registry, the
// session multiplexer and the completion runner, then makes sure the
// default conversation exists. On ErrNoDefaultStartout the returned
// core still carries the loaded startouts for diagnostics.
func buildCore(ctx context.Context, cfg *config.Config, deps coreDeps) (*core, error) {
	logger := deps.logger
	c := &core{providers: newProviderRegistry(cfg, logger)}

	st, err := startouts.Load(cfg.Startouts.Dir, logger)
	if err != nil {
		return c, fmt.Errorf("load startouts: %w", err)
	}
	c.startouts = st
	logger.Info("startouts loaded", "dir", cfg.Startouts.Dir, "names", st.Names())

	reps := make([]conversation.Replacement, 0, len(cfg.SystemReplacements))
	for _, r := range cfg.SystemReplacements {
		reps = append(reps, conversation.Replacement{From: r.From, To: r.To})
	}

	mux, err := session.New(session.Options{
		Providers:             c.providers,
		DefaultProvider:       cfg.Providers.Default,
		Startouts:             st,
		DefaultStartout:       cfg.Startouts.Default,
		Replacements:          reps,
		StartoutConfiguration: cfg.StartoutConfiguration,
		MemoryDir:             cfg.MemoryDir,
		State:                 deps.state,
		Bus:                   deps.bus,
		Logger:                logger,
	})
	if err != nil {
		return c, err
	}
	c.mux = mux

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)

	opts := completion.Options{
		Tools:        registry,
		DefaultModel: cfg.Models.Default,
		MaxAttempts:  cfg.Completion.MaxAttempts,
		RetryRate:    cfg.Completion.RetryRate,
		RetryBurst:   cfg.Completion.RetryBurst,
		Usage:        deps.usage,
		Bus:          deps.bus,
		Logger:       logger,
	}
	// Left nil when disabled so the runner sees no retriever at all.
	if cfg.Embeddings.Enabled {
		emb := embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
			Logger:  logger,
		})
		opts.Retriever = retrieval.NewIndexes(emb)
		logger.Info("retrieval enabled", "model", cfg.Embeddings.Model, "url", cfg.Embeddings.BaseURL)
	}
	c.runner = completion.New(opts)
	if err := mux.SetOp(session.OpCompletion, c.runner.Run); err != nil {
		return c, err
	}

	if _, created, err := mux.EnsureExists(defaultConversation); err != nil {
		return c, fmt.Errorf("create %s conversation: %w", defaultConversation, err)
	} else if created {
		logger.Debug("conversation created", "id", defaultConversation)
	}
	restored, err := mux.Restore()
	if err != nil {
		return c, err
	}
	if len(restored) > 0 {
		logger.Info("conversations restored", "ids", restored)
	}
	return c, nil
}

// newProviderRegistry registers a factory per backend. Every
// conversation gets its own provider instance so /setup-provider
// changes stay local to it.
func newProviderRegistry(cfg *config.Config, logger *slog.Logger) *llm.Registry {
	reg := llm.NewRegistry()
	ollama := cfg.Providers.Ollama
	reg.Register("ollama", func() llm.Provider {
		p := llm.NewOllamaProvider(ollama.URL, logger)
		if ollama.KeepAlive != "" {
			if err := p.Setup(context.Background(), map[string]any{"keep_alive": ollama.KeepAlive}); err != nil {
				logger.Warn("ignoring ollama keep_alive", "value", ollama.KeepAlive, "error", err)
			}
		}
		return p
	})
	openai := cfg.Providers.OpenAI
	reg.Register("openai", func() llm.Provider {
		return llm.NewOpenAIProvider("openai", openai.BaseURL, openai.APIKey, logger)
	})
	groq := cfg.Providers.Groq
	reg.Register("groq", func() llm.Provider {
		return llm.NewOpenAIProvider("groq", groq.BaseURL, groq.APIKey, logger)
	})
	return reg
}

// watchedBackends lists the backends worth probing: ollama always, the
// hosted ones only once they have a key.
func watchedBackends(cfg *config.Config) []string {
	names := []string{"ollama"}
	if cfg.Providers.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if cfg.Providers.Groq.APIKey != "" {
		names = append(names, "groq")
	}
	return names
}

// loadConfig finds, loads and validates the config file, then applies
// command-line overrides. Without any config file the built-in defaults
// are used so a bare directory with startouts still serves.
func loadConfig(f flags) (*config.Config, string, error) {
	cfg := config.Default()
	cfgPath, err := config.FindConfig(f.configPath)
	switch {
	case err == nil:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	case f.configPath != "":
		return nil, "", err
	default:
		cfgPath = "(defaults)"
	}

	if err := applyFlags(cfg, f); err != nil {
		return nil, cfgPath, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// applyFlags overlays the command-line overrides on cfg. The -k flag
// names an environment variable; its value becomes the API key of the
// default hosted backend, or of groq when the default is ollama.
func applyFlags(cfg *config.Config, f flags) error {
	if f.provider != "" {
		cfg.Providers.Default = f.provider
	}
	if f.startout != "" {
		cfg.Startouts.Default = f.startout
	}
	if f.keyEnv != "" {
		key := os.Getenv(f.keyEnv)
		if key == "" {
			return fmt.Errorf("environment variable %s is not set", f.keyEnv)
		}
		if cfg.Providers.Default == "openai" {
			cfg.Providers.OpenAI.APIKey = key
		} else {
			cfg.Providers.Groq.APIKey = key
		}
	}
	return nil
}

// statsAdapter exposes multiplexer state to the MQTT forwarder.
type statsAdapter struct {
	mux *session.Multiplexer
}

func (a statsAdapter) Uptime() time.Duration   { return buildinfo.Uptime() }
func (a statsAdapter) Version() string         { return buildinfo.Version }
func (a statsAdapter) Conversations() int      { return len(a.mux.IDs()) }
func (a statsAdapter) DefaultProvider() string { return a.mux.DefaultProvider() }
