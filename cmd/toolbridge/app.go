package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/toolbridge/pkg/bridge"
	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/config/provider"
	"github.com/kadirpekel/toolbridge/pkg/conversation"
	"github.com/kadirpekel/toolbridge/pkg/llms"
	"github.com/kadirpekel/toolbridge/pkg/observability"
	"github.com/kadirpekel/toolbridge/pkg/tools"
	"github.com/kadirpekel/toolbridge/pkg/transcript"
)

// app holds everything one command invocation wires together.
type app struct {
	cfg    *config.Config
	loader *config.Loader
	obs    *observability.Manager
	store  *transcript.Store

	mu          sync.Mutex
	bridge      *bridge.Orchestrator
	unsubscribe func()
	logCleanup  func()
}

// newApp loads configuration, initializes observability and builds a
// stopped bridge. Callers Start the bridge themselves.
func newApp(ctx context.Context, cli *CLI, opts ...config.LoaderOption) (*app, error) {
	p, err := provider.New(cli.configSource())
	if err != nil {
		return nil, fmt.Errorf("failed to create config provider: %w", err)
	}
	loader := config.NewLoader(p, opts...)
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Close()
		return nil, err
	}

	a := &app{cfg: cfg, loader: loader, unsubscribe: func() {}}

	if a.logCleanup, err = initLoggerFromConfig(&cfg.Logger); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.obs = observability.NewManager(cfg.Observability)
	if err := a.obs.Initialize(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	if cfg.Transcript.Enabled {
		a.store, err = transcript.Open(ctx, cfg.Transcript)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to open transcript store: %w", err)
		}
		slog.Info("Transcript enabled", "url", cfg.Transcript.Redacted(), "session", a.store.SessionID())
	}

	b, err := buildBridge(cfg, a.obs)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.setBridge(b)
	return a, nil
}

// buildBridge composes backend, registry, conversation and orchestrator from cfg.
func buildBridge(cfg *config.Config, obs *observability.Manager) (*bridge.Orchestrator, error) {
	backend, err := llms.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM backend: %w", err)
	}

	registry, err := tools.NewRegistryFromConfig(cfg,
		tools.WithTracer(obs.GetTracer("toolbridge.tools")),
		tools.WithMetrics(obs.GetMetrics()),
	)
	if err != nil {
		backend.Close()
		return nil, err
	}

	conv := conversation.New(backend, cfg.LLM,
		conversation.WithTools(registry),
		conversation.WithTracer(obs.GetTracer("toolbridge.conversation")),
	)
	return bridge.New(conv, registry), nil
}

// setBridge installs b and moves the transcript subscription onto it.
func (a *app) setBridge(b *bridge.Orchestrator) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.unsubscribe()
	a.bridge = b
	a.unsubscribe = func() {}
	if a.store != nil {
		a.unsubscribe = a.store.Subscribe(b)
	}
}

func (a *app) currentBridge() *bridge.Orchestrator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bridge
}

func (a *app) Close(ctx context.Context) {
	a.mu.Lock()
	a.unsubscribe()
	if a.bridge != nil {
		if err := a.bridge.Close(ctx); err != nil {
			slog.Warn("Failed to close bridge", "error", err)
		}
	}
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Failed to close transcript store", "error", err)
		}
	}
	if a.obs != nil {
		if err := a.obs.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to shut down observability", "error", err)
		}
	}
	if a.loader != nil {
		a.loader.Close()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}

// startApp is newApp followed by Start, for commands that talk to the model
// or tools right away.
func startApp(ctx context.Context, cli *CLI) (*app, error) {
	a, err := newApp(ctx, cli)
	if err != nil {
		return nil, err
	}
	if err := a.currentBridge().Start(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}
