// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/toolbridge/pkg/auth"
	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/server"
)

// ServeCmd serves the bridge over HTTP.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Rebuild the bridge when the configuration changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	var reload func(config.Reload)
	a, err := newApp(ctx, cli, config.WithOnReload(func(r config.Reload) {
		if reload != nil {
			reload(r)
		}
	}))
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if c.Port != 0 {
		a.cfg.Server.Port = c.Port
	}

	if err := a.currentBridge().Start(ctx); err != nil {
		return err
	}

	opts := []server.HTTPServerOption{server.WithObservability(a.obs)}
	if a.store != nil {
		opts = append(opts, server.WithTranscript(a.store))
	}
	validator, err := auth.NewValidatorFromConfig(a.cfg.Server.Auth)
	if err != nil {
		return err
	}
	if validator != nil {
		defer validator.Close()
		opts = append(opts, server.WithAuthValidator(validator))
	}

	srv := server.NewHTTPServer(&a.cfg.Server, a.currentBridge(), opts...)

	if c.Watch {
		reload = func(r config.Reload) { reloadBridge(ctx, a, srv, r) }
		go func() {
			if err := a.loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	fmt.Printf("\ntoolbridge %s serving %s (%s)\n", version(), a.cfg.LLM.Model, a.cfg.LLM.Provider)
	fmt.Printf("   API:       http://%s/v1\n", srv.Address())
	fmt.Printf("   Health:    http://%s/health\n", srv.Address())
	if a.obs.MetricsEnabled() {
		fmt.Printf("   Metrics:   http://%s%s\n", srv.Address(), a.obs.MetricsEndpoint())
	}
	if a.cfg.Observability.Tracing.Enabled {
		fmt.Printf("   Tracing:   %s (%s)\n", a.cfg.Observability.Tracing.Exporter, a.cfg.Observability.Tracing.Endpoint)
	}
	if a.store != nil {
		fmt.Printf("   Transcript: %s session %s\n", a.cfg.Transcript.Redacted(), a.store.SessionID())
	}
	fmt.Printf("   Tools:     %d\n", len(a.currentBridge().Tools()))
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// reloadBridge builds and starts a bridge from the reloaded config and swaps
// it in. The old bridge is closed after in-flight turns finish. Server, auth
// and transcript settings keep their startup values.
func reloadBridge(ctx context.Context, a *app, srv *server.HTTPServer, r config.Reload) {
	next, err := buildBridge(r.Config, a.obs)
	if err != nil {
		slog.Error("Reload failed, keeping current bridge", "error", err)
		return
	}
	if err := next.Start(ctx); err != nil {
		_ = next.Close(context.WithoutCancel(ctx))
		slog.Error("Reload failed, keeping current bridge", "error", err)
		return
	}

	prev := srv.SwapBridge(next)
	a.setBridge(next)
	if err := prev.Close(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("Failed to close previous bridge", "error", err)
	}
	slog.Info("Bridge reloaded",
		"tools", len(next.Tools()),
		"servers", len(next.Registry().Servers()),
		"added", r.Added,
		"removed", r.Removed,
		"changed", r.Changed)
}
