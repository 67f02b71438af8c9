// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes a bridge over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/toolbridge/pkg/auth"
	"github.com/kadirpekel/toolbridge/pkg/bridge"
	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/observability"
	"github.com/kadirpekel/toolbridge/pkg/transcript"
)

// HTTPServer serves the bridge API.
type HTTPServer struct {
	serverCfg *config.ServerConfig
	server    *http.Server

	mu     sync.RWMutex
	bridge *bridge.Orchestrator

	// turnMu serializes conversation turns; one bridge holds one history.
	turnMu sync.Mutex

	authValidator auth.TokenValidator
	observability *observability.Manager
	transcript    *transcript.Store
}

// HTTPServerOption configures the HTTP server.
type HTTPServerOption func(*HTTPServer)

// WithAuthValidator requires a valid bearer token outside the excluded paths.
func WithAuthValidator(validator auth.TokenValidator) HTTPServerOption {
	return func(s *HTTPServer) {
		s.authValidator = validator
	}
}

// WithObservability sets the observability manager for tracing and metrics.
func WithObservability(obs *observability.Manager) HTTPServerOption {
	return func(s *HTTPServer) {
		s.observability = obs
	}
}

// WithTranscript exposes the store under /v1/transcript.
func WithTranscript(store *transcript.Store) HTTPServerOption {
	return func(s *HTTPServer) {
		s.transcript = store
	}
}

func NewHTTPServer(serverCfg *config.ServerConfig, b *bridge.Orchestrator, opts ...HTTPServerOption) *HTTPServer {
	if serverCfg == nil {
		serverCfg = &config.ServerConfig{}
	}
	serverCfg.SetDefaults()

	s := &HTTPServer{
		serverCfg: serverCfg,
		bridge:    b,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) getBridge() *bridge.Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridge
}

// SwapBridge replaces the orchestrator after a configuration reload. It waits
// for an in-flight turn to finish and returns the previous orchestrator.
func (s *HTTPServer) SwapBridge(b *bridge.Orchestrator) *bridge.Orchestrator {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.bridge
	s.bridge = b
	return prev
}

// routePattern reports chi's matched pattern, falling back to the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func (s *HTTPServer) excludedPaths() []string {
	paths := []string{"/health"}
	if s.serverCfg.Auth != nil && len(s.serverCfg.Auth.ExcludedPaths) > 0 {
		paths = s.serverCfg.Auth.ExcludedPaths
	}
	if s.observability != nil && s.observability.MetricsEnabled() {
		paths = append(paths, s.observability.MetricsEndpoint())
	}
	return paths
}

func (s *HTTPServer) operatorRoles() []string {
	if s.authValidator == nil || s.serverCfg.Auth == nil {
		return nil
	}
	return s.serverCfg.Auth.OperatorRoles
}

// Handler builds the router with its middleware chain.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	// Order: logging -> observability -> cors -> auth
	r.Use(loggingMiddleware)
	if s.observability != nil {
		r.Use(observability.HTTPMiddleware(
			s.observability.GetTracer("toolbridge.http"),
			s.observability.GetMetrics(),
			routePattern,
		))
	}
	r.Use(s.corsMiddleware)
	if s.authValidator != nil {
		excluded := s.excludedPaths()
		r.Use(auth.Middleware(s.authValidator, excluded...))
		slog.Info("Authentication enabled", "excluded_paths", excluded)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/api/schema", s.handleGetSchema)

	if s.observability != nil && s.observability.MetricsEnabled() {
		r.Handle(s.observability.MetricsEndpoint(), s.observability.MetricsHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tools", s.handleListTools)
		r.Get("/tools/{name}", s.handleGetTool)

		r.Post("/prompt", s.handlePrompt)
		r.Post("/prompt/stream", s.handlePromptStream)

		r.Get("/history", s.handleGetHistory)

		if s.transcript != nil {
			r.Get("/transcript", s.handleTranscript)
		}

		// Calls that bypass the model or rewrite the conversation.
		r.Group(func(r chi.Router) {
			if roles := s.operatorRoles(); len(roles) > 0 {
				r.Use(auth.RequireRole(roles...))
			}
			r.Post("/tools/{tool}/{function}", s.handleCallTool)
			r.Delete("/history", s.handleClearHistory)
			r.Put("/system-prompt", s.handleSystemPrompt)
		})
	})

	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.serverCfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streamed turns may outlive any fixed bound
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.serverCfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.serverCfg.ShutdownTimeout)
	defer cancel()

	slog.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

func (s *HTTPServer) Address() string {
	return s.serverCfg.Address()
}

// corsMiddleware adds CORS headers.
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	cors := s.serverCfg.CORS
	methods := strings.Join(cors.AllowedMethods, ", ")
	headers := strings.Join(cors.AllowedHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			for _, allowed := range cors.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", headers)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests. The writer is not wrapped so streaming
// handlers keep their http.Flusher.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
