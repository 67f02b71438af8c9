// Package tools keeps the catalogue of tool schemas and the transports that
// execute them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/observability"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
	"github.com/kadirpekel/toolbridge/pkg/registry"
	"github.com/kadirpekel/toolbridge/pkg/transport"
)

const component = "tools"

// Registry holds tool schemas in registration order together with category
// and keyword indexes and the transport clients of every tool server.
type Registry struct {
	mu         sync.RWMutex
	schemas    *registry.BaseRegistry[protocol.ToolSchema]
	categories map[string][]string
	keywords   map[string][]string

	servers     map[string]transport.Client
	serverOrder []string
	filters     map[string]func(string) bool

	tracer  trace.Tracer
	metrics observability.Metrics
}

type Option func(*Registry)

// WithMetrics overrides the global metrics recorder.
func WithMetrics(m observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		r.tracer = t
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		schemas:    registry.NewBaseRegistry[protocol.ToolSchema](),
		categories: make(map[string][]string),
		keywords:   make(map[string][]string),
		servers:    make(map[string]transport.Client),
		filters:    make(map[string]func(string) bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRegistryFromConfig creates a transport for every enabled tool server and
// registers the statically declared tools. Servers are not contacted until
// ConnectAll.
func NewRegistryFromConfig(cfg *config.Config, opts ...Option) (*Registry, error) {
	r := NewRegistry(opts...)

	for _, name := range cfg.ServerNames() {
		serverCfg := cfg.ToolServers[name]
		if !serverCfg.IsEnabled() {
			slog.Debug("Tool server disabled, skipping", "server", name)
			continue
		}

		client, err := transport.New(name, serverCfg.Transport)
		if err != nil {
			r.Close(context.Background())
			return nil, fmt.Errorf("tool server %s: %w", name, err)
		}
		if err := r.AddServer(name, client); err != nil {
			r.Close(context.Background())
			return nil, err
		}
		r.filters[name] = serverCfg.Allows
	}

	for _, schema := range cfg.Tools {
		if !r.Register(schema) {
			r.Close(context.Background())
			return nil, protocol.NewError(protocol.KindConfiguration, component, "configure",
				fmt.Sprintf("cannot register tool %q", schema.Name), nil)
		}
	}

	return r, nil
}

func (r *Registry) getTracer() trace.Tracer {
	if r.tracer != nil {
		return r.tracer
	}
	return observability.GetTracer("toolbridge.tools")
}

func (r *Registry) getMetrics() observability.Metrics {
	if r.metrics != nil {
		return r.metrics
	}
	return observability.GetGlobalMetrics()
}

// Register adds schema. It returns false, leaving any existing entry intact,
// when the name is empty or already taken.
func (r *Registry) Register(schema protocol.ToolSchema) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.schemas.Register(schema.Name, schema.Clone()); err != nil {
		slog.Warn("Tool registration rejected", "tool", schema.Name, "error", err)
		return false
	}

	if schema.Category != "" {
		key := strings.ToLower(schema.Category)
		r.categories[key] = append(r.categories[key], schema.Name)
	}
	for _, kw := range schema.Keywords {
		key := strings.ToLower(kw)
		r.keywords[key] = appendUnique(r.keywords[key], schema.Name)
	}

	slog.Debug("Tool registered", "tool", schema.Name, "server", schema.Server, "functions", len(schema.Functions))
	return true
}

func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(name)
}

func (r *Registry) unregisterLocked(name string) bool {
	schema, ok := r.schemas.Get(name)
	if !ok {
		return false
	}
	_ = r.schemas.Remove(name)

	if schema.Category != "" {
		key := strings.ToLower(schema.Category)
		r.categories[key] = removeName(r.categories[key], name)
		if len(r.categories[key]) == 0 {
			delete(r.categories, key)
		}
	}
	for _, kw := range schema.Keywords {
		key := strings.ToLower(kw)
		r.keywords[key] = removeName(r.keywords[key], name)
		if len(r.keywords[key]) == 0 {
			delete(r.keywords, key)
		}
	}
	return true
}

func (r *Registry) Get(name string) (protocol.ToolSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schema, ok := r.schemas.Get(name)
	if !ok {
		return protocol.ToolSchema{}, false
	}
	return schema.Clone(), true
}

// List returns every schema in registration order.
func (r *Registry) List() []protocol.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cloneAll(r.schemas.List())
}

func (r *Registry) ListByCategory(category string) []protocol.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(r.categories[strings.ToLower(category)])
}

func (r *Registry) ListByKeyword(keyword string) []protocol.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(r.keywords[strings.ToLower(keyword)])
}

// lookup resolves names and sorts them back into registration order.
func (r *Registry) lookup(names []string) []protocol.ToolSchema {
	if len(names) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var out []protocol.ToolSchema
	for _, schema := range r.schemas.List() {
		if wanted[schema.Name] {
			out = append(out, schema.Clone())
		}
	}
	return out
}

func (r *Registry) cloneAll(schemas []protocol.ToolSchema) []protocol.ToolSchema {
	out := make([]protocol.ToolSchema, len(schemas))
	for i, s := range schemas {
		out[i] = s.Clone()
	}
	return out
}

// DetectToolFromText returns the first tool whose name, or failing that
// whose keyword, occurs in text. Matching ignores case.
func (r *Registry) DetectToolFromText(text string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(text)
	schemas := r.schemas.List()

	for _, schema := range schemas {
		if schema.Name != "" && strings.Contains(lower, strings.ToLower(schema.Name)) {
			return schema.Name, true
		}
	}
	for _, schema := range schemas {
		for _, kw := range schema.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return schema.Name, true
			}
		}
	}
	return "", false
}

// AddServer attaches a transport client under name.
func (r *Registry) AddServer(name string, client transport.Client) error {
	if name == "" || client == nil {
		return protocol.NewError(protocol.KindConfiguration, component, "add_server", "server name and client are required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[name]; exists {
		return protocol.NewError(protocol.KindConfiguration, component, "add_server",
			fmt.Sprintf("server %q already registered", name), registry.ErrDuplicate)
	}
	r.servers[name] = client
	r.serverOrder = append(r.serverOrder, name)
	return nil
}

// RemoveServer closes the server's transport and drops the tools it provided.
func (r *Registry) RemoveServer(ctx context.Context, name string) bool {
	r.mu.Lock()
	client, ok := r.servers[name]
	if ok {
		delete(r.servers, name)
		delete(r.filters, name)
		r.serverOrder = removeName(r.serverOrder, name)
		for _, schema := range r.schemas.List() {
			if schema.Server == name {
				r.unregisterLocked(schema.Name)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	client.Close(ctx)
	slog.Info("Tool server removed", "server", name)
	return true
}

// Servers returns server names in the order they were added.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.serverOrder...)
}

// ConnectAll connects every server concurrently and registers the tools each
// connected server advertises. The returned map reports which servers
// answered. Failures are logged.
func (r *Registry) ConnectAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	names := append([]string(nil), r.serverOrder...)
	clients := make([]transport.Client, len(names))
	filters := make([]func(string) bool, len(names))
	for i, name := range names {
		clients[i] = r.servers[name]
		filters[i] = r.filters[name]
	}
	r.mu.RUnlock()

	connected := make([]bool, len(names))
	discovered := make([][]protocol.ToolSchema, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i := range names {
		g.Go(func() error {
			if !clients[i].Connect(gctx) {
				return nil
			}
			connected[i] = true

			schemas, err := clients[i].ListTools(gctx)
			if err != nil {
				slog.Warn("Failed to list tools", "server", names[i], "error", err)
				return nil
			}
			discovered[i] = schemas
			return nil
		})
	}
	_ = g.Wait()

	status := make(map[string]bool, len(names))
	for i, name := range names {
		status[name] = connected[i]
		registered := 0
		for _, schema := range discovered[i] {
			if filters[i] != nil && !filters[i](schema.Name) {
				continue
			}
			schema.Server = name
			if r.Register(schema) {
				registered++
			}
		}
		if connected[i] {
			slog.Info("Tool server connected", "server", name, "transport", clients[i].Kind(), "tools", registered)
		}
	}
	return status
}

// ExecuteFunction runs one function of a registered tool through the
// transport of the server that provides it. A failed Result is returned
// together with a tool_execution error wrapping its message.
func (r *Registry) ExecuteFunction(ctx context.Context, tool, function string, args map[string]any) (protocol.Result, error) {
	start := time.Now()

	ctx, span := r.getTracer().Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, tool),
			attribute.String(observability.AttrToolFunction, function),
		),
	)
	defer span.End()

	result, err := r.execute(ctx, tool, function, args, span)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.SetAttributes(
		attribute.String(observability.AttrToolStatus, string(result.Status)),
		attribute.Int64("tool.duration_ms", duration.Milliseconds()),
	)
	r.getMetrics().RecordToolExecution(ctx, tool, function, duration, err)

	return result, err
}

func (r *Registry) execute(ctx context.Context, tool, function string, args map[string]any, span trace.Span) (protocol.Result, error) {
	fail := func(msg string, cause error) (protocol.Result, error) {
		err := protocol.NewError(protocol.KindToolExecution, component, tool+"."+function, msg, cause)
		return protocol.Failure(err.Error()), err
	}

	r.mu.RLock()
	schema, ok := r.schemas.Get(tool)
	var client transport.Client
	if ok {
		client = r.servers[schema.Server]
	}
	r.mu.RUnlock()

	if !ok {
		return fail(fmt.Sprintf("tool %q not found", tool), nil)
	}
	if _, ok := schema.Function(function); !ok {
		return fail(fmt.Sprintf("function %q not found in tool %q", function, tool), nil)
	}
	if client == nil {
		return fail(fmt.Sprintf("no server available for tool %q", tool), nil)
	}
	span.SetAttributes(attribute.String(observability.AttrToolServer, schema.Server))

	slog.Debug("Executing tool", "tool", tool, "function", function, "server", schema.Server)
	result := client.Invoke(ctx, tool, function, args)
	if !result.OK() {
		slog.Warn("Tool execution failed", "tool", tool, "function", function, "error", result.Error)
		err := protocol.NewError(protocol.KindToolExecution, component, tool+"."+function, result.Error, nil)
		return result, err
	}
	return result, nil
}

// Close closes every transport. Tool schemas stay registered.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	clients := make([]transport.Client, 0, len(r.serverOrder))
	for _, name := range r.serverOrder {
		clients = append(clients, r.servers[name])
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.Close(ctx)
	}
}

// Categories returns the known categories, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.categories))
	for c := range r.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
