package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/observability"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
	"github.com/kadirpekel/toolbridge/pkg/transport"
)

// stubClient is an in-memory transport.Client.
type stubClient struct {
	name      string
	connectOK bool
	tools     []protocol.ToolSchema
	results   map[string]protocol.Result

	mu      sync.Mutex
	invoked []string
	closed  bool
}

func (s *stubClient) Connect(context.Context) bool { return s.connectOK }

func (s *stubClient) ListTools(context.Context) ([]protocol.ToolSchema, error) {
	return s.tools, nil
}

func (s *stubClient) Invoke(_ context.Context, tool, function string, _ map[string]any) protocol.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoked = append(s.invoked, tool+"."+function)
	if r, ok := s.results[function]; ok {
		return r
	}
	return protocol.Success("ok")
}

func (s *stubClient) Close(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return true
}

func (s *stubClient) Name() string { return s.name }
func (s *stubClient) Kind() string { return "stub" }

var _ transport.Client = (*stubClient)(nil)

type toolMetric struct {
	tool, function string
	failed         bool
}

type captureMetrics struct {
	observability.NoopMetrics
	mu    sync.Mutex
	calls []toolMetric
}

func (c *captureMetrics) RecordToolExecution(_ context.Context, tool, function string, _ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, toolMetric{tool, function, err != nil})
}

func memorySchema() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "memory",
		Description: "Knowledge graph memory",
		Category:    "Storage",
		Keywords:    []string{"remember", "graph"},
		Server:      "local",
		Functions: []protocol.FunctionSchema{
			{
				Name:        "create_entities",
				Description: "Create entities",
				Parameters: []protocol.ParameterSchema{
					{Name: "name", Type: "string", Required: true, Description: "Entity name"},
					{Name: "kind", Type: "string", Enum: []string{"person", "place"}},
				},
			},
			{Name: "read_graph"},
		},
	}
}

func TestRegistry_RegisterGetDuplicate(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.Register(memorySchema()))

	got, ok := r.Get("memory")
	require.True(t, ok)
	assert.Equal(t, memorySchema(), got)

	dup := memorySchema()
	dup.Description = "impostor"
	assert.False(t, r.Register(dup))

	got, _ = r.Get("memory")
	assert.Equal(t, "Knowledge graph memory", got.Description)
	assert.Len(t, r.List(), 1)

	assert.False(t, r.Register(protocol.ToolSchema{}))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	schema := memorySchema()
	require.True(t, r.Register(schema))

	schema.Functions[0].Name = "mutated"
	got, _ := r.Get("memory")
	got.Keywords[0] = "mutated"

	again, _ := r.Get("memory")
	assert.Equal(t, "create_entities", again.Functions[0].Name)
	assert.Equal(t, "remember", again.Keywords[0])
}

func TestRegistry_ListOrderAndIndexes(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Register(protocol.ToolSchema{Name: "zeta", Category: "search", Keywords: []string{"Find"}}))
	require.True(t, r.Register(protocol.ToolSchema{Name: "alpha", Category: "Search", Keywords: []string{"lookup", "find"}}))
	require.True(t, r.Register(protocol.ToolSchema{Name: "mid", Category: "files"}))

	names := func(schemas []protocol.ToolSchema) []string {
		var out []string
		for _, s := range schemas {
			out = append(out, s.Name)
		}
		return out
	}

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names(r.List()))
	assert.Equal(t, []string{"zeta", "alpha"}, names(r.ListByCategory("SEARCH")))
	assert.Equal(t, []string{"zeta", "alpha"}, names(r.ListByKeyword("find")))
	assert.Empty(t, r.ListByKeyword("missing"))
	assert.Equal(t, []string{"files", "search"}, r.Categories())

	require.True(t, r.Unregister("zeta"))
	assert.False(t, r.Unregister("zeta"))
	assert.Equal(t, []string{"alpha"}, names(r.ListByCategory("search")))
	assert.Equal(t, []string{"alpha"}, names(r.ListByKeyword("FIND")))
}

func TestRegistry_DetectToolFromText(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Register(protocol.ToolSchema{Name: "weather", Keywords: []string{"forecast"}}))
	require.True(t, r.Register(memorySchema()))

	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"Please store this in MEMORY", "memory", true},
		{"What is the forecast for tomorrow?", "weather", true},
		{"remember the weather", "weather", true},
		{"Can you remember my name?", "memory", true},
		{"Hello there", "", false},
	}
	for _, tt := range tests {
		got, ok := r.DetectToolFromText(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}

func TestRegistry_ExecuteFunction(t *testing.T) {
	metrics := &captureMetrics{}
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	r := NewRegistry(WithMetrics(metrics), WithTracer(tp.Tracer("test")))
	client := &stubClient{
		name:    "local",
		results: map[string]protocol.Result{"read_graph": protocol.Failure("graph locked")},
	}
	require.NoError(t, r.AddServer("local", client))
	require.True(t, r.Register(memorySchema()))
	require.True(t, r.Register(protocol.ToolSchema{Name: "orphan", Functions: []protocol.FunctionSchema{{Name: "run"}}}))

	ctx := context.Background()

	result, err := r.ExecuteFunction(ctx, "memory", "create_entities", map[string]any{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, protocol.Success("ok"), result)

	result, err = r.ExecuteFunction(ctx, "memory", "read_graph", nil)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindToolExecution))
	assert.Equal(t, "graph locked", result.Error)

	tests := []struct {
		tool, function, msg string
	}{
		{"ghost", "run", `tool "ghost" not found`},
		{"memory", "delete_all", `function "delete_all" not found`},
		{"orphan", "run", `no server available for tool "orphan"`},
	}
	for _, tt := range tests {
		result, err := r.ExecuteFunction(ctx, tt.tool, tt.function, nil)
		require.Error(t, err, tt.tool)
		assert.True(t, protocol.IsKind(err, protocol.KindToolExecution))
		assert.Contains(t, err.Error(), tt.msg)
		assert.Equal(t, protocol.StatusError, result.Status)
	}

	assert.Equal(t, []string{"memory.create_entities", "memory.read_graph"}, client.invoked)

	require.Len(t, metrics.calls, 5)
	assert.Equal(t, toolMetric{"memory", "create_entities", false}, metrics.calls[0])
	assert.True(t, metrics.calls[1].failed)

	spans := exporter.GetSpans()
	require.Len(t, spans, 5)
	assert.Equal(t, observability.SpanToolExecution, spans[0].Name)
}

func TestRegistry_ServersAndClose(t *testing.T) {
	r := NewRegistry()
	a := &stubClient{name: "a"}
	b := &stubClient{name: "b"}
	require.NoError(t, r.AddServer("a", a))
	require.NoError(t, r.AddServer("b", b))
	assert.Error(t, r.AddServer("a", a))
	assert.Error(t, r.AddServer("", a))

	schema := memorySchema()
	schema.Server = "a"
	require.True(t, r.Register(schema))

	assert.Equal(t, []string{"a", "b"}, r.Servers())

	assert.True(t, r.RemoveServer(context.Background(), "a"))
	assert.False(t, r.RemoveServer(context.Background(), "a"))
	assert.True(t, a.closed)
	_, ok := r.Get("memory")
	assert.False(t, ok, "tools of a removed server are dropped")

	r.Close(context.Background())
	assert.True(t, b.closed)
	assert.Equal(t, []string{"b"}, r.Servers())
}

func TestRegistry_ConnectAll(t *testing.T) {
	r := NewRegistry()
	up := &stubClient{
		name:      "up",
		connectOK: true,
		tools: []protocol.ToolSchema{
			{Name: "memory", Functions: []protocol.FunctionSchema{{Name: "read_graph"}}},
			{Name: "secrets", Functions: []protocol.FunctionSchema{{Name: "dump"}}},
		},
	}
	down := &stubClient{name: "down", tools: []protocol.ToolSchema{{Name: "never"}}}
	require.NoError(t, r.AddServer("up", up))
	require.NoError(t, r.AddServer("down", down))
	r.filters["up"] = func(name string) bool { return name != "secrets" }

	status := r.ConnectAll(context.Background())
	assert.Equal(t, map[string]bool{"up": true, "down": false}, status)

	schema, ok := r.Get("memory")
	require.True(t, ok)
	assert.Equal(t, "up", schema.Server)

	_, ok = r.Get("secrets")
	assert.False(t, ok)
	_, ok = r.Get("never")
	assert.False(t, ok)

	result, err := r.ExecuteFunction(context.Background(), "memory", "read_graph", nil)
	require.NoError(t, err)
	assert.True(t, result.OK())
}

func TestNewRegistryFromConfig_HTTPServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var env struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&env))

		var result string
		switch env.Method {
		case transport.MethodGetTools:
			result = `{"tools":[{"name":"memory","keywords":["remember"],"functions":[{"name":"create_entities","parameters":[{"name":"entities","type":"array","items":{"type":"string"}}]}]}]}`
		case transport.MethodCallFunction:
			data, _ := json.Marshal(env.Params["parameters"])
			result = string(data)
		default:
			result = `{}`
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, env.ID, result)
	}))
	defer server.Close()

	cfg := &config.Config{
		ToolServers: map[string]*config.ToolServerConfig{
			"graph": {Transport: config.TransportConfig{URL: server.URL}},
			"off":   {Enabled: config.BoolPtr(false), Transport: config.TransportConfig{URL: "http://127.0.0.1:1"}},
		},
		Tools: []protocol.ToolSchema{{Name: "notes", Server: "graph", Functions: []protocol.FunctionSchema{{Name: "add"}}}},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	r, err := NewRegistryFromConfig(cfg)
	require.NoError(t, err)
	defer r.Close(context.Background())

	assert.Equal(t, []string{"graph"}, r.Servers())
	assert.Equal(t, map[string]bool{"graph": true}, r.ConnectAll(context.Background()))

	name, ok := r.DetectToolFromText("Please remember that Alice likes tea")
	require.True(t, ok)
	assert.Equal(t, "memory", name)

	result, err := r.ExecuteFunction(context.Background(), "memory", "create_entities",
		map[string]any{"entities": []any{"Alice"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"entities": []any{"Alice"}}, result.Value)

	_, ok = r.Get("notes")
	assert.True(t, ok)
}

func TestNewRegistryFromConfig_DuplicateStaticTool(t *testing.T) {
	cfg := &config.Config{
		Tools: []protocol.ToolSchema{{Name: "a"}, {Name: "a"}},
	}
	_, err := NewRegistryFromConfig(cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), `"a"`))
}
