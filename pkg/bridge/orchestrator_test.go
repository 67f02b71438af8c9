package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/conversation"
	"github.com/kadirpekel/toolbridge/pkg/llms"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
	"github.com/kadirpekel/toolbridge/pkg/tools"
	"github.com/kadirpekel/toolbridge/pkg/transport"
)

// countingBackend replies with scripted answers and counts calls.
type countingBackend struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (b *countingBackend) next() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	reply := "ok"
	if b.calls < len(b.replies) {
		reply = b.replies[b.calls]
	}
	b.calls++
	return reply
}

func (b *countingBackend) Generate(context.Context, []protocol.Message) (*llms.Response, error) {
	return &llms.Response{Content: b.next()}, nil
}

func (b *countingBackend) GenerateStreaming(context.Context, []protocol.Message) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk, 2)
	ch <- llms.StreamChunk{Type: llms.ChunkText, Text: b.next()}
	ch <- llms.StreamChunk{Type: llms.ChunkDone}
	close(ch)
	return ch, nil
}

func (b *countingBackend) Provider() string  { return "counting" }
func (b *countingBackend) ModelName() string { return "counting-1" }
func (b *countingBackend) Close() error      { return nil }

func (b *countingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type memoryServer struct {
	mu      sync.Mutex
	invoked []string
	closed  int
}

func (m *memoryServer) Connect(context.Context) bool { return true }

func (m *memoryServer) ListTools(context.Context) ([]protocol.ToolSchema, error) {
	return []protocol.ToolSchema{{
		Name:        "memory",
		Description: "Knowledge graph memory",
		Functions: []protocol.FunctionSchema{
			{Name: "read_graph", Description: "Read the whole graph"},
		},
	}}, nil
}

func (m *memoryServer) Invoke(_ context.Context, tool, function string, _ map[string]any) protocol.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoked = append(m.invoked, tool+"."+function)
	return protocol.Success(map[string]any{"entities": []any{}})
}

func (m *memoryServer) Close(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return true
}

func (m *memoryServer) Name() string { return "local" }
func (m *memoryServer) Kind() string { return "memory" }

var _ transport.Client = (*memoryServer)(nil)

func newTestOrchestrator(t *testing.T, replies ...string) (*Orchestrator, *countingBackend, *memoryServer) {
	t.Helper()
	backend := &countingBackend{replies: replies}
	server := &memoryServer{}

	registry := tools.NewRegistry()
	require.NoError(t, registry.AddServer("local", server))

	conv := conversation.New(backend, config.LLMConfig{SystemPrompt: "You are helpful."}, conversation.WithTools(registry))
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return New(conv, registry, WithClock(func() time.Time { return fixed })), backend, server
}

func TestOrchestrator_StoppedMakesNoBackendCalls(t *testing.T) {
	o, backend, server := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.SendPrompt(ctx, "Hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNotRunning))

	var onError error
	err = o.StreamPrompt(ctx, "Hello", conversation.StreamHandlers{OnError: func(e error) { onError = e }})
	assert.True(t, protocol.IsKind(err, protocol.KindNotRunning))
	assert.Equal(t, err, onError)

	var events []conversation.Event
	for ev := range o.Stream(ctx, "Hello") {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, conversation.EventError, events[0].Type)

	result, err := o.CallTool(ctx, "memory", "read_graph", nil)
	assert.True(t, errors.Is(err, protocol.ErrNotRunning))
	assert.False(t, result.OK())

	assert.Zero(t, backend.count())
	assert.Empty(t, server.invoked)
	assert.Len(t, o.History(), 1)
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	o, _, server := newTestOrchestrator(t)
	ctx := context.Background()

	var seen []EventType
	record := func(ev Event) { seen = append(seen, ev.Type) }
	o.AddListener(EventStarted, record)
	o.AddListener(EventStopped, record)

	assert.Equal(t, StateStopped, o.State())
	require.NoError(t, o.Start(ctx))
	assert.Equal(t, StateRunning, o.State())
	require.NoError(t, o.Start(ctx))

	require.Len(t, o.Tools(), 1)
	assert.Equal(t, "local", o.Tools()[0].Server)

	require.NoError(t, o.Stop(ctx))
	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, StateStopped, o.State())
	assert.Equal(t, 1, server.closed)

	assert.Equal(t, []EventType{EventStarted, EventStopped}, seen)
}

func TestOrchestrator_StartCanceled(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.Start(ctx)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindCanceled))
	assert.Equal(t, StateStopped, o.State())
}

func TestOrchestrator_SendPromptEmitsEvents(t *testing.T) {
	toolCall := "```json\n{\"tool\": \"memory\", \"function\": \"read_graph\", \"parameters\": {}}\n```"
	o, backend, server := newTestOrchestrator(t, toolCall, "The graph is empty.")
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	var events []Event
	o.AddListener(EventResponseReceived, func(ev Event) { events = append(events, ev) })
	o.AddListener(EventToolCallExecuted, func(ev Event) { events = append(events, ev) })

	answer, err := o.SendPrompt(ctx, "What is in memory?")
	require.NoError(t, err)
	assert.Equal(t, "The graph is empty.", answer)
	assert.Equal(t, 2, backend.count())
	assert.Equal(t, []string{"memory.read_graph"}, server.invoked)

	require.Len(t, events, 2)
	assert.Equal(t, EventToolCallExecuted, events[0].Type)
	assert.Equal(t, "read_graph", events[0].ToolCall.FunctionName)
	assert.Equal(t, protocol.StatusSuccess, events[0].Result.Status)
	assert.Equal(t, EventResponseReceived, events[1].Type)
	assert.Equal(t, "What is in memory?", events[1].Prompt)
	assert.Equal(t, "The graph is empty.", events[1].Response)
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), events[1].Time)
}

func TestOrchestrator_StreamEmitsResponse(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "streamed answer")
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	var responses []string
	o.AddListener(EventResponseReceived, func(ev Event) { responses = append(responses, ev.Response) })

	var final string
	err := o.StreamPrompt(ctx, "Hi", conversation.StreamHandlers{OnComplete: func(s string) { final = s }})
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", final)

	for range o.Stream(ctx, "Again") {
	}
	assert.Equal(t, []string{"streamed answer", "ok"}, responses)
}

func TestOrchestrator_CallTool(t *testing.T) {
	o, backend, server := newTestOrchestrator(t)
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	var executed []Event
	o.AddListener(EventToolCallExecuted, func(ev Event) { executed = append(executed, ev) })

	result, err := o.CallTool(ctx, "memory", "read_graph", map[string]any{})
	require.NoError(t, err)
	assert.True(t, result.OK())
	require.Len(t, executed, 1)
	assert.Equal(t, "memory", executed[0].ToolCall.ToolName)

	_, err = o.CallTool(ctx, "memory", "delete_everything", nil)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindToolExecution))
	assert.Len(t, executed, 1)

	assert.Zero(t, backend.count())
	assert.Equal(t, []string{"memory.read_graph"}, server.invoked)
}

func TestOrchestrator_RemoveListener(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	var first, second int
	id := o.AddListener(EventStarted, func(Event) { first++ })
	o.AddListener(EventStarted, func(Event) { second++ })

	o.RemoveListener(EventStarted, id)
	o.RemoveListener(EventStarted, ListenerID(999))
	o.RemoveListener(EventStopped, id)

	require.NoError(t, o.Start(context.Background()))
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestOrchestrator_Delegates(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, "a")
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	_, err := o.SendPrompt(ctx, "hi")
	require.NoError(t, err)
	require.Len(t, o.History(), 3)

	o.UpdateSystemPrompt("Be terse.")
	assert.Equal(t, "Be terse.", o.History()[0].Content)

	o.ClearHistory(true)
	assert.Equal(t, []protocol.Message{protocol.SystemMessage("Be terse.")}, o.History())

	require.NoError(t, o.Close(ctx))
	assert.Equal(t, StateStopped, o.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(9)", State(9).String())
}
