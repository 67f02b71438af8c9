package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/httpclient"
	"github.com/kadirpekel/toolbridge/pkg/llms"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

const calcCall = "Let me compute that.\n```json\n{\"tool\": \"calc\", \"function\": \"add\", \"parameters\": {\"a\": 1, \"b\": 2}}\n```"

type wireRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// fakeModel answers chat requests with scripted replies. A streamed reply
// is sent as one NDJSON line per element.
type fakeModel struct {
	t       *testing.T
	mu      sync.Mutex
	replies [][]string
	status  []int
	got     []wireRequest
}

func (m *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req wireRequest
	require.NoError(m.t, json.NewDecoder(r.Body).Decode(&req))

	m.mu.Lock()
	idx := len(m.got)
	m.got = append(m.got, req)
	m.mu.Unlock()

	if idx < len(m.status) && m.status[idx] != 0 {
		http.Error(w, "model crashed", m.status[idx])
		return
	}
	require.Less(m.t, idx, len(m.replies), "unexpected request %d", idx)
	parts := m.replies[idx]

	if !req.Stream {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": strings.Join(parts, "")},
			"done":    true,
		})
		return
	}

	enc := json.NewEncoder(w)
	for _, p := range parts {
		_ = enc.Encode(map[string]any{"message": map[string]string{"content": p}, "done": false})
	}
	_ = enc.Encode(map[string]any{"done": true})
}

func (m *fakeModel) requests() []wireRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]wireRequest(nil), m.got...)
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []protocol.ToolCall
	result protocol.Result
	err    error
}

func (f *fakeExecutor) DetectToolFromText(text string) (string, bool) {
	if strings.Contains(strings.ToLower(text), "calc") {
		return "calc", true
	}
	return "", false
}

func (f *fakeExecutor) GenerateInstructions(name string) (string, bool) {
	if name != "calc" {
		return "", false
	}
	return "Tool: calc", true
}

func (f *fakeExecutor) ExecuteFunction(_ context.Context, tool, function string, args map[string]any) (protocol.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, protocol.ToolCall{ToolName: tool, FunctionName: function, Arguments: args})
	return f.result, f.err
}

func newTestClient(t *testing.T, model *fakeModel, systemPrompt string, opts ...Option) *Client {
	t.Helper()
	model.t = t
	server := httptest.NewServer(model)
	t.Cleanup(server.Close)

	cfg := config.LLMConfig{
		Provider:     config.LLMProviderOllama,
		Model:        "llama3",
		Endpoint:     server.URL,
		SystemPrompt: systemPrompt,
	}
	cfg.SetDefaults()
	backend, err := llms.NewHTTPBackend(cfg, httpclient.WithMaxRetries(0))
	require.NoError(t, err)
	return New(backend, cfg, opts...)
}

func roles(history []protocol.Message) []protocol.Role {
	out := make([]protocol.Role, len(history))
	for i, m := range history {
		out[i] = m.Role
	}
	return out
}

func TestSendPrompt_SimpleTurn(t *testing.T) {
	model := &fakeModel{replies: [][]string{{"Hi there!"}}}
	client := newTestClient(t, model, "You are helpful.")

	answer, err := client.SendPrompt(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", answer)

	history := client.GetHistory()
	require.Len(t, history, 3)
	assert.Equal(t, protocol.SystemMessage("You are helpful."), history[0])
	assert.Equal(t, protocol.UserMessage("Hello"), history[1])
	assert.Equal(t, protocol.AssistantMessage("Hi there!"), history[2])

	reqs := model.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "llama3", reqs[0].Model)
	assert.False(t, reqs[0].Stream)
	assert.Len(t, reqs[0].Messages, 2)
}

func TestSendPrompt_ToolRound(t *testing.T) {
	model := &fakeModel{replies: [][]string{{calcCall}, {"The sum is 3."}}}
	exec := &fakeExecutor{result: protocol.Success(3)}

	var hooked []protocol.ToolCallResult
	client := newTestClient(t, model, "", WithTools(exec), WithToolCallHook(func(call protocol.ToolCall, result protocol.ToolCallResult) {
		assert.Equal(t, "add", call.FunctionName)
		hooked = append(hooked, result)
	}))

	answer, err := client.SendPrompt(context.Background(), "what is 1+2?")
	require.NoError(t, err)
	assert.Equal(t, "The sum is 3.", answer)

	history := client.GetHistory()
	assert.Equal(t, []protocol.Role{protocol.RoleUser, protocol.RoleAssistant, protocol.RoleTool, protocol.RoleAssistant}, roles(history))
	assert.Equal(t, calcCall, history[1].Content)
	assert.Equal(t, "calc", history[2].ToolName)
	assert.Contains(t, history[2].Content, `"value":3`)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, "calc", exec.calls[0].ToolName)
	assert.EqualValues(t, 1, exec.calls[0].Arguments["a"])
	require.Len(t, hooked, 1)
	assert.Equal(t, protocol.StatusSuccess, hooked[0].Status)

	reqs := model.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)
}

func TestSendPrompt_ToolFailureIsReportedToModel(t *testing.T) {
	model := &fakeModel{replies: [][]string{{calcCall}, {"Sorry, the calculator failed."}}}
	exec := &fakeExecutor{err: protocol.NewError(protocol.KindToolExecution, "tools", "calc.add", "server down", nil)}
	client := newTestClient(t, model, "", WithTools(exec))

	answer, err := client.SendPrompt(context.Background(), "add 1 and 2")
	require.NoError(t, err)
	assert.Equal(t, "Sorry, the calculator failed.", answer)

	history := client.GetHistory()
	require.Len(t, history, 4)
	assert.Contains(t, history[2].Content, "server down")
	assert.Contains(t, history[2].Content, `"status":"error"`)
}

func TestSendPrompt_AppendsToolInstructions(t *testing.T) {
	model := &fakeModel{replies: [][]string{{"ok"}}}
	client := newTestClient(t, model, "", WithTools(&fakeExecutor{}))

	_, err := client.SendPrompt(context.Background(), "use calc please")
	require.NoError(t, err)
	assert.Equal(t, "use calc please\n\nTool: calc", client.GetHistory()[0].Content)
}

func TestSendPrompt_ToolsDisabled(t *testing.T) {
	model := &fakeModel{t: t, replies: [][]string{{calcCall}}}
	server := httptest.NewServer(model)
	defer server.Close()

	cfg := config.LLMConfig{Provider: config.LLMProviderOllama, Model: "llama3", Endpoint: server.URL, EnableTools: config.BoolPtr(false)}
	cfg.SetDefaults()
	backend, err := llms.NewHTTPBackend(cfg, httpclient.WithMaxRetries(0))
	require.NoError(t, err)

	exec := &fakeExecutor{}
	client := New(backend, cfg, WithTools(exec))

	answer, err := client.SendPrompt(context.Background(), "calc 1+2")
	require.NoError(t, err)
	assert.Equal(t, calcCall, answer)
	assert.Empty(t, exec.calls)
	assert.Equal(t, "calc 1+2", client.GetHistory()[0].Content)
}

func TestSendPrompt_FailureRollsBackHistory(t *testing.T) {
	t.Run("first call", func(t *testing.T) {
		model := &fakeModel{status: []int{http.StatusInternalServerError}}
		client := newTestClient(t, model, "You are helpful.")

		_, err := client.SendPrompt(context.Background(), "Hello")
		require.Error(t, err)
		assert.True(t, protocol.IsKind(err, protocol.KindConnection), "got %v", err)
		assert.Equal(t, []protocol.Role{protocol.RoleSystem}, roles(client.GetHistory()))
	})

	t.Run("follow-up call", func(t *testing.T) {
		model := &fakeModel{replies: [][]string{{calcCall}}, status: []int{0, http.StatusBadGateway}}
		client := newTestClient(t, model, "You are helpful.", WithTools(&fakeExecutor{result: protocol.Success(3)}))

		_, err := client.SendPrompt(context.Background(), "add")
		require.Error(t, err)
		assert.Equal(t, []protocol.Role{protocol.RoleSystem}, roles(client.GetHistory()))
	})
}

func TestSendPrompt_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := config.LLMConfig{Provider: config.LLMProviderOllama, Model: "llama3", Endpoint: server.URL}
	cfg.SetDefaults()
	backend, err := llms.NewHTTPBackend(cfg, httpclient.WithMaxRetries(0))
	require.NoError(t, err)
	client := New(backend, cfg, WithTimeout(50*time.Millisecond))

	_, err = client.SendPrompt(context.Background(), "Hello")
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindTimeout), "got %v", err)
	assert.Empty(t, client.GetHistory())
}

func TestSendPrompt_Canceled(t *testing.T) {
	client := newTestClient(t, &fakeModel{replies: [][]string{{"never"}}}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.SendPrompt(ctx, "Hello")
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindCanceled), "got %v", err)
}

// stubBackend returns canned responses without a network.
type stubBackend struct {
	responses []*llms.Response
	calls     int
	closed    bool
}

func (s *stubBackend) Generate(context.Context, []protocol.Message) (*llms.Response, error) {
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func (s *stubBackend) GenerateStreaming(ctx context.Context, messages []protocol.Message) (<-chan llms.StreamChunk, error) {
	resp, _ := s.Generate(ctx, messages)
	ch := make(chan llms.StreamChunk, len(resp.ToolCalls)+2)
	if resp.Content != "" {
		ch <- llms.StreamChunk{Type: llms.ChunkText, Text: resp.Content}
	}
	for i := range resp.ToolCalls {
		ch <- llms.StreamChunk{Type: llms.ChunkToolCall, ToolCall: &resp.ToolCalls[i]}
	}
	ch <- llms.StreamChunk{Type: llms.ChunkDone}
	close(ch)
	return ch, nil
}

func (s *stubBackend) Provider() string  { return "stub" }
func (s *stubBackend) ModelName() string { return "stub-1" }
func (s *stubBackend) Close() error {
	s.closed = true
	return nil
}

func TestSendPrompt_NativeToolCall(t *testing.T) {
	native := protocol.NewToolCall("calc", "add", map[string]any{"a": 2, "b": 2})
	backend := &stubBackend{responses: []*llms.Response{
		{ToolCalls: []protocol.ToolCall{native}},
		{Content: "4"},
	}}
	exec := &fakeExecutor{result: protocol.Success(4)}
	client := New(backend, config.LLMConfig{}, WithTools(exec))

	answer, err := client.SendPrompt(context.Background(), "2+2")
	require.NoError(t, err)
	assert.Equal(t, "4", answer)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, "add", exec.calls[0].FunctionName)
	assert.Equal(t, []protocol.Role{protocol.RoleUser, protocol.RoleAssistant, protocol.RoleTool, protocol.RoleAssistant}, roles(client.GetHistory()))
}

func TestClearHistory(t *testing.T) {
	newClient := func(system string) *Client {
		backend := &stubBackend{responses: []*llms.Response{{Content: "a"}, {Content: "b"}}}
		c := New(backend, config.LLMConfig{SystemPrompt: system})
		_, err := c.SendPrompt(context.Background(), "one")
		require.NoError(t, err)
		_, err = c.SendPrompt(context.Background(), "two")
		require.NoError(t, err)
		require.Len(t, c.GetHistory(), 5)
		return c
	}

	c := newClient("Be brief.")
	c.ClearHistory(true)
	assert.Equal(t, []protocol.Message{protocol.SystemMessage("Be brief.")}, c.GetHistory())

	c = newClient("Be brief.")
	c.ClearHistory(false)
	assert.Equal(t, []protocol.Message{protocol.SystemMessage("Be brief.")}, c.GetHistory())

	backend := &stubBackend{responses: []*llms.Response{{Content: "a"}}}
	c = New(backend, config.LLMConfig{})
	_, err := c.SendPrompt(context.Background(), "one")
	require.NoError(t, err)
	c.ClearHistory(true)
	assert.Empty(t, c.GetHistory())
	c.ClearHistory(false)
	assert.Empty(t, c.GetHistory())
}

func TestUpdateSystemPrompt(t *testing.T) {
	backend := &stubBackend{responses: []*llms.Response{{Content: "a"}}}
	c := New(backend, config.LLMConfig{})
	_, err := c.SendPrompt(context.Background(), "hi")
	require.NoError(t, err)

	c.UpdateSystemPrompt("Answer in French.")
	history := c.GetHistory()
	require.Len(t, history, 3)
	assert.Equal(t, protocol.SystemMessage("Answer in French."), history[0])

	c.UpdateSystemPrompt("Answer in German.")
	history = c.GetHistory()
	require.Len(t, history, 3)
	assert.Equal(t, "Answer in German.", history[0].Content)

	c.ClearHistory(false)
	assert.Equal(t, []protocol.Message{protocol.SystemMessage("Answer in German.")}, c.GetHistory())

	c.UpdateSystemPrompt("")
	assert.Empty(t, c.GetHistory())
}

func TestGetHistory_ReturnsCopy(t *testing.T) {
	c := New(&stubBackend{}, config.LLMConfig{SystemPrompt: "sys"})
	history := c.GetHistory()
	history[0].Content = "changed"
	assert.Equal(t, "sys", c.GetHistory()[0].Content)
}

func TestClose(t *testing.T) {
	backend := &stubBackend{}
	c := New(backend, config.LLMConfig{})
	require.NoError(t, c.Close())
	assert.True(t, backend.closed)
}
