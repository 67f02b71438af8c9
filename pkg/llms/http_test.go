package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/httpclient"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

func newTestHTTPBackend(t *testing.T, url string, provider config.LLMProvider) *HTTPBackend {
	t.Helper()
	cfg := config.LLMConfig{Provider: provider, Model: "llama3", Endpoint: url, Stop: []string{"###"}}
	cfg.SetDefaults()
	b, err := NewHTTPBackend(cfg, httpclient.WithMaxRetries(0))
	require.NoError(t, err)
	return b
}

func drain(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestHTTPBackend_RequestBody(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Hi there!"},"done":true}`))
	}))
	defer server.Close()

	b := newTestHTTPBackend(t, server.URL, config.LLMProviderOllama)
	resp, err := b.Generate(context.Background(), []protocol.Message{
		protocol.SystemMessage("You are helpful."),
		protocol.UserMessage("Hello"),
		protocol.ToolMessage("memory", `{"status":"success"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", resp.Content)

	assert.Equal(t, "llama3", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, config.DefaultTemperature, got.Temperature)
	assert.Equal(t, config.DefaultMaxTokens, got.MaxTokens)
	assert.Equal(t, []string{"###"}, got.Stop)
	require.NotNil(t, got.Options)
	assert.Equal(t, config.DefaultMaxTokens, got.Options.NumPredict)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, chatMessage{Role: "system", Content: "You are helpful."}, got.Messages[0])
	assert.Equal(t, "memory", got.Messages[2].Name)
}

func TestHTTPBackend_ResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"ollama", `{"message":{"content":"a"}}`, "a"},
		{"openai", `{"choices":[{"message":{"content":"b"}}]}`, "b"},
		{"generate", `{"response":"c","done":true}`, "c"},
		{"tgi", `[{"generated_text":"d"}]`, "d"},
		{"empty message falls through", `{"message":{"content":""},"response":"e"}`, "e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			resp, err := newTestHTTPBackend(t, server.URL, config.LLMProviderHTTP).
				Generate(context.Background(), []protocol.Message{protocol.UserMessage("x")})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Content)
		})
	}
}

func TestHTTPBackend_NativeToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"","tool_calls":[
			{"function":{"name":"memory.create_entities","arguments":{"name":"Alice"}}},
			{"id":"call_9","function":{"name":"weather","arguments":"{\"city\":\"Oslo\"}"}}]}}`))
	}))
	defer server.Close()

	resp, err := newTestHTTPBackend(t, server.URL, config.LLMProviderOllama).
		Generate(context.Background(), []protocol.Message{protocol.UserMessage("x")})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 2)

	assert.Equal(t, "memory", resp.ToolCalls[0].ToolName)
	assert.Equal(t, "create_entities", resp.ToolCalls[0].FunctionName)
	assert.Equal(t, map[string]any{"name": "Alice"}, resp.ToolCalls[0].Arguments)

	assert.Equal(t, "call_9", resp.ToolCalls[1].ID)
	assert.Equal(t, "weather", resp.ToolCalls[1].ToolName)
	assert.Equal(t, "weather", resp.ToolCalls[1].FunctionName)
	assert.Equal(t, "Oslo", resp.ToolCalls[1].Arguments["city"])
}

func TestHTTPBackend_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api-error":
			_, _ = w.Write([]byte(`{"error":"model 'llama9' not found"}`))
		case "/status":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`not here`))
		default:
			_, _ = w.Write([]byte(`<html>`))
		}
	}))
	defer server.Close()

	msgs := []protocol.Message{protocol.UserMessage("x")}

	_, err := newTestHTTPBackend(t, server.URL+"/api-error", config.LLMProviderOllama).Generate(context.Background(), msgs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model 'llama9' not found")

	_, err = newTestHTTPBackend(t, server.URL+"/status", config.LLMProviderOllama).Generate(context.Background(), msgs)
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindConnection))
	assert.Contains(t, err.Error(), "HTTP 404: not here")

	_, err = newTestHTTPBackend(t, server.URL+"/garbage", config.LLMProviderOllama).Generate(context.Background(), msgs)
	assert.True(t, protocol.IsKind(err, protocol.KindProtocol))

	_, err = newTestHTTPBackend(t, "http://127.0.0.1:1", config.LLMProviderOllama).Generate(context.Background(), msgs)
	assert.True(t, protocol.IsKind(err, protocol.KindConnection))
}

func TestHTTPBackend_StreamNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"Hel", "lo ", "world"} {
			fmt.Fprintf(w, `{"message":{"content":%q},"done":false}`+"\n", part)
			w.(http.Flusher).Flush()
		}
		fmt.Fprintln(w, "not json at all")
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
		fmt.Fprintln(w, `{"message":{"content":"after done"}}`)
	}))
	defer server.Close()

	ch, err := newTestHTTPBackend(t, server.URL, config.LLMProviderOllama).
		GenerateStreaming(context.Background(), []protocol.Message{protocol.UserMessage("x")})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 4)
	assert.Equal(t, StreamChunk{Type: ChunkText, Text: "Hel"}, chunks[0])
	assert.Equal(t, "lo ", chunks[1].Text)
	assert.Equal(t, "world", chunks[2].Text)
	assert.Equal(t, ChunkDone, chunks[3].Type)
}

func TestHTTPBackend_StreamSSEAndToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"Let me check."}}]}`)
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, `data: {"message":{"tool_calls":[{"function":{"name":"memory__read_graph","arguments":{}}}]}}`)
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer server.Close()

	ch, err := newTestHTTPBackend(t, server.URL, config.LLMProviderHTTP).
		GenerateStreaming(context.Background(), []protocol.Message{protocol.UserMessage("x")})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Let me check.", chunks[0].Text)
	require.Equal(t, ChunkToolCall, chunks[1].Type)
	assert.Equal(t, "memory", chunks[1].ToolCall.ToolName)
	assert.Equal(t, "read_graph", chunks[1].ToolCall.FunctionName)
	assert.Equal(t, ChunkDone, chunks[2].Type)
}

func TestHTTPBackend_StreamErrorField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"par"}}`)
		fmt.Fprintln(w, `{"error":{"message":"out of memory"}}`)
	}))
	defer server.Close()

	ch, err := newTestHTTPBackend(t, server.URL, config.LLMProviderOllama).
		GenerateStreaming(context.Background(), []protocol.Message{protocol.UserMessage("x")})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkError, chunks[1].Type)
	assert.Contains(t, chunks[1].Error.Error(), "out of memory")
}

func TestHTTPBackend_StreamWithoutDoneEndsAtEOF(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"only"}`)
	}))
	defer server.Close()

	ch, err := newTestHTTPBackend(t, server.URL, config.LLMProviderHTTP).
		GenerateStreaming(context.Background(), []protocol.Message{protocol.UserMessage("x")})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "only", chunks[0].Text)
	assert.Equal(t, ChunkDone, chunks[1].Type)
}

func TestNewHTTPBackend_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPBackend(config.LLMConfig{Provider: config.LLMProviderHTTP})
	assert.True(t, protocol.IsKind(err, protocol.KindConfiguration))
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "", errorText(nil))
	assert.Equal(t, "", errorText(json.RawMessage("null")))
	assert.Equal(t, "boom", errorText(json.RawMessage(`"boom"`)))
	assert.Equal(t, "bad", errorText(json.RawMessage(`{"message":"bad","code":1}`)))
	assert.Equal(t, "42", errorText(json.RawMessage(`42`)))
}
