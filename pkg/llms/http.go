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

package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/httpclient"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// HTTPBackend posts chat requests to an ollama-compatible endpoint. Replies
// in the shapes of other common chat APIs are accepted too.
type HTTPBackend struct {
	provider    string
	model       string
	endpoint    string
	apiKey      string
	temperature float64
	maxTokens   int
	stop        []string

	client       *httpclient.Client
	streamClient *httpclient.Client
}

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chatMessage  `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
	Stream      bool           `json:"stream"`
	Stop        []string       `json:"stop,omitempty"`
	Options     *ollamaOptions `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type chatResponse struct {
	Message *wireMessage `json:"message,omitempty"`
	Choices []struct {
		Message *wireMessage `json:"message,omitempty"`
		Delta   *wireMessage `json:"delta,omitempty"`
	} `json:"choices,omitempty"`
	Response      string          `json:"response,omitempty"`
	GeneratedText string          `json:"generated_text,omitempty"`
	Done          bool            `json:"done,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
}

// NewHTTPBackend builds a backend for the ollama and http providers.
func NewHTTPBackend(cfg config.LLMConfig, opts ...httpclient.Option) (*HTTPBackend, error) {
	if cfg.Endpoint == "" {
		return nil, protocol.NewError(protocol.KindConfiguration, "llms/http", "new", "endpoint is required", nil)
	}
	provider := string(cfg.Provider)
	if provider == "" {
		provider = string(config.LLMProviderHTTP)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultLLMTimeout
	}

	base := []httpclient.Option{httpclient.WithBaseDelay(2 * time.Second)}
	return &HTTPBackend{
		provider:    provider,
		model:       cfg.Model,
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		temperature: cfg.TemperatureValue(),
		maxTokens:   cfg.MaxTokens,
		stop:        cfg.Stop,
		client: httpclient.New(append(append(base,
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout})), opts...)...),
		// Streams are bounded by the caller's context only.
		streamClient: httpclient.New(append(append(base,
			httpclient.WithHTTPClient(&http.Client{})), opts...)...),
	}, nil
}

func (b *HTTPBackend) Provider() string  { return b.provider }
func (b *HTTPBackend) ModelName() string { return b.model }
func (b *HTTPBackend) Close() error      { return nil }

func (b *HTTPBackend) component() string {
	return "llms/" + b.provider
}

func (b *HTTPBackend) buildRequest(messages []protocol.Message, stream bool) chatRequest {
	req := chatRequest{
		Model:       b.model,
		Messages:    make([]chatMessage, 0, len(messages)),
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
		Stream:      stream,
		Stop:        b.stop,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content, Name: m.ToolName})
	}
	if b.provider == string(config.LLMProviderOllama) {
		req.Options = &ollamaOptions{Temperature: b.temperature, NumPredict: b.maxTokens, Stop: b.stop}
	}
	return req
}

func (b *HTTPBackend) post(ctx context.Context, client *httpclient.Client, body chatRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, b.component(), "generate", "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, protocol.NewError(protocol.KindConfiguration, b.component(), "generate", "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, protocol.NewError(protocol.KindConnection, b.component(), "generate",
				fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(detail)), err)
		}
		return nil, protocol.FromContext(ctx, b.component(), "generate", err, protocol.KindConnection)
	}
	return resp, nil
}

func (b *HTTPBackend) Generate(ctx context.Context, messages []protocol.Message) (*Response, error) {
	resp, err := b.post(ctx, b.client, b.buildRequest(messages, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.FromContext(ctx, b.component(), "generate", err, protocol.KindConnection)
	}

	parsed, err := decodeChatResponse(data)
	if err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, b.component(), "generate", "invalid response body", err)
	}
	if msg := errorText(parsed.Error); msg != "" {
		return nil, protocol.NewError(protocol.KindProtocol, b.component(), "generate", msg, nil)
	}

	return &Response{
		Content:   parsed.text(),
		ToolCalls: convertWireCalls(parsed.toolCalls()),
	}, nil
}

func (b *HTTPBackend) GenerateStreaming(ctx context.Context, messages []protocol.Message) (<-chan StreamChunk, error) {
	resp, err := b.post(ctx, b.streamClient, b.buildRequest(messages, true))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		b.readStream(ctx, resp.Body, out)
	}()
	return out, nil
}

// readStream parses NDJSON (or SSE data) lines. Lines that do not parse are
// skipped.
func (b *HTTPBackend) readStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "" {
			continue
		}
		if line == "[DONE]" {
			sendChunk(ctx, out, StreamChunk{Type: ChunkDone})
			return
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			slog.Debug("Skipping unparseable stream line", "provider", b.provider, "error", err)
			continue
		}

		if msg := errorText(chunk.Error); msg != "" {
			sendChunk(ctx, out, StreamChunk{
				Type:  ChunkError,
				Error: protocol.NewError(protocol.KindProtocol, b.component(), "stream", msg, nil),
			})
			return
		}

		if text := chunk.deltaText(); text != "" {
			if !sendChunk(ctx, out, StreamChunk{Type: ChunkText, Text: text}) {
				return
			}
		}
		for _, call := range convertWireCalls(chunk.toolCalls()) {
			if !sendChunk(ctx, out, StreamChunk{Type: ChunkToolCall, ToolCall: &call}) {
				return
			}
		}

		if chunk.Done {
			sendChunk(ctx, out, StreamChunk{Type: ChunkDone})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		sendChunk(ctx, out, StreamChunk{
			Type:  ChunkError,
			Error: protocol.FromContext(ctx, b.component(), "stream", err, protocol.KindConnection),
		})
		return
	}
	if ctx.Err() != nil {
		sendChunk(ctx, out, StreamChunk{
			Type:  ChunkError,
			Error: protocol.FromContext(ctx, b.component(), "stream", ctx.Err(), protocol.KindConnection),
		})
		return
	}
	sendChunk(ctx, out, StreamChunk{Type: ChunkDone})
}

// decodeChatResponse accepts a single object or a one-element array.
func decodeChatResponse(data []byte) (*chatResponse, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []chatResponse
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return &chatResponse{}, nil
		}
		return &list[0], nil
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// text returns the first non-empty of message.content,
// choices[0].message.content, response and generated_text.
func (r *chatResponse) text() string {
	if r.Message != nil && r.Message.Content != "" {
		return r.Message.Content
	}
	if len(r.Choices) > 0 && r.Choices[0].Message != nil && r.Choices[0].Message.Content != "" {
		return r.Choices[0].Message.Content
	}
	if r.Response != "" {
		return r.Response
	}
	return r.GeneratedText
}

func (r *chatResponse) deltaText() string {
	if r.Message != nil && r.Message.Content != "" {
		return r.Message.Content
	}
	if len(r.Choices) > 0 && r.Choices[0].Delta != nil && r.Choices[0].Delta.Content != "" {
		return r.Choices[0].Delta.Content
	}
	return r.Response
}

func (r *chatResponse) toolCalls() []wireToolCall {
	if r.Message != nil && len(r.Message.ToolCalls) > 0 {
		return r.Message.ToolCalls
	}
	if len(r.Choices) > 0 && r.Choices[0].Message != nil {
		return r.Choices[0].Message.ToolCalls
	}
	return nil
}

func convertWireCalls(calls []wireToolCall) []protocol.ToolCall {
	var out []protocol.ToolCall
	for _, c := range calls {
		if c.Function.Name == "" {
			continue
		}
		out = append(out, nativeCall(c.ID, c.Function.Name, parseArguments(c.Function.Arguments)))
	}
	return out
}

// parseArguments accepts an object or a JSON-encoded object string.
func parseArguments(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return args
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return args
		}
		raw = []byte(s)
	}
	_ = json.Unmarshal(raw, &args)
	return args
}

// errorText reads an error member that is either a string or an object with
// a message.
func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

var _ Backend = (*HTTPBackend)(nil)
