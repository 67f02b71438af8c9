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

package llms

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// GeminiBackend uses the Gemini API through the genai SDK.
type GeminiBackend struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
	stop        []string
}

func NewGeminiBackend(cfg config.LLMConfig) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, protocol.NewError(protocol.KindConfiguration, "llms/gemini", "new", "api key is required", nil)
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	// Constructors do not take a context; the client does no I/O here.
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, protocol.NewError(protocol.KindConfiguration, "llms/gemini", "new", "failed to create client", err)
	}

	return &GeminiBackend{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.TemperatureValue(),
		maxTokens:   cfg.MaxTokens,
		stop:        cfg.Stop,
	}, nil
}

func (b *GeminiBackend) Provider() string  { return string(config.LLMProviderGemini) }
func (b *GeminiBackend) ModelName() string { return b.model }
func (b *GeminiBackend) Close() error      { return nil }

func (b *GeminiBackend) buildRequest(messages []protocol.Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := splitSystem(messages)

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(b.temperature)),
	}
	if b.maxTokens > 0 {
		cfg.MaxOutputTokens = int32(b.maxTokens)
	}
	if len(b.stop) > 0 {
		cfg.StopSequences = b.stop
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := "user"
		text := m.Content
		switch m.Role {
		case protocol.RoleAssistant:
			role = "model"
		case protocol.RoleTool:
			text = toolResultText(m)
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}})
	}
	return contents, cfg
}

func (b *GeminiBackend) Generate(ctx context.Context, messages []protocol.Message) (*Response, error) {
	contents, cfg := b.buildRequest(messages)

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return nil, protocol.FromContext(ctx, "llms/gemini", "generate", fmt.Errorf("Gemini generation failed: %w", err), protocol.KindConnection)
	}
	if len(resp.Candidates) == 0 {
		return nil, protocol.NewError(protocol.KindProtocol, "llms/gemini", "generate", "empty response from Gemini", nil)
	}
	return parseGeminiResponse(resp), nil
}

func (b *GeminiBackend) GenerateStreaming(ctx context.Context, messages []protocol.Message) (<-chan StreamChunk, error) {
	contents, cfg := b.buildRequest(messages)

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)

		for resp, err := range b.client.Models.GenerateContentStream(ctx, b.model, contents, cfg) {
			if err != nil {
				sendChunk(ctx, out, StreamChunk{
					Type:  ChunkError,
					Error: protocol.FromContext(ctx, "llms/gemini", "stream", err, protocol.KindConnection),
				})
				return
			}

			parsed := parseGeminiResponse(resp)
			if parsed.Content != "" {
				if !sendChunk(ctx, out, StreamChunk{Type: ChunkText, Text: parsed.Content}) {
					return
				}
			}
			for _, call := range parsed.ToolCalls {
				if !sendChunk(ctx, out, StreamChunk{Type: ChunkToolCall, ToolCall: &call}) {
					return
				}
			}
		}
		sendChunk(ctx, out, StreamChunk{Type: ChunkDone})
	}()
	return out, nil
}

// parseGeminiResponse reads the first candidate. Thought parts are skipped.
func parseGeminiResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, nativeCall(part.FunctionCall.ID, part.FunctionCall.Name, part.FunctionCall.Args))
		}
	}
	return out
}

var _ Backend = (*GeminiBackend)(nil)
