package llms

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/sashabaranov/go-openai"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// OpenAIBackend uses the chat completions API.
type OpenAIBackend struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
	stop        []string
}

func NewOpenAIBackend(cfg config.LLMConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, protocol.NewError(protocol.KindConfiguration, "llms/openai", "new", "api key is required", nil)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.TemperatureValue(),
		maxTokens:   cfg.MaxTokens,
		stop:        cfg.Stop,
	}, nil
}

func (b *OpenAIBackend) Provider() string  { return string(config.LLMProviderOpenAI) }
func (b *OpenAIBackend) ModelName() string { return b.model }
func (b *OpenAIBackend) Close() error      { return nil }

func (b *OpenAIBackend) buildRequest(messages []protocol.Message, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature: float32(b.temperature),
		MaxTokens:   b.maxTokens,
		Stop:        b.stop,
		Stream:      stream,
	}

	for _, m := range messages {
		switch m.Role {
		case protocol.RoleSystem:
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case protocol.RoleAssistant:
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case protocol.RoleTool:
			// Calls extracted from text have no tool_call_id to answer.
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: toolResultText(m)})
		default:
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return req
}

func (b *OpenAIBackend) Generate(ctx context.Context, messages []protocol.Message) (*Response, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(messages, false))
	if err != nil {
		return nil, b.wrapError(ctx, "generate", err)
	}
	if len(resp.Choices) == 0 {
		return nil, protocol.NewError(protocol.KindProtocol, "llms/openai", "generate", "no choices in response", nil)
	}

	msg := resp.Choices[0].Message
	out := &Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, nativeCall(tc.ID, tc.Function.Name, parseArguments([]byte(tc.Function.Arguments))))
	}
	return out, nil
}

func (b *OpenAIBackend) GenerateStreaming(ctx context.Context, messages []protocol.Message) (<-chan StreamChunk, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, b.buildRequest(messages, true))
	if err != nil {
		return nil, b.wrapError(ctx, "stream", err)
	}

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		defer stream.Close()

		// Tool call fragments arrive split across deltas, keyed by index.
		type pending struct {
			id, name string
			args     []byte
		}
		calls := map[int]*pending{}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				sendChunk(ctx, out, StreamChunk{Type: ChunkError, Error: b.wrapError(ctx, "stream", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				if !sendChunk(ctx, out, StreamChunk{Type: ChunkText, Text: delta.Content}) {
					return
				}
			}
			for i, tc := range delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				p, ok := calls[idx]
				if !ok {
					p = &pending{}
					calls[idx] = p
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.args = append(p.args, tc.Function.Arguments...)
			}
		}

		indexes := make([]int, 0, len(calls))
		for idx := range calls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			p := calls[idx]
			if p.name == "" {
				continue
			}
			call := nativeCall(p.id, p.name, parseArguments(p.args))
			if !sendChunk(ctx, out, StreamChunk{Type: ChunkToolCall, ToolCall: &call}) {
				return
			}
		}
		sendChunk(ctx, out, StreamChunk{Type: ChunkDone})
	}()
	return out, nil
}

func (b *OpenAIBackend) wrapError(ctx context.Context, op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return protocol.NewError(protocol.KindProtocol, "llms/openai", op, apiErr.Message, err)
	}
	return protocol.FromContext(ctx, "llms/openai", op, err, protocol.KindConnection)
}

var _ Backend = (*OpenAIBackend)(nil)
