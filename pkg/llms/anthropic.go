package llms

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// AnthropicBackend uses the Messages API.
type AnthropicBackend struct {
	client      *anthropic.Client
	model       string
	temperature float64
	maxTokens   int
	stop        []string
}

func NewAnthropicBackend(cfg config.LLMConfig, opts ...option.RequestOption) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, protocol.NewError(protocol.KindConfiguration, "llms/anthropic", "new", "api key is required", nil)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.Endpoint))
	}
	client := anthropic.NewClient(append(reqOpts, opts...)...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}

	return &AnthropicBackend{
		client:      &client,
		model:       cfg.Model,
		temperature: cfg.TemperatureValue(),
		maxTokens:   maxTokens,
		stop:        cfg.Stop,
	}, nil
}

func (b *AnthropicBackend) Provider() string  { return string(config.LLMProviderAnthropic) }
func (b *AnthropicBackend) ModelName() string { return b.model }
func (b *AnthropicBackend) Close() error      { return nil }

// buildParams moves system messages into the system field. Tool results are
// sent as user text since extracted calls carry no tool_use id.
func (b *AnthropicBackend) buildParams(messages []protocol.Message) anthropic.MessageNewParams {
	system, rest := splitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(b.model),
		MaxTokens:   int64(b.maxTokens),
		Messages:    make([]anthropic.MessageParam, 0, len(rest)),
		Temperature: anthropic.Float(b.temperature),
	}
	if len(b.stop) > 0 {
		params.StopSequences = b.stop
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, m := range rest {
		switch m.Role {
		case protocol.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case protocol.RoleTool:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(toolResultText(m))))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}

func (b *AnthropicBackend) Generate(ctx context.Context, messages []protocol.Message) (*Response, error) {
	msg, err := b.client.Messages.New(ctx, b.buildParams(messages))
	if err != nil {
		return nil, b.wrapError(ctx, "generate", err)
	}
	return fromAnthropicMessage(msg), nil
}

func (b *AnthropicBackend) GenerateStreaming(ctx context.Context, messages []protocol.Message) (<-chan StreamChunk, error) {
	stream := b.client.Messages.NewStreaming(ctx, b.buildParams(messages))

	out := make(chan StreamChunk, 100)
	go func() {
		defer close(out)
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				sendChunk(ctx, out, StreamChunk{Type: ChunkError, Error: b.wrapError(ctx, "stream", err)})
				return
			}

			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !sendChunk(ctx, out, StreamChunk{Type: ChunkText, Text: delta.Text}) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			sendChunk(ctx, out, StreamChunk{Type: ChunkError, Error: b.wrapError(ctx, "stream", err)})
			return
		}

		for _, call := range fromAnthropicMessage(&message).ToolCalls {
			if !sendChunk(ctx, out, StreamChunk{Type: ChunkToolCall, ToolCall: &call}) {
				return
			}
		}
		sendChunk(ctx, out, StreamChunk{Type: ChunkDone})
	}()
	return out, nil
}

func fromAnthropicMessage(msg *anthropic.Message) *Response {
	out := &Response{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			out.ToolCalls = append(out.ToolCalls, nativeCall(tu.ID, tu.Name, parseArguments(json.RawMessage(tu.Input))))
		}
	}
	return out
}

func (b *AnthropicBackend) wrapError(ctx context.Context, op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return protocol.NewError(protocol.KindProtocol, "llms/anthropic", op, "api error", err)
	}
	return protocol.FromContext(ctx, "llms/anthropic", op, err, protocol.KindConnection)
}

var _ Backend = (*AnthropicBackend)(nil)
