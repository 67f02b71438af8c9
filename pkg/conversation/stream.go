package conversation

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/toolbridge/pkg/llms"
	"github.com/kadirpekel/toolbridge/pkg/observability"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

type EventType string

const (
	EventContent    EventType = "content"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Event is one step of a streamed turn. Exactly one Complete or Error event
// ends every stream.
type Event struct {
	Type     EventType                `json:"type"`
	Delta    string                   `json:"delta,omitempty"`
	ToolCall *protocol.ToolCall       `json:"tool_call,omitempty"`
	Result   *protocol.ToolCallResult `json:"result,omitempty"`
	Final    string                   `json:"final,omitempty"`
	Err      error                    `json:"-"`
}

// StreamHandlers receives the events of StreamPrompt. Nil handlers are
// skipped.
type StreamHandlers struct {
	OnContent  func(delta string)
	OnToolCall func(call protocol.ToolCall)
	OnComplete func(final string)
	OnError    func(err error)
}

// Stream runs one turn in streaming mode. The channel is closed after the
// terminal event.
func (c *Client) Stream(ctx context.Context, text string) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		c.streamTurn(ctx, text, events)
	}()
	return events
}

// StreamPrompt is Stream with callbacks. It returns the error that ended
// the turn, if any.
func (c *Client) StreamPrompt(ctx context.Context, text string, handlers StreamHandlers) error {
	var turnErr error
	for ev := range c.Stream(ctx, text) {
		switch ev.Type {
		case EventContent:
			if handlers.OnContent != nil {
				handlers.OnContent(ev.Delta)
			}
		case EventToolCall:
			if handlers.OnToolCall != nil && ev.ToolCall != nil {
				handlers.OnToolCall(*ev.ToolCall)
			}
		case EventComplete:
			if handlers.OnComplete != nil {
				handlers.OnComplete(ev.Final)
			}
		case EventError:
			turnErr = ev.Err
			if handlers.OnError != nil {
				handlers.OnError(ev.Err)
			}
		}
	}
	return turnErr
}

func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) streamTurn(ctx context.Context, text string, events chan<- Event) {
	var err error
	ctx, span := c.startTurn(ctx, true)
	defer func() { endTurn(span, err) }()

	mark := c.begin(text)
	fail := func(e error) {
		err = e
		c.rollback(mark)
		// The terminal event must arrive even when ctx is done.
		events <- Event{Type: EventError, Err: e}
	}

	content, native, err := c.streamCall(ctx, events, true)
	if err != nil {
		fail(err)
		return
	}
	c.appendMessage(protocol.AssistantMessage(content))

	call, ok, isNative := c.pickCall(content, native)
	if !ok {
		events <- Event{Type: EventComplete, Final: content}
		return
	}

	span.SetAttributes(attribute.String(observability.AttrToolName, call.ToolName))
	if !isNative && !emit(ctx, events, Event{Type: EventToolCall, ToolCall: &call}) {
		fail(protocol.FromContext(ctx, component, "stream", ctx.Err(), protocol.KindCanceled))
		return
	}

	result := c.runTool(ctx, call)
	if !emit(ctx, events, Event{Type: EventToolResult, ToolCall: &call, Result: &result}) {
		fail(protocol.FromContext(ctx, component, "stream", ctx.Err(), protocol.KindCanceled))
		return
	}

	final, _, err := c.streamCall(ctx, events, false)
	if err != nil {
		fail(err)
		return
	}
	c.appendMessage(protocol.AssistantMessage(final))
	events <- Event{Type: EventComplete, Final: final}
}

// streamCall performs one streaming backend call, forwarding text deltas.
// Native tool calls are surfaced as events only when surfaceCalls is set.
func (c *Client) streamCall(ctx context.Context, events chan<- Event, surfaceCalls bool) (string, []protocol.ToolCall, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	chunks, err := c.backend.GenerateStreaming(callCtx, c.snapshot())
	if err != nil {
		return "", nil, callError(callCtx, "stream", err)
	}

	var (
		content strings.Builder
		native  []protocol.ToolCall
	)
	for chunk := range chunks {
		switch chunk.Type {
		case llms.ChunkText:
			if chunk.Text == "" {
				continue
			}
			content.WriteString(chunk.Text)
			if !emit(callCtx, events, Event{Type: EventContent, Delta: chunk.Text}) {
				return "", nil, callError(callCtx, "stream", callCtx.Err())
			}
		case llms.ChunkToolCall:
			if chunk.ToolCall == nil {
				continue
			}
			call := *chunk.ToolCall
			native = append(native, call)
			if surfaceCalls && c.usesTools() {
				if !emit(callCtx, events, Event{Type: EventToolCall, ToolCall: &call}) {
					return "", nil, callError(callCtx, "stream", callCtx.Err())
				}
			}
		case llms.ChunkError:
			return "", nil, callError(callCtx, "stream", chunk.Error)
		case llms.ChunkDone:
			return content.String(), native, nil
		}
	}

	// Closed without a done chunk.
	if callCtx.Err() != nil {
		return "", nil, callError(callCtx, "stream", callCtx.Err())
	}
	return content.String(), native, nil
}
