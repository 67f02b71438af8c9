// Package conversation runs conversation turns against a model backend,
// executing at most one tool call per turn.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/llms"
	"github.com/kadirpekel/toolbridge/pkg/observability"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
	"github.com/kadirpekel/toolbridge/pkg/toolcall"
)

const component = "conversation"

// Executor runs tools on behalf of the model. tools.Registry implements it.
type Executor interface {
	DetectToolFromText(text string) (string, bool)
	GenerateInstructions(name string) (string, bool)
	ExecuteFunction(ctx context.Context, tool, function string, args map[string]any) (protocol.Result, error)
}

// ToolCallHook observes every tool call the model initiates.
type ToolCallHook func(call protocol.ToolCall, result protocol.ToolCallResult)

type Option func(*Client)

func WithTools(executor Executor) Option {
	return func(c *Client) {
		c.executor = executor
	}
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithToolCallHook(fn ToolCallHook) Option {
	return func(c *Client) {
		c.hook = fn
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// Client holds one conversation history. Turns must not overlap; history
// reads are safe from any goroutine.
type Client struct {
	backend      llms.Backend
	executor     Executor
	toolsEnabled bool
	timeout      time.Duration
	hook         ToolCallHook
	tracer       trace.Tracer

	mu           sync.Mutex
	hookMu       sync.RWMutex
	systemPrompt string
	history      []protocol.Message
}

func New(backend llms.Backend, cfg config.LLMConfig, opts ...Option) *Client {
	c := &Client{
		backend:      backend,
		toolsEnabled: cfg.ToolsEnabled(),
		timeout:      cfg.Timeout,
		systemPrompt: cfg.SystemPrompt,
	}
	if c.timeout <= 0 {
		c.timeout = config.DefaultLLMTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.systemPrompt != "" {
		c.history = []protocol.Message{protocol.SystemMessage(c.systemPrompt)}
	}
	return c
}

func (c *Client) getTracer() trace.Tracer {
	if c.tracer != nil {
		return c.tracer
	}
	return observability.GetTracer("toolbridge.conversation")
}

func (c *Client) startTurn(ctx context.Context, stream bool) (context.Context, trace.Span) {
	return c.getTracer().Start(ctx, observability.SpanConversationTurn,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, c.backend.Provider()),
			attribute.String(observability.AttrLLMModel, c.backend.ModelName()),
			attribute.Bool(observability.AttrLLMStream, stream),
		),
	)
}

func endTurn(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.End()
}

func (c *Client) usesTools() bool {
	return c.toolsEnabled && c.executor != nil
}

// formatPrompt appends usage instructions for a tool the text mentions.
func (c *Client) formatPrompt(text string) string {
	if !c.usesTools() {
		return text
	}
	name, ok := c.executor.DetectToolFromText(text)
	if !ok {
		return text
	}
	instructions, ok := c.executor.GenerateInstructions(name)
	if !ok {
		return text
	}
	slog.Debug("Tool detected in prompt", "tool", name)
	return text + "\n\n" + instructions
}

// begin appends the user message and returns the history length before it,
// for rollback.
func (c *Client) begin(text string) int {
	prompt := c.formatPrompt(text)

	c.mu.Lock()
	defer c.mu.Unlock()
	mark := len(c.history)
	c.history = append(c.history, protocol.UserMessage(prompt))
	return mark
}

func (c *Client) appendMessage(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msg)
}

func (c *Client) snapshot() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.history...)
}

func (c *Client) rollback(mark int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mark < len(c.history) {
		c.history = c.history[:mark]
	}
}

// callError normalizes a failed backend call. Deadlines and cancellations of
// the call context take precedence over the backend's own classification.
func callError(callCtx context.Context, op string, err error) error {
	if callCtx.Err() != nil {
		return protocol.FromContext(callCtx, component, op, err, protocol.KindConnection)
	}
	if _, ok := err.(*protocol.Error); ok {
		return err
	}
	return protocol.NewError(protocol.KindConnection, component, op, "backend call failed", err)
}

// generate performs one non-streaming backend call with the full history.
func (c *Client) generate(ctx context.Context) (*llms.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.backend.Generate(callCtx, c.snapshot())
	if err != nil {
		return nil, callError(callCtx, "generate", err)
	}
	return resp, nil
}

// pickCall prefers a call embedded in the text over native calls.
func (c *Client) pickCall(text string, native []protocol.ToolCall) (protocol.ToolCall, bool, bool) {
	if !c.usesTools() {
		return protocol.ToolCall{}, false, false
	}
	if call, ok := toolcall.ExtractFirst(text); ok {
		return call, true, false
	}
	if len(native) > 0 {
		return native[0], true, true
	}
	return protocol.ToolCall{}, false, false
}

// runTool executes call and appends the Tool message. Tool failures are
// serialized into the message, not returned.
func (c *Client) runTool(ctx context.Context, call protocol.ToolCall) protocol.ToolCallResult {
	slog.Info("Executing tool call", "tool", call.ToolName, "function", call.FunctionName, "call_id", call.ID)

	result, err := c.executor.ExecuteFunction(ctx, call.ToolName, call.FunctionName, call.Arguments)
	if err != nil {
		if result.OK() || result.Error == "" {
			result = protocol.Failure(err.Error())
		}
		slog.Warn("Tool call failed", "tool", call.ToolName, "function", call.FunctionName, "error", err)
	}

	callResult := protocol.NewToolCallResult(call.ID, result)
	c.appendMessage(protocol.ToolMessage(call.ToolName, callResult.Content()))

	c.hookMu.RLock()
	hook := c.hook
	c.hookMu.RUnlock()
	if hook != nil {
		hook(call, callResult)
	}
	return callResult
}

// SendPrompt runs one turn and returns the final assistant answer. A failed
// turn leaves the history as it was.
func (c *Client) SendPrompt(ctx context.Context, text string) (answer string, err error) {
	ctx, span := c.startTurn(ctx, false)
	defer func() { endTurn(span, err) }()

	mark := c.begin(text)
	defer func() {
		if err != nil {
			c.rollback(mark)
		}
	}()

	resp, err := c.generate(ctx)
	if err != nil {
		return "", err
	}
	c.appendMessage(protocol.AssistantMessage(resp.Content))

	call, ok, _ := c.pickCall(resp.Content, resp.ToolCalls)
	if !ok {
		return resp.Content, nil
	}

	span.SetAttributes(attribute.String(observability.AttrToolName, call.ToolName))
	c.runTool(ctx, call)

	followUp, err := c.generate(ctx)
	if err != nil {
		return "", err
	}
	c.appendMessage(protocol.AssistantMessage(followUp.Content))
	return followUp.Content, nil
}

// GetHistory returns a copy of the history.
func (c *Client) GetHistory() []protocol.Message {
	return c.snapshot()
}

// ClearHistory empties the history. With keepSystem the leading System
// message survives; otherwise the configured system prompt, if any, is
// re-seeded.
func (c *Client) ClearHistory(keepSystem bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if keepSystem && len(c.history) > 0 && c.history[0].Role == protocol.RoleSystem {
		c.history = []protocol.Message{c.history[0]}
		return
	}

	c.history = nil
	if c.systemPrompt != "" {
		c.history = []protocol.Message{protocol.SystemMessage(c.systemPrompt)}
	}
}

// UpdateSystemPrompt replaces the leading System message, inserting one when
// absent. An empty text removes it.
func (c *Client) UpdateSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.systemPrompt = text
	hasSystem := len(c.history) > 0 && c.history[0].Role == protocol.RoleSystem

	switch {
	case text == "" && hasSystem:
		c.history = append([]protocol.Message(nil), c.history[1:]...)
	case text == "":
	case hasSystem:
		c.history[0] = protocol.SystemMessage(text)
	default:
		c.history = append([]protocol.Message{protocol.SystemMessage(text)}, c.history...)
	}
}

// SetToolCallHook replaces the hook installed by WithToolCallHook.
func (c *Client) SetToolCallHook(fn ToolCallHook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hook = fn
}

func (c *Client) Backend() llms.Backend {
	return c.backend
}

func (c *Client) Close() error {
	return c.backend.Close()
}
