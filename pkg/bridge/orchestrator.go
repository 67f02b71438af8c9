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

// Package bridge ties a conversation to its tool registry and owns the
// lifecycle of the tool server connections.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/toolbridge/pkg/conversation"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
	"github.com/kadirpekel/toolbridge/pkg/tools"
)

const component = "bridge"

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Option func(*Orchestrator)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithListener registers fn before the orchestrator is used.
func WithListener(t EventType, fn Listener) Option {
	return func(o *Orchestrator) {
		o.AddListener(t, fn)
	}
}

// Orchestrator runs one logical conversation. Turns must not overlap.
type Orchestrator struct {
	conv     *conversation.Client
	registry *tools.Registry
	now      func() time.Time

	mu    sync.Mutex
	state State

	listeners listenerSet
}

func New(conv *conversation.Client, registry *tools.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conv:     conv,
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	conv.SetToolCallHook(func(call protocol.ToolCall, result protocol.ToolCallResult) {
		o.emit(Event{Type: EventToolCallExecuted, ToolCall: &call, Result: &result})
	})
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Start connects every tool server and moves to Running. Servers that fail
// to connect are logged and skipped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateRunning:
		o.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		state := o.state
		o.mu.Unlock()
		return protocol.NewError(protocol.KindConfiguration, component, "start",
			fmt.Sprintf("cannot start while %s", state), nil)
	}
	o.state = StateStarting
	o.mu.Unlock()

	status := o.registry.ConnectAll(ctx)
	if err := ctx.Err(); err != nil {
		o.registry.Close(context.WithoutCancel(ctx))
		o.setState(StateStopped)
		return protocol.FromContext(ctx, component, "start", err, protocol.KindConnection)
	}

	connected := 0
	for server, ok := range status {
		if ok {
			connected++
			continue
		}
		slog.Warn("Tool server unavailable", "server", server)
	}

	o.setState(StateRunning)
	slog.Info("Bridge started", "servers", len(status), "connected", connected, "tools", len(o.registry.List()))
	o.emit(Event{Type: EventStarted})
	return nil
}

// Stop closes the tool server connections and moves to Stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateStopped:
		o.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		state := o.state
		o.mu.Unlock()
		return protocol.NewError(protocol.KindConfiguration, component, "stop",
			fmt.Sprintf("cannot stop while %s", state), nil)
	}
	o.state = StateStopping
	o.mu.Unlock()

	o.registry.Close(ctx)

	o.setState(StateStopped)
	slog.Info("Bridge stopped")
	o.emit(Event{Type: EventStopped})
	return nil
}

// Close stops the bridge and releases the model backend.
func (o *Orchestrator) Close(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil {
		return err
	}
	return o.conv.Close()
}

func (o *Orchestrator) requireRunning(op string) error {
	if o.State() != StateRunning {
		return protocol.NewError(protocol.KindNotRunning, component, op, protocol.ErrNotRunning.Message, nil)
	}
	return nil
}

func (o *Orchestrator) SendPrompt(ctx context.Context, prompt string) (string, error) {
	if err := o.requireRunning("send_prompt"); err != nil {
		return "", err
	}
	answer, err := o.conv.SendPrompt(ctx, prompt)
	if err != nil {
		return "", err
	}
	o.emit(Event{Type: EventResponseReceived, Prompt: prompt, Response: answer})
	return answer, nil
}

func (o *Orchestrator) StreamPrompt(ctx context.Context, prompt string, handlers conversation.StreamHandlers) error {
	if err := o.requireRunning("stream_prompt"); err != nil {
		if handlers.OnError != nil {
			handlers.OnError(err)
		}
		return err
	}

	onComplete := handlers.OnComplete
	handlers.OnComplete = func(final string) {
		if onComplete != nil {
			onComplete(final)
		}
		o.emit(Event{Type: EventResponseReceived, Prompt: prompt, Response: final})
	}
	return o.conv.StreamPrompt(ctx, prompt, handlers)
}

// Stream forwards the conversation's event stream. When the bridge is not
// running the stream holds a single error event.
func (o *Orchestrator) Stream(ctx context.Context, prompt string) <-chan conversation.Event {
	out := make(chan conversation.Event, 1)
	if err := o.requireRunning("stream"); err != nil {
		out <- conversation.Event{Type: conversation.EventError, Err: err}
		close(out)
		return out
	}

	in := o.conv.Stream(ctx, prompt)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Type == conversation.EventComplete {
				o.emit(Event{Type: EventResponseReceived, Prompt: prompt, Response: ev.Final})
			}
			out <- ev
		}
	}()
	return out
}

// CallTool invokes a tool function directly, bypassing the model.
func (o *Orchestrator) CallTool(ctx context.Context, tool, function string, args map[string]any) (protocol.Result, error) {
	if err := o.requireRunning("call_tool"); err != nil {
		return protocol.Failure(err.Error()), err
	}

	result, err := o.registry.ExecuteFunction(ctx, tool, function, args)
	if err != nil {
		return result, err
	}

	call := protocol.NewToolCall(tool, function, args)
	callResult := protocol.NewToolCallResult(call.ID, result)
	o.emit(Event{Type: EventToolCallExecuted, ToolCall: &call, Result: &callResult})
	return result, nil
}

func (o *Orchestrator) History() []protocol.Message {
	return o.conv.GetHistory()
}

func (o *Orchestrator) ClearHistory(keepSystem bool) {
	o.conv.ClearHistory(keepSystem)
}

func (o *Orchestrator) UpdateSystemPrompt(text string) {
	o.conv.UpdateSystemPrompt(text)
}

func (o *Orchestrator) Tools() []protocol.ToolSchema {
	return o.registry.List()
}

func (o *Orchestrator) Registry() *tools.Registry {
	return o.registry
}

func (o *Orchestrator) Conversation() *conversation.Client {
	return o.conv
}
