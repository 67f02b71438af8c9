// Package transport moves tool requests between the bridge and tool servers.
//
// Every transport speaks the same JSON-RPC 2.0 envelope and exposes the
// same Client surface: Connect, ListTools, Invoke and Close. Failures never
// escape Invoke as Go errors; they are folded into an error Result so a
// conversation can report them back to the model.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// Kinds reported by Client.Kind.
const (
	KindHTTP          = "http"
	KindContainerExec = "container_exec"
	KindLocalProcess  = "local_process"
	KindMCPStdio      = "mcp_stdio"
)

// Methods understood by tool servers.
const (
	MethodConnect      = "connect"
	MethodDisconnect   = "disconnect"
	MethodGetTools     = "getTools"
	MethodCallFunction = "callFunction"
)

// Client is a connection to one tool server.
type Client interface {
	// Connect reports whether the server answered the connect request.
	Connect(ctx context.Context) bool

	// ListTools returns the tool schemas the server advertises.
	ListTools(ctx context.Context) ([]protocol.ToolSchema, error)

	// Invoke runs function of tool with args. It never returns a Go error.
	Invoke(ctx context.Context, tool, function string, args map[string]any) protocol.Result

	// Close releases resources and reports whether the server acknowledged.
	Close(ctx context.Context) bool

	Name() string
	Kind() string
}

// exchanger delivers one request envelope and returns the server's answer.
type exchanger interface {
	exchange(ctx context.Context, req *request) (*response, error)
}

// rpcClient implements Client on top of an exchanger.
type rpcClient struct {
	name   string
	kind   string
	nextID atomic.Int64
	ex     exchanger
}

func newRPCClient(name, kind string, ex exchanger) *rpcClient {
	return &rpcClient{name: name, kind: kind, ex: ex}
}

func (c *rpcClient) Name() string { return c.name }
func (c *rpcClient) Kind() string { return c.kind }

// call sends method and returns the raw result. Error envelopes become
// tool execution errors; id mismatches become protocol errors.
func (c *rpcClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := newRequest(c.nextID.Add(1), method, params)

	resp, err := c.ex.exchange(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.FromContext(ctx, c.component(), method, err, protocol.KindConnection)
		}
		return nil, err
	}

	if resp.ID != req.ID {
		return nil, protocol.NewError(protocol.KindProtocol, c.component(), method,
			fmt.Sprintf("response id %d does not match request id %d", resp.ID, req.ID), nil)
	}
	if resp.Error != nil {
		return nil, protocol.NewError(protocol.KindToolExecution, c.component(), method, resp.Error.Error(), nil)
	}
	return resp.Result, nil
}

func (c *rpcClient) component() string {
	return "transport/" + c.name
}

func (c *rpcClient) Connect(ctx context.Context) bool {
	if _, err := c.call(ctx, MethodConnect, map[string]any{}); err != nil {
		slog.Warn("Tool server connect failed", "server", c.name, "transport", c.kind, "error", err)
		return false
	}
	slog.Debug("Tool server connected", "server", c.name, "transport", c.kind)
	return true
}

func (c *rpcClient) ListTools(ctx context.Context) ([]protocol.ToolSchema, error) {
	raw, err := c.call(ctx, MethodGetTools, map[string]any{})
	if err != nil {
		return nil, err
	}
	tools, err := decodeToolList(raw)
	if err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, c.component(), MethodGetTools, "invalid tool list", err)
	}
	return tools, nil
}

func (c *rpcClient) Invoke(ctx context.Context, tool, function string, args map[string]any) protocol.Result {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, MethodCallFunction, callParams{Tool: tool, Function: function, Parameters: args})
	if err != nil {
		return protocol.Failure(err.Error())
	}
	return decodeResult(raw)
}

func (c *rpcClient) Close(ctx context.Context) bool {
	if _, err := c.call(ctx, MethodDisconnect, map[string]any{}); err != nil {
		slog.Debug("Tool server disconnect failed", "server", c.name, "error", err)
		return false
	}
	return true
}
