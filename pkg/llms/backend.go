// Package llms provides the model backends the conversation client talks to.
package llms

import (
	"context"
	"strings"

	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// Stream chunk types.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// Response is a complete, non-streamed model answer.
type Response struct {
	Content string
	// ToolCalls are calls the backend returned natively, outside the text.
	ToolCalls []protocol.ToolCall
}

// StreamChunk is one element of a streamed answer. The channel returned by
// GenerateStreaming delivers chunks in arrival order and is closed after a
// done or error chunk.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *protocol.ToolCall
	Error    error
}

// Backend sends a conversation history to a model.
type Backend interface {
	Generate(ctx context.Context, messages []protocol.Message) (*Response, error)

	GenerateStreaming(ctx context.Context, messages []protocol.Message) (<-chan StreamChunk, error)

	Provider() string
	ModelName() string
	Close() error
}

// nativeCall converts a backend function call into a ToolCall. Names of the
// form "tool.function" or "tool__function" address one function of a tool;
// a bare name is used for both.
func nativeCall(id, name string, args map[string]any) protocol.ToolCall {
	tool, function := name, name
	if i := strings.Index(name, "__"); i > 0 {
		tool, function = name[:i], name[i+2:]
	} else if i := strings.Index(name, "."); i > 0 {
		tool, function = name[:i], name[i+1:]
	}

	call := protocol.NewToolCall(tool, function, args)
	if id != "" {
		call.ID = id
	}
	return call
}

// toolResultText renders a tool message for backends without a tool role.
func toolResultText(msg protocol.Message) string {
	if msg.ToolName == "" {
		return "Tool result:\n" + msg.Content
	}
	return "Tool result from " + msg.ToolName + ":\n" + msg.Content
}

// splitSystem separates leading and embedded system messages from the rest
// of the history. System texts are joined with blank lines.
func splitSystem(messages []protocol.Message) (string, []protocol.Message) {
	var system []string
	rest := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == protocol.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// sendChunk delivers c unless ctx is done.
func sendChunk(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
