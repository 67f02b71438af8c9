package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

const jsonRPCVersion = "2.0"

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(id int64, method string, params any) *request {
	return &request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

type callParams struct {
	Tool       string         `json:"tool"`
	Function   string         `json:"function"`
	Parameters map[string]any `json:"parameters"`
}

// decodeEnvelope parses data as a response. The result must carry either a
// result or an error member.
func decodeEnvelope(data []byte) (*response, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	if resp.Result == nil && resp.Error == nil {
		return nil, false
	}
	return &resp, true
}

// decodeBody parses an HTTP body as JSON, falling back to SSE data lines.
func decodeBody(body []byte) (*response, error) {
	if resp, ok := decodeEnvelope(bytes.TrimSpace(body)); ok {
		return resp, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var data strings.Builder
	flush := func() (*response, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		resp, ok := decodeEnvelope([]byte(data.String()))
		data.Reset()
		return resp, ok
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("response is neither a JSON-RPC envelope nor an SSE stream")
}

// matchLine returns the first stdout line that starts with '{' and decodes to
// an envelope for id. found reports whether any envelope was seen at all.
func matchLine(stdout []byte, id int64) (resp *response, found bool) {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		candidate, ok := decodeEnvelope([]byte(line))
		if !ok {
			continue
		}
		found = true
		if candidate.ID == id {
			return candidate, true
		}
	}
	return nil, found
}

// decodeToolList accepts either an array of schemas or {"tools": [...]}.
func decodeToolList(raw json.RawMessage) ([]protocol.ToolSchema, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var tools []protocol.ToolSchema
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &tools); err != nil {
			return nil, err
		}
		return tools, nil
	}

	var wrapped struct {
		Tools []protocol.ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Tools, nil
}

func decodeResult(raw json.RawMessage) protocol.Result {
	if len(raw) == 0 {
		return protocol.Success(nil)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return protocol.Failure(fmt.Sprintf("invalid result: %v", err))
	}
	return protocol.Success(value)
}
