// Package toolcall finds tool-call requests embedded in model output.
//
// A call is a JSON object of the form
//
//	{"tool": "memory", "function": "create_entities", "parameters": {...}}
//
// preferably inside a fenced ```json block. At most one call is taken per text.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

var fencePattern = regexp.MustCompile("(?s)```[ \\t]*json[ \\t]*\\r?\\n(.*?)```")

type candidate struct {
	Tool       *string         `json:"tool"`
	Function   *string         `json:"function"`
	Parameters json.RawMessage `json:"parameters"`
}

// Extract returns the first tool call found in text, or nil.
func Extract(text string) []protocol.ToolCall {
	call, ok := ExtractFirst(text)
	if !ok {
		return nil
	}
	return []protocol.ToolCall{call}
}

// ExtractFirst tries fenced json blocks first, then every balanced object in
// the text from left to right.
func ExtractFirst(text string) (protocol.ToolCall, bool) {
	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		if call, ok := decode(strings.TrimSpace(m[1])); ok {
			return call, true
		}
	}

	for _, obj := range balancedObjects(text) {
		if call, ok := decode(obj); ok {
			return call, true
		}
	}
	return protocol.ToolCall{}, false
}

func decode(raw string) (protocol.ToolCall, bool) {
	if !strings.HasPrefix(raw, "{") {
		return protocol.ToolCall{}, false
	}

	var c candidate
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return protocol.ToolCall{}, false
	}
	if c.Tool == nil || c.Function == nil || *c.Tool == "" || *c.Function == "" {
		return protocol.ToolCall{}, false
	}

	args := map[string]any{}
	params := strings.TrimSpace(string(c.Parameters))
	switch {
	case params == "":
		return protocol.ToolCall{}, false
	case params == "null":
	default:
		if !strings.HasPrefix(params, "{") {
			return protocol.ToolCall{}, false
		}
		if err := json.Unmarshal(c.Parameters, &args); err != nil {
			return protocol.ToolCall{}, false
		}
	}

	return protocol.NewToolCall(*c.Tool, *c.Function, args), true
}

// balancedObjects returns every brace-balanced substring that starts at a
// '{', in order of the opening brace. Braces inside string literals are
// ignored.
func balancedObjects(text string) []string {
	var out []string
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		if end := matchBrace(text, start); end > start {
			out = append(out, text[start:end+1])
		}
	}
	return out
}

func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
