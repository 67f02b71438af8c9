package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_FencedBlock(t *testing.T) {
	text := "I'll store that for you.\n\n```json\n{\"tool\": \"memory\", \"function\": \"create_entities\", \"parameters\": {\"name\": \"Alice\"}}\n```\nDone."

	calls := Extract(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "memory", calls[0].ToolName)
	assert.Equal(t, "create_entities", calls[0].FunctionName)
	assert.Equal(t, map[string]any{"name": "Alice"}, calls[0].Arguments)
	assert.NotEmpty(t, calls[0].ID)
}

func TestExtract_FirstValidFenceWins(t *testing.T) {
	text := "```json\n{\"note\": \"not a call\"}\n```\n" +
		"```json\n{\"tool\": \"a\", \"function\": \"one\", \"parameters\": {}}\n```\n" +
		"```json\n{\"tool\": \"b\", \"function\": \"two\", \"parameters\": {}}\n```"

	calls := Extract(text)
	require.Len(t, calls, 1)
	assert.Equal(t, "a", calls[0].ToolName)
}

func TestExtract_FenceBeatsEarlierBareObject(t *testing.T) {
	text := `{"tool": "bare", "function": "x", "parameters": {}} then ` +
		"```json\n{\"tool\": \"fenced\", \"function\": \"y\", \"parameters\": {}}\n```"

	call, ok := ExtractFirst(text)
	require.True(t, ok)
	assert.Equal(t, "fenced", call.ToolName)
}

func TestExtract_BareObject(t *testing.T) {
	text := `Calling {"tool": "search", "function": "query", "parameters": {"q": "a } tricky { string", "n": 2}} now`

	call, ok := ExtractFirst(text)
	require.True(t, ok)
	assert.Equal(t, "search", call.ToolName)
	assert.Equal(t, "a } tricky { string", call.Arguments["q"])
	assert.EqualValues(t, 2, call.Arguments["n"])
}

func TestExtract_NestedObjectSkipsOuter(t *testing.T) {
	text := `{"wrapper": {"tool": "inner", "function": "f", "parameters": null}}`

	call, ok := ExtractFirst(text)
	require.True(t, ok)
	assert.Equal(t, "inner", call.ToolName)
	assert.Equal(t, map[string]any{}, call.Arguments)
}

func TestExtract_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"plain text", "Hello, how can I help?"},
		{"empty", ""},
		{"missing parameters", `{"tool": "a", "function": "b"}`},
		{"empty tool", `{"tool": "", "function": "b", "parameters": {}}`},
		{"non-string tool", `{"tool": 3, "function": "b", "parameters": {}}`},
		{"array parameters", `{"tool": "a", "function": "b", "parameters": [1]}`},
		{"broken json fence", "```json\n{\"tool\": \"a\", \"function\": \n```"},
		{"unbalanced", `{"tool": "a", "function": "b", "parameters": {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Extract(tt.text))
		})
	}
}

func TestExtract_EmptyIsIdempotent(t *testing.T) {
	text := "No tools needed here."
	first := Extract(text)
	second := Extract(text)
	assert.Empty(t, first)
	assert.Equal(t, first, second)
}
