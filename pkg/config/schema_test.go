package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema(t *testing.T) {
	schema := Schema()
	assert.Equal(t, SchemaID, schema.ID.String())

	data, err := json.Marshal(schema)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "schema has no properties")
	for _, key := range []string{"llm", "tool_servers", "tools", "server", "transcript"} {
		assert.Contains(t, props, key)
	}
	assert.Contains(t, string(data), "System Prompt")
}
