package config

import (
	"github.com/invopop/jsonschema"
)

// SchemaID identifies the generated configuration schema.
const SchemaID = "https://github.com/kadirpekel/toolbridge/schemas/config.json"

// Schema reflects the JSON Schema of Config from its jsonschema struct tags.
// Definitions are inlined so editors can consume the document directly.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&Config{})
	schema.ID = SchemaID
	schema.Title = "toolbridge configuration"
	schema.Description = "Configuration of the model backend, tool servers and HTTP API"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	return schema
}
