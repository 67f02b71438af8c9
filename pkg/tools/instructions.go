package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// GenerateInstructions renders usage text for a tool: its functions, their
// parameters and a fenced JSON call the model can copy.
func (r *Registry) GenerateInstructions(name string) (string, bool) {
	schema, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return RenderInstructions(schema), true
}

// RenderInstructions is GenerateInstructions for an unregistered schema.
func RenderInstructions(schema protocol.ToolSchema) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Tool: %s\n", schema.Name)
	if schema.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", schema.Description)
	}

	b.WriteString("\nFunctions:\n")
	for _, fn := range schema.Functions {
		fmt.Fprintf(&b, "- %s", fn.Name)
		if fn.Description != "" {
			fmt.Fprintf(&b, ": %s", fn.Description)
		}
		b.WriteString("\n")
		writeParams(&b, fn.Parameters, "    ")
	}

	if len(schema.Functions) > 0 {
		fn := schema.Functions[0]
		example := map[string]any{
			"tool":       schema.Name,
			"function":   fn.Name,
			"parameters": GenerateExampleArgs(fn),
		}
		data, _ := json.MarshalIndent(example, "", "  ")

		b.WriteString("\nTo use this tool, reply with a JSON block like this:\n")
		b.WriteString("```json\n")
		b.Write(data)
		b.WriteString("\n```\n")
	}

	return b.String()
}

func writeParams(b *strings.Builder, params []protocol.ParameterSchema, indent string) {
	for _, p := range params {
		req := "optional"
		if p.Required {
			req = "required"
		}
		fmt.Fprintf(b, "%s%s (%s, %s)", indent, p.Name, typeLabel(p), req)
		if p.Description != "" {
			fmt.Fprintf(b, ": %s", p.Description)
		}
		if len(p.Enum) > 0 {
			fmt.Fprintf(b, " [one of: %s]", strings.Join(p.Enum, ", "))
		}
		b.WriteString("\n")
		if len(p.Properties) > 0 {
			writeParams(b, p.Properties, indent+"  ")
		}
	}
}

func typeLabel(p protocol.ParameterSchema) string {
	if p.Type == "array" && p.Items != nil && p.Items.Type != "" {
		return "array of " + p.Items.Type
	}
	if p.Type == "" {
		return "any"
	}
	return p.Type
}

// GenerateExampleArgs builds placeholder arguments for every parameter of fn.
func GenerateExampleArgs(fn protocol.FunctionSchema) map[string]any {
	args := make(map[string]any, len(fn.Parameters))
	for _, p := range fn.Parameters {
		args[p.Name] = exampleValue(p)
	}
	return args
}

func exampleValue(p protocol.ParameterSchema) any {
	switch strings.ToLower(p.Type) {
	case "string":
		if p.Default != nil {
			return p.Default
		}
		if len(p.Enum) > 0 {
			return p.Enum[0]
		}
		return "example"
	case "number":
		return 1.5
	case "integer":
		return 1
	case "boolean":
		return true
	case "array":
		if p.Items == nil {
			return []any{}
		}
		return []any{exampleValue(*p.Items)}
	case "object":
		obj := make(map[string]any, len(p.Properties))
		for _, prop := range p.Properties {
			obj[prop.Name] = exampleValue(prop)
		}
		return obj
	default:
		return nil
	}
}
