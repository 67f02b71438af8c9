package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/kadirpekel/toolbridge/pkg/protocol"
	"github.com/kadirpekel/toolbridge/pkg/tools"
)

// PromptCmd sends one prompt and prints the final answer.
type PromptCmd struct {
	Text   string `arg:"" help:"Prompt text."`
	Stream bool   `help:"Print the answer as it streams."`
}

func (c *PromptCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := startApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return chatTurn(ctx, a.bridge, os.Stdout, c.Text, c.Stream)
}

// CallCmd invokes a tool function without involving the model.
type CallCmd struct {
	Tool     string `arg:"" help:"Tool name."`
	Function string `arg:"" help:"Function name."`
	Args     string `short:"a" help:"Arguments as a JSON object." default:"{}"`
}

func (c *CallCmd) Run(cli *CLI) error {
	args, err := parseArgs(c.Args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := startApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	result, err := a.bridge.CallTool(ctx, c.Tool, c.Function, args)
	if printErr := printJSON(os.Stdout, result); printErr != nil {
		return printErr
	}
	return err
}

func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ToolsCmd lists the tools the configured servers provide.
type ToolsCmd struct {
	Category     string `help:"Only tools in this category."`
	Keyword      string `help:"Only tools tagged with this keyword."`
	Instructions string `help:"Print the usage instructions of one tool." placeholder:"TOOL"`
	JSON         bool   `name:"json" help:"Print schemas as JSON."`
}

func (c *ToolsCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := startApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	registry := a.bridge.Registry()
	if c.Instructions != "" {
		text, ok := registry.GenerateInstructions(c.Instructions)
		if !ok {
			return fmt.Errorf("tool %q not found", c.Instructions)
		}
		fmt.Println(text)
		return nil
	}

	return listTools(os.Stdout, registry, c.Category, c.Keyword, c.JSON)
}

func listTools(w io.Writer, registry *tools.Registry, category, keyword string, asJSON bool) error {
	var schemas []protocol.ToolSchema
	switch {
	case category != "":
		schemas = registry.ListByCategory(category)
	case keyword != "":
		schemas = registry.ListByKeyword(keyword)
	default:
		schemas = registry.List()
	}

	if asJSON {
		return printJSON(w, schemas)
	}
	if len(schemas) == 0 {
		fmt.Fprintln(w, "No tools available")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSERVER\tCATEGORY\tFUNCTIONS")
	for _, schema := range schemas {
		names := make([]string, len(schema.Functions))
		for i, fn := range schema.Functions {
			names[i] = fn.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", schema.Name, schema.Server, schema.Category, strings.Join(names, ", "))
	}
	return tw.Flush()
}
