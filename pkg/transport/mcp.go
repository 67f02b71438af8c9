// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// MCPProtocolVersion is sent in the initialize handshake.
const MCPProtocolVersion = "2024-11-05"

// MCPClient talks to a long-lived MCP server over stdio. The server is
// exposed as a single tool named after it whose functions are the MCP tools.
type MCPClient struct {
	name    string
	command string
	args    []string
	env     []string

	mu     sync.Mutex
	client *client.Client
}

func NewMCPClient(name string, cfg config.TransportConfig) (*MCPClient, error) {
	if cfg.Command == "" {
		return nil, protocol.NewError(protocol.KindConfiguration, "transport/"+name, "new", "command is required", nil)
	}
	return &MCPClient{
		name:    name,
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		env:     mergeEnv(nil, cfg.Env),
	}, nil
}

func (c *MCPClient) Name() string { return c.name }
func (c *MCPClient) Kind() string { return KindMCPStdio }

func (c *MCPClient) component() string {
	return "transport/" + c.name
}

// Connect spawns the server and performs the initialize handshake.
func (c *MCPClient) Connect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return true
	}

	mcpClient, err := client.NewStdioMCPClient(c.command, c.env, c.args...)
	if err != nil {
		slog.Warn("Failed to start MCP server", "server", c.name, "command", c.command, "error", err)
		return false
	}

	if err := mcpClient.Start(ctx); err != nil {
		mcpClient.Close()
		slog.Warn("Failed to start MCP client", "server", c.name, "error", err)
		return false
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "toolbridge",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = MCPProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		slog.Warn("MCP initialize failed", "server", c.name, "error", err)
		return false
	}

	c.client = mcpClient
	slog.Info("Connected to MCP server (stdio)", "server", c.name, "command", c.command)
	return true
}

func (c *MCPClient) current() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, protocol.NewError(protocol.KindConnection, c.component(), "call", "MCP client not connected", nil)
	}
	return c.client, nil
}

func (c *MCPClient) ListTools(ctx context.Context) ([]protocol.ToolSchema, error) {
	mcpClient, err := c.current()
	if err != nil {
		return nil, err
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, protocol.FromContext(ctx, c.component(), "list_tools", err, protocol.KindProtocol)
	}

	schema := protocol.ToolSchema{
		Name:        c.name,
		Description: fmt.Sprintf("Tools provided by the %s MCP server", c.name),
		Server:      c.name,
	}
	for _, t := range listResp.Tools {
		schema.Functions = append(schema.Functions, protocol.FunctionSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertInputSchema(t.InputSchema),
		})
	}
	return []protocol.ToolSchema{schema}, nil
}

// Invoke calls the MCP tool named by function. tool is the server name.
func (c *MCPClient) Invoke(ctx context.Context, tool, function string, args map[string]any) protocol.Result {
	mcpClient, err := c.current()
	if err != nil {
		return protocol.Failure(err.Error())
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = function
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return protocol.Failure(protocol.FromContext(ctx, c.component(), "call_tool", err, protocol.KindProtocol).Error())
	}

	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}

	if resp.IsError {
		if len(texts) == 0 {
			return protocol.Failure("unknown error")
		}
		return protocol.Failure(strings.Join(texts, "\n"))
	}

	switch len(texts) {
	case 0:
		return protocol.Success(nil)
	case 1:
		return protocol.Success(texts[0])
	default:
		return protocol.Success(texts)
	}
}

func (c *MCPClient) Close(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return false
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		slog.Debug("MCP close failed", "server", c.name, "error", err)
		return false
	}
	return true
}

// convertInputSchema maps a JSON schema object onto parameter schemas,
// ordered by name.
func convertInputSchema(schema mcp.ToolInputSchema) []protocol.ParameterSchema {
	return convertProperties(schema.Properties, schema.Required)
}

func convertProperties(props map[string]any, required []string) []protocol.ParameterSchema {
	if len(props) == 0 {
		return nil
	}

	requiredSet := make(map[string]bool, len(required))
	for _, r := range required {
		requiredSet[r] = true
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]protocol.ParameterSchema, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		p := convertProperty(name, prop)
		p.Required = requiredSet[name]
		params = append(params, p)
	}
	return params
}

func convertProperty(name string, prop map[string]any) protocol.ParameterSchema {
	p := protocol.ParameterSchema{Name: name}
	if prop == nil {
		return p
	}

	p.Type, _ = prop["type"].(string)
	p.Description, _ = prop["description"].(string)
	p.Default = prop["default"]

	switch enum := prop["enum"].(type) {
	case []string:
		p.Enum = append(p.Enum, enum...)
	case []any:
		for _, v := range enum {
			p.Enum = append(p.Enum, fmt.Sprint(v))
		}
	}
	if items, ok := prop["items"].(map[string]any); ok {
		item := convertProperty("", items)
		p.Items = &item
	}
	if nested, ok := prop["properties"].(map[string]any); ok {
		p.Properties = convertProperties(nested, stringSlice(prop["required"]))
	}
	return p
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, s := range vals {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

var _ Client = (*MCPClient)(nil)
