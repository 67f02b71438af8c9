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

package config

import (
	"fmt"
	"net/url"
)

// TransportType selects how requests reach a tool server.
type TransportType string

const (
	// TransportHTTP posts one JSON-RPC envelope per request.
	TransportHTTP TransportType = "http"

	// TransportContainerExec runs the server entrypoint inside a container per request.
	TransportContainerExec TransportType = "container_exec"

	// TransportLocalProcess spawns a local command per request.
	TransportLocalProcess TransportType = "local_process"

	// TransportMCPStdio keeps a long-lived MCP server on stdio.
	TransportMCPStdio TransportType = "mcp_stdio"
)

const (
	DefaultEntrypoint   = "node dist/index.js"
	DefaultDockerBinary = "docker"
)

// TransportConfig is a tagged union selected by Type.
type TransportConfig struct {
	Type TransportType `yaml:"type" json:"type" jsonschema:"title=Transport Type,description=How the tool server is reached,enum=http,enum=container_exec,enum=local_process,enum=mcp_stdio"`

	// HTTP
	URL     string            `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"title=URL,description=Tool server URL (type=http)"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" jsonschema:"title=Headers,description=Extra request headers (type=http)"`
	// InsecureSkipVerify disables TLS certificate checks.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty" jsonschema:"title=Insecure Skip Verify,description=Skip TLS verification (type=http)"`
	// CACertificate is a PEM file added to the trusted roots.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty" jsonschema:"title=CA Certificate,description=Path to a PEM CA bundle (type=http)"`

	// Container exec
	ContainerID  string `yaml:"container_id,omitempty" json:"container_id,omitempty" jsonschema:"title=Container ID,description=Target container (type=container_exec)"`
	Image        string `yaml:"image,omitempty" json:"image,omitempty" jsonschema:"title=Image,description=Resolve the container by image when container_id is empty"`
	Entrypoint   string `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty" jsonschema:"title=Entrypoint,description=Shell command run inside the container,default=node dist/index.js"`
	DockerBinary string `yaml:"docker_binary,omitempty" json:"docker_binary,omitempty" jsonschema:"title=Docker Binary,description=Container CLI,default=docker"`

	// Local process and MCP stdio
	Command string            `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"title=Command,description=Executable (type=local_process or mcp_stdio)"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty" jsonschema:"title=Args,description=Command arguments"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"title=Environment Variables,description=Merged over the process environment"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty" jsonschema:"title=Working Directory,description=Working directory (type=local_process)"`
}

// SetDefaults applies default values.
func (c *TransportConfig) SetDefaults() {
	if c.Type == "" {
		switch {
		case c.URL != "":
			c.Type = TransportHTTP
		case c.ContainerID != "" || c.Image != "":
			c.Type = TransportContainerExec
		case c.Command != "":
			c.Type = TransportLocalProcess
		}
	}

	if c.Type == TransportContainerExec {
		if c.Entrypoint == "" {
			c.Entrypoint = DefaultEntrypoint
		}
		if c.DockerBinary == "" {
			c.DockerBinary = DefaultDockerBinary
		}
	}
}

// Validate checks the transport configuration.
func (c *TransportConfig) Validate() error {
	switch c.Type {
	case TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("url is required for http transport")
		}
		if _, err := url.ParseRequestURI(c.URL); err != nil {
			return fmt.Errorf("invalid url %q: %w", c.URL, err)
		}
	case TransportContainerExec:
		if c.ContainerID == "" && c.Image == "" {
			return fmt.Errorf("container_id or image is required for container_exec transport")
		}
	case TransportLocalProcess, TransportMCPStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for %s transport", c.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("invalid type %q (valid: http, container_exec, local_process, mcp_stdio)", c.Type)
	}
	return nil
}

// ToolServerConfig configures one tool server.
type ToolServerConfig struct {
	// Enabled controls whether the server is connected at start.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Whether the server is active,default=true"`

	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description,description=What this server provides"`

	Transport TransportConfig `yaml:"transport" json:"transport" jsonschema:"title=Transport,description=How the server is reached"`

	// Filter limits which tools from the server are registered.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty" jsonschema:"title=Filter,description=Limit which tools are registered from this server"`
}

// SetDefaults applies default values.
func (c *ToolServerConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	c.Transport.SetDefaults()
}

// Validate checks the tool server configuration.
func (c *ToolServerConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// IsEnabled returns Enabled, defaulting to true.
func (c *ToolServerConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// Allows reports whether tool passes the server's filter.
func (c *ToolServerConfig) Allows(tool string) bool {
	if len(c.Filter) == 0 {
		return true
	}
	for _, name := range c.Filter {
		if name == tool {
			return true
		}
	}
	return false
}
