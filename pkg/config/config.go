// Package config defines the bridge configuration model and its loading
// pipeline: raw bytes from a provider, YAML/JSON parsing, environment
// expansion, decoding, defaults and validation.
package config

import (
	"fmt"
	"sort"

	"github.com/kadirpekel/toolbridge/pkg/logger"
	"github.com/kadirpekel/toolbridge/pkg/observability"
	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

// Config is the root configuration.
type Config struct {
	// LLM configures the conversation backend.
	LLM LLMConfig `yaml:"llm" json:"llm" jsonschema:"title=LLM,description=Conversation backend"`

	// ToolServers are keyed by server name.
	ToolServers map[string]*ToolServerConfig `yaml:"tool_servers,omitempty" json:"tool_servers,omitempty" jsonschema:"title=Tool Servers"`

	// Tools declares schemas statically. A tool whose Server is set is
	// executed by that server; servers may also list their own tools.
	Tools []protocol.ToolSchema `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Static Tool Schemas"`

	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`

	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`

	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	Transcript TranscriptConfig `yaml:"transcript,omitempty" json:"transcript,omitempty"`
}

// LoggerConfig is the logger section. --log-* flags and LOG_* variables
// take precedence over it.
type LoggerConfig struct {
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// File receives logs instead of stderr.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"enum=simple,enum=verbose,enum=json,enum=text,default=simple"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = logger.FormatSimple
	}
}

func (c *LoggerConfig) Validate() error {
	if _, err := logger.ParseLevel(c.Level); err != nil {
		return err
	}
	return logger.ValidateFormat(c.Format)
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.LLM.SetDefaults()

	if c.ToolServers == nil {
		c.ToolServers = make(map[string]*ToolServerConfig)
	}
	for name, srv := range c.ToolServers {
		if srv == nil {
			srv = &ToolServerConfig{}
			c.ToolServers[name] = srv
		}
		srv.SetDefaults()
	}

	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
	c.Server.SetDefaults()
	c.Transcript.SetDefaults()
}

// Validate checks every section. Errors name the offending section.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	for _, name := range c.ServerNames() {
		if err := c.ToolServers[name].Validate(); err != nil {
			return fmt.Errorf("tool_servers.%s: %w", name, err)
		}
	}

	seen := make(map[string]bool, len(c.Tools))
	for i, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if seen[tool.Name] {
			return fmt.Errorf("tools[%d]: duplicate tool %q", i, tool.Name)
		}
		seen[tool.Name] = true
		if tool.Server != "" {
			if _, ok := c.ToolServers[tool.Server]; !ok {
				return fmt.Errorf("tools[%d]: unknown server %q", i, tool.Server)
			}
		}
	}

	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Transcript.Validate(); err != nil {
		return fmt.Errorf("transcript: %w", err)
	}
	return nil
}

// ServerNames returns the tool server names in sorted order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.ToolServers))
	for name := range c.ToolServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
