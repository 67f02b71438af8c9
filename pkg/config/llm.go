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
	"os"
	"time"
)

// LLMProvider identifies the backend that serves chat requests.
type LLMProvider string

const (
	// LLMProviderOllama speaks the NDJSON chat protocol of a local model runtime.
	LLMProviderOllama LLMProvider = "ollama"

	// LLMProviderHTTP is any endpoint accepting the same request body as ollama.
	LLMProviderHTTP LLMProvider = "http"

	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderGemini    LLMProvider = "gemini"
)

const (
	DefaultOllamaEndpoint = "http://localhost:11434/api/chat"
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 4096
	DefaultLLMTimeout     = 300 * time.Second
)

// LLMConfig configures the conversation backend.
type LLMConfig struct {
	// Provider type (ollama, http, openai, anthropic, gemini).
	Provider LLMProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=LLM backend,enum=ollama,enum=http,enum=openai,enum=anthropic,enum=gemini,default=ollama"`

	// Model name (e.g., "llama3", "gpt-4o").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// Endpoint is the chat URL for ollama/http, or a base URL override for hosted providers.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" jsonschema:"title=Endpoint,description=Chat endpoint or API base URL"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// SystemPrompt seeds the conversation history.
	SystemPrompt string `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty" jsonschema:"title=System Prompt,description=Initial system message"`

	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2,default=0.7"`

	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum tokens to generate,minimum=1,default=4096"`

	// Stop sequences passed through to the backend.
	Stop []string `yaml:"stop,omitempty" json:"stop,omitempty" jsonschema:"title=Stop Sequences,description=Sequences that end generation"`

	// Timeout bounds each backend call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Per-request timeout (e.g. 300s),default=300s"`

	// EnableTools turns on tool detection and tool call extraction.
	EnableTools *bool `yaml:"enable_tools,omitempty" json:"enable_tools,omitempty" jsonschema:"title=Enable Tools,description=Detect and execute tool calls,default=true"`
}

// SetDefaults applies default values.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}

	if c.Model == "" {
		switch c.Provider {
		case LLMProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case LLMProviderOpenAI:
			c.Model = "gpt-4o"
		case LLMProviderGemini:
			c.Model = "gemini-2.0-flash"
		case LLMProviderOllama, LLMProviderHTTP:
			c.Model = "llama3.2"
		}
	}

	if c.Endpoint == "" && (c.Provider == LLMProviderOllama || c.Provider == LLMProviderHTTP) {
		c.Endpoint = DefaultOllamaEndpoint
	}

	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(string(c.Provider))
	}

	if c.Temperature == nil {
		temp := DefaultTemperature
		c.Temperature = &temp
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}

	if c.Timeout == 0 {
		c.Timeout = DefaultLLMTimeout
	}

	if c.EnableTools == nil {
		c.EnableTools = BoolPtr(true)
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	validProviders := map[LLMProvider]bool{
		LLMProviderOllama:    true,
		LLMProviderHTTP:      true,
		LLMProviderOpenAI:    true,
		LLMProviderAnthropic: true,
		LLMProviderGemini:    true,
	}

	if !validProviders[c.Provider] {
		return fmt.Errorf("invalid provider %q (valid: ollama, http, openai, anthropic, gemini)", c.Provider)
	}

	if c.Model == "" {
		return fmt.Errorf("model is required")
	}

	if c.RequiresAPIKey() && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	return nil
}

// RequiresAPIKey reports whether the provider is a hosted API.
func (c *LLMConfig) RequiresAPIKey() bool {
	switch c.Provider {
	case LLMProviderOllama, LLMProviderHTTP:
		return false
	default:
		return true
	}
}

// ToolsEnabled returns EnableTools, defaulting to true.
func (c *LLMConfig) ToolsEnabled() bool {
	return BoolValue(c.EnableTools, true)
}

// TemperatureValue returns the configured temperature or the default.
func (c *LLMConfig) TemperatureValue() float64 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// detectProviderFromEnv picks a hosted provider when its key is present and
// falls back to a local ollama runtime.
func detectProviderFromEnv() LLMProvider {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return LLMProviderAnthropic
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return LLMProviderGemini
	}
	return LLMProviderOllama
}
