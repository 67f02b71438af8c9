// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/toolbridge/pkg/config/provider"
)

// Parse decodes YAML or JSON bytes, expands environment references, applies
// defaults and validates.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(expandEnvVars(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Reload is a configuration change as it affects a running bridge.
type Reload struct {
	Config *Config

	LLM   bool
	Tools bool

	// Tool servers by name.
	Added   []string
	Removed []string
	Changed []string

	// RestartOnly names changed sections that a reload does not apply.
	RestartOnly []string
}

// BridgeChanged reports whether the bridge must be rebuilt.
func (r Reload) BridgeChanged() bool {
	return r.LLM || r.Tools || len(r.Added)+len(r.Removed)+len(r.Changed) > 0
}

// Diff compares two validated configurations.
func Diff(prev, next *Config) Reload {
	r := Reload{
		Config: next,
		LLM:    !reflect.DeepEqual(prev.LLM, next.LLM),
		Tools:  !reflect.DeepEqual(prev.Tools, next.Tools),
	}

	for _, name := range next.ServerNames() {
		old, ok := prev.ToolServers[name]
		switch {
		case !ok:
			r.Added = append(r.Added, name)
		case !reflect.DeepEqual(old, next.ToolServers[name]):
			r.Changed = append(r.Changed, name)
		}
	}
	for _, name := range prev.ServerNames() {
		if _, ok := next.ToolServers[name]; !ok {
			r.Removed = append(r.Removed, name)
		}
	}

	restartOnly := []struct {
		name string
		a, b any
	}{
		{"logger", prev.Logger, next.Logger},
		{"observability", prev.Observability, next.Observability},
		{"server", prev.Server, next.Server},
		{"transcript", prev.Transcript, next.Transcript},
	}
	for _, s := range restartOnly {
		if !reflect.DeepEqual(s.a, s.b) {
			r.RestartOnly = append(r.RestartOnly, s.name)
		}
	}
	return r
}

// Loader reads configuration from a provider and, while watching, reports
// changes against the last configuration it accepted.
type Loader struct {
	provider provider.Provider
	onReload func(Reload)

	mu      sync.Mutex
	current *Config
}

type LoaderOption func(*Loader)

// WithOnReload registers fn for changes that require a new bridge.
func WithOnReload(fn func(Reload)) LoaderOption {
	return func(l *Loader) {
		l.onReload = fn
	}
}

func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads and parses the configuration and makes it current.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch blocks until ctx is done. An invalid new configuration is logged
// and the current one stays in effect.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}
	if changes == nil {
		slog.Info("Config source cannot be watched", "source", l.provider.Type())
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			l.apply(ctx)
		}
	}
}

func (l *Loader) apply(ctx context.Context) {
	prev := l.Current()
	next, err := l.Load(ctx)
	if err != nil {
		slog.Error("Ignoring invalid configuration", "source", l.provider.Type(), "error", err)
		return
	}
	if prev == nil {
		prev = &Config{}
	}

	r := Diff(prev, next)
	if len(r.RestartOnly) > 0 {
		slog.Warn("Configuration sections change only after restart", "sections", r.RestartOnly)
	}
	if !r.BridgeChanged() {
		slog.Info("Configuration reloaded, bridge unaffected")
		return
	}

	slog.Info("Configuration changed",
		"llm", r.LLM,
		"tools", r.Tools,
		"servers_added", r.Added,
		"servers_removed", r.Removed,
		"servers_changed", r.Changed)
	if l.onReload != nil {
		l.onReload(r)
	}
}

func (l *Loader) Close() error {
	return l.provider.Close()
}
