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

// Command toolbridge connects a language model to tool servers.
//
// Usage:
//
//	toolbridge chat --config toolbridge.yaml
//	toolbridge prompt "What is stored in memory?"
//	toolbridge call memory read_graph --args '{}'
//	toolbridge serve --watch
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/config/provider"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Start an interactive chat with tool calling."`
	Prompt   PromptCmd   `cmd:"" help:"Send one prompt and print the answer."`
	Call     CallCmd     `cmd:"" help:"Call a tool function directly."`
	Tools    ToolsCmd    `cmd:"" help:"List registered tools."`
	Serve    ServeCmd    `cmd:"" help:"Serve the bridge over HTTP."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON Schema."`

	Config          string   `short:"c" help:"Config file path, or key for remote sources." default:"toolbridge.yaml" env:"TOOLBRIDGE_CONFIG"`
	ConfigSource    string   `name:"config-source" help:"Config source (file, consul, etcd, zookeeper)." default:"file" enum:"file,consul,etcd,zookeeper"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints of a remote config source." sep:","`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`
}

const defaultConfigPath = "toolbridge.yaml"

// configSource maps the --config flags to a provider source. Remote stores
// read provider.DefaultKey unless -c names another key.
func (c *CLI) configSource() provider.Source {
	src := provider.Source{
		Type:      provider.Type(c.ConfigSource),
		Path:      c.Config,
		Endpoints: c.ConfigEndpoints,
	}
	if src.Type.Remote() && src.Path == defaultConfigPath {
		src.Path = ""
	}
	return src
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("toolbridge version %s\n", version())
	return nil
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			slog.Info("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("toolbridge"),
		kong.Description("Bridge a language model to tool servers"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
