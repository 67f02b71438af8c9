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

package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/toolbridge/pkg/config"
	"github.com/kadirpekel/toolbridge/pkg/logger"
)

const (
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
	// DefaultLogFormat is the default log format
	DefaultLogFormat = "simple"
)

// logSettings records where the active logger came from.
type logSettings struct {
	level, file, format string
	// explicit is true when a flag or environment variable chose any value,
	// in which case the config file's logger section is ignored.
	explicit bool
}

var activeLog logSettings

// resolveLogSettings applies priority: CLI flags > env vars > defaults.
func resolveLogSettings(cliLogLevel, cliLogFile, cliLogFormat string) logSettings {
	pick := func(flag, env string) string {
		if flag != "" {
			return flag
		}
		return os.Getenv(env)
	}

	s := logSettings{
		level:  pick(cliLogLevel, LogLevelEnvVar),
		file:   pick(cliLogFile, LogFileEnvVar),
		format: pick(cliLogFormat, LogFormatEnvVar),
	}
	s.explicit = s.level != "" || s.file != "" || s.format != ""

	if s.level == "" {
		s.level = "info"
	}
	if s.format == "" {
		s.format = DefaultLogFormat
	}
	return s
}

func initLogger(s logSettings) (func(), error) {
	level, err := logger.ParseLevel(s.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	cleanup := func() {}
	if s.file != "" {
		file, closeFn, err := logger.OpenLogFile(s.file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, s.format)
	activeLog = s
	return cleanup, nil
}

// initLoggerFromCLI initializes the logger before any config is loaded.
func initLoggerFromCLI(cliLogLevel, cliLogFile, cliLogFormat string) (func(), error) {
	return initLogger(resolveLogSettings(cliLogLevel, cliLogFile, cliLogFormat))
}

// initLoggerFromConfig switches to the config file's logger section unless
// flags or environment already chose the settings.
func initLoggerFromConfig(cfg *config.LoggerConfig) (func(), error) {
	if cfg == nil || activeLog.explicit {
		return func() {}, nil
	}
	s := logSettings{level: cfg.Level, file: cfg.File, format: cfg.Format}
	if s == activeLog {
		return func() {}, nil
	}
	return initLogger(s)
}
