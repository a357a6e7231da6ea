// Copyright 2025 Tom Barlow
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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToJSONInfo(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	logger := New(cfg)

	logger.Debug("should not appear")
	logger.Info("hello", slog.String("k", "v"))

	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "hello", decoded["msg"])
	require.Equal(t, "v", decoded["k"])
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Level: "debug", Format: FormatText, Output: &buf}
	logger := New(cfg)
	logger.Debug("debugging")
	require.Contains(t, buf.String(), "debugging")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		require.Equal(t, want, parseLevel(in), in)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CAR_DEBUG", "1")
	t.Setenv("CAR_LOG_LEVEL", "warn") // ignored: CAR_DEBUG takes precedence
	cfg := FromEnv()
	require.Equal(t, "debug", cfg.Level)
	require.True(t, cfg.AddSource)
}

func TestFromEnvLogLevel(t *testing.T) {
	t.Setenv("CAR_DEBUG", "")
	t.Setenv("CAR_LOG_LEVEL", "error")
	cfg := FromEnv()
	require.Equal(t, "error", cfg.Level)
}

func TestWithRunAndStepContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	runLogger := WithRunContext(logger, "run-1", "ticket_flow")
	runLogger.Info("started")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "run-1", decoded[RunIDKey])
	require.Equal(t, "ticket_flow", decoded[FlowTypeKey])

	buf.Reset()
	stepLogger := WithStepContext(logger, "run-1", "ticket_step")
	stepLogger.Info("stepping")
	decoded = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "ticket_step", decoded[StepIDKey])
}

func TestSanitizeAPIKey(t *testing.T) {
	require.Equal(t, "[REDACTED]", SanitizeAPIKey("abc"))
	require.Equal(t, "...cdef", SanitizeAPIKey("abcdef"))
}

func TestDefaultConfigWritesToStderr(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, os.Stderr, cfg.Output)
}
