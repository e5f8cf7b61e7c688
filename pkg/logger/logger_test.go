/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	config := &Config{
		Level:  "debug",
		Debug:  true,
		Output: "stdout",
	}

	require.NoError(t, Init(config))

	logger := GetLogger()
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestInit_RejectsUnknownLevel(t *testing.T) {
	err := Init(&Config{Level: "chatty"})
	require.Error(t, err)
}

func TestSetDebug(t *testing.T) {
	SetDebug(true)
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())

	SetDebug(false)
	assert.Equal(t, zerolog.InfoLevel, GetLogger().GetLevel())
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel(nil)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)

	level, err = ParseLevel(&Config{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, level)

	level, err = ParseLevel(&Config{Level: "warn", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, level)
}

func TestWriterLogger_ComponentField(t *testing.T) {
	var buf bytes.Buffer

	log := NewWriterLogger(&buf, zerolog.InfoLevel)
	component := log.WithComponent("scheduler")
	component.Info().Str("device", "core-router").Msg("cycle finished")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "core-router", entry["device"])
	assert.Equal(t, "cycle finished", entry["message"])
}

func TestWriterLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer

	log := NewWriterLogger(&buf, zerolog.WarnLevel)
	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.SetDebug(true)
	log.Debug().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewTestLogger_Discards(t *testing.T) {
	log := NewTestLogger()
	log.Info().Msg("nothing")
	log.SetDebug(true)

	assert.NotNil(t, log.WithComponent("x"))
}

func TestDefaultConfig_PrefixedEnvWins(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("ROUTERVAULT_LOG_LEVEL", "debug")
	t.Setenv("ROUTERVAULT_DEBUG", "")
	t.Setenv("DEBUG", "on")
	t.Setenv("ROUTERVAULT_LOG_OUTPUT", "")
	t.Setenv("LOG_OUTPUT", "")

	cfg := DefaultConfig()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "stdout", cfg.Output)
}

func TestDefaultConfig_BadBoolIsFalse(t *testing.T) {
	t.Setenv("ROUTERVAULT_DEBUG", "maybe")

	assert.False(t, DefaultConfig().Debug)
}
