// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
DataDir = "/tmp/cloakmatch"

[Logging]
Level = "DEBUG"
`))
	require.NoError(err)
	require.Equal("/tmp/cloakmatch", cfg.DataDir)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(2*time.Second, cfg.Debug.SettleDelay())
	require.Equal(30*time.Second, cfg.Debug.ResultTimeout())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte(`
DataDir = "/tmp/cloakmatch"
Bogus = true
`))
	require.Error(t, err)
}

func TestLoadRejectsRelativeDataDir(t *testing.T) {
	_, err := Load([]byte(`DataDir = "state"`))
	require.Error(t, err)
}

func TestDebugOverrides(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
DataDir = "/tmp/cloakmatch"

[Debug]
SettleDelayMilliseconds = 50
ResultTimeoutMilliseconds = 100
RetryAttempts = 5
RetryDelayMilliseconds = 10
`))
	require.NoError(err)
	require.Equal(50*time.Millisecond, cfg.Debug.SettleDelay())
	require.Equal(100*time.Millisecond, cfg.Debug.ResultTimeout())
	require.Equal(5, cfg.Debug.RetryAttempts)
	require.Equal(10*time.Millisecond, cfg.Debug.RetryDelay())
}
