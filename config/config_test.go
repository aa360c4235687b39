// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	const basicConfig = `# A basic configuration example.
[Logging]
Level = "debug"

[Client]
DialTimeout = 3
MaxRedirects = 2
MaxBodySize = 1048576

[Trust]
TrustWindow = 30

[Storage]
DataDir = "/var/lib/gemini"

[UpstreamProxy]
Type = "socks5"
Network = "tcp"
Address = "127.0.0.1:9050"

[Metrics]
Address = "127.0.0.1:6543"
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(3*time.Second, cfg.Client.Dial())
	require.Equal(time.Duration(defaultHandshakeTimeout)*time.Second, cfg.Client.Handshake())
	require.Equal(time.Duration(defaultRequestTimeout)*time.Second, cfg.Client.Request())
	require.Equal(2, cfg.Client.Redirects())
	require.Equal(int64(1048576), cfg.Client.MaxBodySize)
	require.Equal(30*24*time.Hour, cfg.Trust.Window())
	require.Equal("/var/lib/gemini/gemini.db", cfg.Storage.Database)
	require.True(cfg.UpstreamProxy.Enabled())
	require.Equal("127.0.0.1:6543", cfg.Metrics.Address)
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte("[Storage]\nDataDir = \"/tmp/gemini\"\n"))
	require.NoError(err)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(5*time.Second, cfg.Client.Dial())
	require.Equal(defaultMaxRedirects, cfg.Client.Redirects())
	require.Zero(cfg.Client.MaxBodySize)
	require.Equal(365*24*time.Hour, cfg.Trust.Window())
	require.False(cfg.UpstreamProxy.Enabled())
	require.Empty(cfg.Metrics.Address)

	// Disabling redirects is distinct from the default.
	cfg, err = Load([]byte("[Client]\nMaxRedirects = -1\n[Storage]\nDataDir = \"/tmp/gemini\"\n"))
	require.NoError(err)
	require.Zero(cfg.Client.Redirects())

	// The shared default must not be mutated by a loaded config.
	cfg.Logging.Level = "ERROR"
	require.Equal(defaultLogLevel, defaultLogging.Level)
}

func TestConfigInvalid(t *testing.T) {
	bad := []string{
		"[Logging]\nLevel = \"LOUD\"\n",
		"[Client]\nMaxBodySize = -1\n",
		"[Trust]\nTrustWindow = -5\n",
		"[Storage]\nDataDir = \"relative/dir\"\n",
		"[Storage]\nDataDir = \"/tmp/gemini\"\nDatabase = \"gemini.db\"\n",
		"[Metrics]\nAddress = \"nope\"\n",
		"[UpstreamProxy]\nType = \"carrier-pigeon\"\n",
		"[Bogus]\nKey = 1\n",
		"not toml at all [",
	}
	for _, b := range bad {
		_, err := Load([]byte(b))
		require.Error(t, err, b)
	}
}

func TestLoadFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	f := filepath.Join(t.TempDir(), "gemini.toml")
	require.NoError(t, os.WriteFile(f, []byte("[Storage]\nDataDir = \"/tmp/gemini\"\n"), 0600))
	cfg, err := LoadFile(f)
	require.NoError(t, err)
	require.Equal(t, "/tmp/gemini", cfg.Storage.DataDir)
}
