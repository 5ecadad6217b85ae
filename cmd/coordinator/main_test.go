package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cryovault/internal/config"
)

func TestVersionCommand_PrintsBuildInfo(t *testing.T) {
	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "cryovault")
	assert.Contains(t, out.String(), version)
}

func TestRootCmd_HasServeAndVersionSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["version"])
}

func TestRootCmd_PersistentFlagsCoverConfigSurface(t *testing.T) {
	root := newRootCmd()
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("port"))
	assert.NotNil(t, root.PersistentFlags().Lookup("redis-url"))
	assert.NotNil(t, root.PersistentFlags().Lookup("nodes"))
}

func TestNewLogger_AppliesConfiguredLevelAndFormat(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"

	entry := newLogger(cfg)
	assert.Equal(t, "debug", entry.Logger.GetLevel().String())

	cfg.LogLevel = "not-a-level"
	fallback := newLogger(cfg)
	assert.Equal(t, "info", fallback.Logger.GetLevel().String())
}
