package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	lvl, err = ParseLevel("TRACE")
	require.NoError(t, err)
	assert.Equal(t, LevelTrace, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestModuleFiltering(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	DisableModule(FlowModule)
	Debug(FlowModule, "hidden")
	assert.Empty(t, buf.String())

	EnableModule(FlowModule)
	defer DisableModule(FlowModule)
	Debug(FlowModule, "resolving block", "pc", "0x401000")
	assert.Contains(t, buf.String(), "resolving block")

	buf.Reset()
	Warn(VMModule, "always shown")
	assert.Contains(t, buf.String(), "always shown")
}

func TestEnableModules(t *testing.T) {
	defer func() {
		DisableModule(ISAModule)
		DisableModule(PosixModule)
	}()
	EnableModules("isa, posix")
	assert.True(t, IsModuleEnabled(ISAModule))
	assert.True(t, IsModuleEnabled(PosixModule))
	assert.False(t, IsModuleEnabled("unknown"))
}
