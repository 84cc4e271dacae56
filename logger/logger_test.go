package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(VerbosityUser))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(VerbosityInfo))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(VerbosityDebug))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestLevelName(t *testing.T) {
	assert.Equal(t, "User", LevelName(0))
	assert.Equal(t, "Info (-v)", LevelName(1))
	assert.Equal(t, "Debug (-vv)", LevelName(2))
	assert.Equal(t, "Trace (-vvv)", LevelName(5))
}

func TestInitializeAndSetVerbosity(t *testing.T) {
	require.NoError(t, Initialize(true))
	require.NotNil(t, Logger)

	// Runtime verbosity changes should not panic or replace the logger
	SetVerbosity(VerbosityDebug)
	assert.True(t, level.Enabled(zapcore.DebugLevel))
	SetVerbosity(VerbosityUser)
	assert.False(t, level.Enabled(zapcore.InfoLevel))

	// Package-level helpers are safe regardless of level
	Infow("test message", "key", "value")
	Debugw("debug message", "key", "value")
	SetVerbosity(VerbosityInfo)
}
