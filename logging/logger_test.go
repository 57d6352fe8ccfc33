package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	debug, err := New(true)
	require.NoError(t, err)
	require.True(t, debug.Core().Enabled(zapcore.DebugLevel))

	quiet, err := New(false)
	require.NoError(t, err)
	require.False(t, quiet.Core().Enabled(zapcore.DebugLevel))
	require.True(t, quiet.Core().Enabled(zapcore.InfoLevel))
}
