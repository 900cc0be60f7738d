package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	t.Run("valid verbosity level", func(t *testing.T) {
		logger, err := New("info", "json")
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.True(t, logger.Core().Enabled(zap.InfoLevel))
		assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	})

	t.Run("another valid verbosity level", func(t *testing.T) {
		logger, err := New("debug", "console")
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.True(t, logger.Core().Enabled(zap.DebugLevel))
	})

	t.Run("invalid verbosity level", func(t *testing.T) {
		logger, err := New("invalid", "json")
		require.Error(t, err)
		assert.Nil(t, logger)
	})

	t.Run("invalid encoding", func(t *testing.T) {
		logger, err := New("info", "xml")
		require.Error(t, err)
		assert.Nil(t, logger)
	})

	t.Run("debug lines are not sampled", func(t *testing.T) {
		logger, err := New("debug", "json")
		require.NoError(t, err)
		for i := 0; i < 500; i++ {
			assert.NotNil(t, logger.Check(zap.DebugLevel, "job started"))
		}
	})

	t.Run("empty verbosity level", func(t *testing.T) {
		// zap defaults to info level on empty string
		logger, err := New("", "")
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.True(t, logger.Core().Enabled(zap.InfoLevel))
		assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	})
}
