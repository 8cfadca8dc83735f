package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewConfig(t *testing.T) {
	cfg, err := NewConfig("DEBUG", "json")
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Encoding)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level.Level())

	cfg, err = NewConfig("warn", "")
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.Encoding)

	_, err = NewConfig("loud", "console")
	assert.Error(t, err)
	_, err = NewConfig("info", "xml")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	logger, err := New("info", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
