package logger

import (
	"payment-reconciler/internal/config"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	l, err := New(config.Log{Level: "debug", Format: "console"}, "test")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = New(config.Log{Level: "warn", Format: "json"}, "test")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.Log{Level: "loud", Format: "json"}, "test")
	assert.Error(t, err)
}
