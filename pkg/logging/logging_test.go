package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.Logging{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	logger, err = New(config.Logging{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNew_Errors(t *testing.T) {
	_, err := New(config.Logging{Level: "chatty", Format: "json"})
	assert.Error(t, err)

	_, err = New(config.Logging{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
