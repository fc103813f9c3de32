package logging_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertex-link/aha/internal/logging"
)

func TestSetupWithoutFilePathLogsToStderrHandlerOnly(t *testing.T) {
	logger := logging.Setup(logging.Options{})
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(nil, slog.LevelInfo))
	assert.False(t, logger.Enabled(nil, slog.LevelDebug))
}

func TestSetupWithFilePathCreatesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.log")

	logger := logging.Setup(logging.Options{FilePath: path})
	logger.Info("hello world")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("hello world")))
}
