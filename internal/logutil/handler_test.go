package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithAttrsInjectedIntoRecord(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))

	ctx := With(context.Background(), "archive_set", "Movie.2024")
	logger.InfoContext(ctx, "processing started")

	out := buf.String()
	assert.True(t, strings.Contains(out, "archive_set=Movie.2024"))
	assert.True(t, strings.Contains(out, "processing started"))
}

func TestWithAttrsIsAdditive(t *testing.T) {
	ctx := With(context.Background(), "a", 1)
	ctx = With(ctx, "b", 2)

	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewTextHandler(&buf, nil)))
	logger.InfoContext(ctx, "msg")

	out := buf.String()
	assert.True(t, strings.Contains(out, "a=1"))
	assert.True(t, strings.Contains(out, "b=2"))
}

func TestNewLoggerConsoleOnly(t *testing.T) {
	logger := NewLogger(Config{Level: slog.LevelDebug})
	require.NotNil(t, logger)
}
