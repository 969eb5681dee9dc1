package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wipeworks/wiped/internal/log"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(context.Background(), slog.String("job_id", "42"))
	ctx2 := log.ContextAttrs(ctx, slog.String("kind", "WIPE"))
	logger.InfoContext(ctx2, "job queued")
	logger.DebugContext(ctx2, "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "job queued", rec["msg"])
	require.Equal(t, "42", rec["job_id"])
	require.Equal(t, "WIPE", rec["kind"])

	t.Run("with attrs keeps context", func(t *testing.T) {
		buf.Reset()
		rec = nil
		logger.With("component", "runner").InfoContext(ctx, "started")
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		require.Equal(t, "runner", rec["component"])
		require.Equal(t, "42", rec["job_id"])
	})
}

func TestRedact(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, true)
	logger.Debug("request", "secret", "hunter2", "sudoPassword", "hunter2", "target", "/dev/sdb")
	require.NotContains(t, buf.String(), "hunter2")
	require.Contains(t, buf.String(), "/dev/sdb")
	require.Contains(t, buf.String(), "[REDACTED]")
}
