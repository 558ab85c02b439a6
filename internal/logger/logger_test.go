package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := Ctx(context.Background(), slog.String("sync_id", "abc"))
	ctx = Ctx(ctx, slog.Int("keijitype", 3))
	log.InfoContext(ctx, "fetched genre", "count", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "fetched genre", rec["msg"])
	assert.Equal(t, "abc", rec["sync_id"])
	assert.Equal(t, float64(3), rec["keijitype"])
	assert.Equal(t, float64(2), rec["count"])
}

func TestContextHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("component", "sync")

	log.InfoContext(Ctx(context.Background(), slog.String("user_id", "u1")), "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "sync", rec["component"])
	assert.Equal(t, "u1", rec["user_id"])
}

func TestCtx_SiblingsDontShare(t *testing.T) {
	parent := Ctx(context.Background(), slog.String("a", "1"))
	left := Ctx(parent, slog.String("b", "left"))
	right := Ctx(parent, slog.String("b", "right"))

	assert.Equal(t, []slog.Attr{slog.String("a", "1"), slog.String("b", "left")}, Attrs(left))
	assert.Equal(t, []slog.Attr{slog.String("a", "1"), slog.String("b", "right")}, Attrs(right))
	assert.Empty(t, Attrs(context.Background()))
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "json", slog.LevelInfo).Debug("dropped")
	New(&buf, "json", slog.LevelInfo).InfoContext(Ctx(context.Background(), slog.String("k", "v")), "kept")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	buf.Reset()
	New(&buf, "", slog.LevelInfo).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
