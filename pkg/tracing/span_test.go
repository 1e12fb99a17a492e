package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildrenShareTraceID(t *testing.T) {
	ctx, root := Start(context.Background(), "sweep")
	_, child := Start(ctx, "delete")

	assert.NotEmpty(t, root.TraceID)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, []*Span{child}, root.Children())

	_, other := Start(context.Background(), "sweep")
	assert.NotEqual(t, root.TraceID, other.TraceID)
}

func TestLogWritesTreeWithErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, root := Start(context.Background(), "sweep")
	_, snap := Start(ctx, "snapshot")
	snap.SetAttr("index", "events-2024.01.01")
	snap.End(errors.New("repository missing"))
	root.End(nil)
	root.Log(logger)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "sweep", first["span"])
	assert.Equal(t, "DEBUG", first["level"])
	assert.Equal(t, "snapshot", second["span"])
	assert.Equal(t, "WARN", second["level"])
	assert.Equal(t, "events-2024.01.01", second["index"])
	assert.Equal(t, "repository missing", second["error"])
	assert.Equal(t, 1.0, second["depth"])
}
