package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, slog.LevelDebug).WithRun("abc").WithStep(2)
	l.LogCurvatureSkip(context.Background(), -1.5)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "abc", rec["run"])
	assert.Equal(t, 2.0, rec["step"])
	assert.Equal(t, -1.5, rec["curvature"])
}

func TestNoopAndParseLevel(t *testing.T) {
	OrNoop(nil).Error("dropped")

	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
