package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerCarriesRunIDAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithRunID(context.Background(), "run-1")
	log.With(String("node_id", "A")).Debug(ctx, "packet delivered", Int("delay", 9))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "packet delivered", line["msg"])
	assert.Equal(t, "run-1", line["run_id"])
	assert.Equal(t, "A", line["node_id"])
	assert.EqualValues(t, 9, line["delay"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestEnsureRunIDKeepsExisting(t *testing.T) {
	ctx := ContextWithRunID(context.Background(), "fixed")
	ctx, id := EnsureRunID(ctx)
	assert.Equal(t, "fixed", id)

	_, fresh := EnsureRunID(context.Background())
	assert.NotEmpty(t, fresh)
	assert.NotEqual(t, "fixed", fresh)
	assert.Equal(t, "fixed", RunIDFromContext(ctx))
}

func TestLoggerFromContextFallback(t *testing.T) {
	assert.NotNil(t, LoggerFromContext(context.Background(), nil))

	l := Noop()
	ctx := ContextWithLogger(context.Background(), l)
	assert.Equal(t, l, LoggerFromContext(ctx, nil))
}
