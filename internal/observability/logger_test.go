package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("memstore", &buf)

	log.Info("connected", "tables", 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "connected", lines[0]["msg"])
	assert.Equal(t, "memstore", lines[0]["component"])
	assert.Equal(t, float64(3), lines[0]["tables"])
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("test", &buf)

	log.Debug("d")
	log.Info("i")
	log.Warn("w")
	log.Error("e")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 4)
	assert.Equal(t, "DEBUG", lines[0]["level"])
	assert.Equal(t, "INFO", lines[1]["level"])
	assert.Equal(t, "WARN", lines[2]["level"])
	assert.Equal(t, "ERROR", lines[3]["level"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("sqlstore", &buf).With("driver", "postgres")

	log.Info("ping ok")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "postgres", lines[0]["driver"])
	assert.Equal(t, "sqlstore", log.Component())
}

func TestLogger_Operation(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("embedded", &buf)

	log.Operation("create", "users", "id", "u1")
	log.SlowOperation("query", "posts", 1532.4)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "operation", lines[0]["msg"])
	assert.Equal(t, "create", lines[0]["op"])
	assert.Equal(t, "users", lines[0]["table"])
	assert.Equal(t, "u1", lines[0]["id"])

	assert.Equal(t, "slow operation", lines[1]["msg"])
	assert.Equal(t, "WARN", lines[1]["level"])
	assert.Equal(t, 1532.4, lines[1]["duration_ms"])
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Info("discarded")
	assert.Equal(t, "nop", log.Component())
}
