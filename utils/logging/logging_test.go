package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVictoriaKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: victoriaKeys}))
	logger.WithGroup("job").Info("phase changed", "code", UWS_PHASE, "msg", "kept")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "phase changed", record["_msg"])
	assert.Contains(t, record, "_time")
	assert.NotContains(t, record, "time")
	assert.Equal(t, map[string]any{"code": "UWS_PHASE", "msg": "kept"}, record["job"])
}
