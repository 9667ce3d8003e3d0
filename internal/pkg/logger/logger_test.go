package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]string {
	t.Helper()
	var out []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]string{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WARN, false)
	l.Info("skipped")
	l.Warn("kept", "k", 1)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "1", lines[0]["k"])
}

func TestLogger_WithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DEBUG, false).With("campaign_id", "c-1")
	l.Debug("hello", "attempt", 2)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "c-1", lines[0]["campaign_id"])
	assert.Equal(t, "2", lines[0]["attempt"])
}

func TestLogger_RedactsEmails(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, INFO, true)
	l.Info("send failed", "email", "john.doe@example.com", "error", "rejected jane@example.org")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "jo***@example.com", lines[0]["email"])
	assert.Equal(t, "rejected ja***@example.org", lines[0]["error"])
}

func TestLogger_RedactionKeepsCounts(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, INFO, true)
	l.Info("dispatch started", "recipients", 5, "recipient_count", 12, "recipient", "ann@example.com", "email_status", "ok")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "5", lines[0]["recipients"])
	assert.Equal(t, "12", lines[0]["recipient_count"])
	assert.Equal(t, "an***@example.com", lines[0]["recipient"])
	assert.Equal(t, "ok", lines[0]["email_status"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}
