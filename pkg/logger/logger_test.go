package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestFileSinkFlushesOnSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomlog.log")
	Init("info", "file:"+path)
	Info("hello_sink", "rid", "GENERAL")
	Debug("dropped_below_level")
	Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello_sink")
	assert.Contains(t, string(b), "rid=GENERAL")
	assert.NotContains(t, string(b), "dropped_below_level")
}

func TestAuditSink(t *testing.T) {
	t.Cleanup(func() { Audit = nil })
	dir := filepath.Join(t.TempDir(), "audit")
	require.NoError(t, AttachAuditFileSink(dir))
	AuditOrLog().Info("event_redelivered", "event", "e1")
	Sync()

	b, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"msg":"event_redelivered"`)

	assert.Error(t, AttachAuditFileSink(""))
}

func TestSafeHeadersRedacts(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("Authorization", "Bearer secret")
	ctx.Request.Header.Set("X-Room", "GENERAL")
	h := SafeHeadersFast(&ctx)
	assert.Contains(t, h, "Authorization=[redacted]")
	assert.Contains(t, h, "X-Room=GENERAL")
	assert.NotContains(t, h, "secret")
}
