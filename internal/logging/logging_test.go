package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			level, err := ParseLevel(tc.input)
			if tc.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, level)
		})
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "debug", LevelString(LevelDebug))
	assert.Equal(t, "info", LevelString(LevelInfo))
	assert.Equal(t, "warn", LevelString(LevelWarn))
	assert.Equal(t, "error", LevelString(LevelError))
	assert.Equal(t, "info", LevelString(Level(3)))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.Equal(t, "tatchi", cfg.Component)
	assert.Equal(t, "tatchi.log", filepath.Base(cfg.FilePath))
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"prf_output", true},
		{"PRF", true},
		{"secret", true},
		{"wrap_key_seed", true},
		{"kek_c_b64u", true},
		{"aead_key", true},
		{"near_private_key", true},
		{"passphrase", true},
		{"api_key", true},
		{"auth_token", true},
		{"session_id", false},
		{"relay_key_id", false},
		{"vrf_public", false},
		{"account", false},
		{"status", false},
	}

	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			assert.Equal(t, tc.expected, shouldRedact(tc.key))
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestJSONOutputRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, &Config{
		Level:          LevelInfo,
		Format:         FormatJSON,
		Component:      "test",
		RedactPatterns: []string{`ed25519:[1-9A-HJ-NP-Za-km-z]+`},
	})
	require.NoError(t, err)

	logger.Info("derived", "account", "alice.test", "prf_output", "c2VjcmV0", "note", "key ed25519:3xZ here")
	logger.Debug("hidden")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "test", lines[0]["component"])
	assert.Equal(t, "alice.test", lines[0]["account"])
	assert.Equal(t, redacted, lines[0]["prf_output"])
	assert.Equal(t, "key [REDACTED] here", lines[0]["note"])
}

func TestInvalidRedactPattern(t *testing.T) {
	_, err := NewWithWriter(&bytes.Buffer{}, &Config{RedactPatterns: []string{"("}})
	assert.Error(t, err)
}

func TestWithComponentAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, &Config{Format: FormatJSON})
	require.NoError(t, err)

	ctx := ContextWithRequestID(context.Background(), "req-789")
	logger.WithComponent("escrow").WithContext(ctx).Info("hello")
	logger.WithContext(context.Background()).Info("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "escrow", lines[0]["component"])
	assert.Equal(t, "req-789", lines[0]["request_id"])
	assert.NotContains(t, lines[1], "request_id")
}

func TestRequestIDFromContext(t *testing.T) {
	assert.Equal(t, "", RequestIDFromContext(nil))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.Equal(t, "abc", RequestIDFromContext(ContextWithRequestID(context.Background(), "abc")))
}

func TestSlogNil(t *testing.T) {
	var l *Logger
	assert.NotNil(t, l.Slog())
	l.Slog().Info("dropped")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vrf.log")
	logger, err := New(&Config{Output: "file", FilePath: path, Format: FormatJSON, MaxSize: 1})
	require.NoError(t, err)

	logger.Info("to file", "n", 1)
	require.NoError(t, logger.Sync())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
}

func TestFileRotatorRotatesDaily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 2})
	require.NoError(t, err)
	defer r.Close()

	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.mu.Lock()
	r.now = func() time.Time { return day }
	r.opened = day
	r.mu.Unlock()

	for i := 0; i < 4; i++ {
		_, err := r.Write([]byte("line\n"))
		require.NoError(t, err)
		r.mu.Lock()
		day = day.AddDate(0, 0, 1)
		r.mu.Unlock()
	}
	r.wg.Wait()

	files := r.Files()
	assert.Equal(t, path, files[0])
	// three rotations, pruned to two backups
	assert.Len(t, files, 3)
}

func TestFileRotatorRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "size.log")
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, Compress: true})
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	_, err = r.Write(chunk)
	require.NoError(t, err)
	_, err = r.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	files := r.Files()
	require.Len(t, files, 2)
	assert.True(t, strings.HasSuffix(files[1], ".log.gz"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditWriter(&buf, "vrfworker")
	ctx := ContextWithRequestID(context.Background(), "req-1")

	require.NoError(t, a.Record(ctx, AuditKeypairDerived, "alice.test", "pk", nil))
	require.NoError(t, a.Record(ctx, AuditKeypairUnlocked, "", "", errors.New("AeadDecryptionFailed")))
	require.NoError(t, a.Log(ctx, AuditEvent{EventType: AuditLogout, SessionID: "s1"}))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "keypair_derived", lines[0]["event_type"])
	assert.Equal(t, "vrfworker", lines[0]["component"])
	assert.Equal(t, "alice.test", lines[0]["account_id"])
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.Equal(t, ResultSuccess, lines[0]["result"])

	assert.Equal(t, ResultFailure, lines[1]["result"])
	assert.Equal(t, "AeadDecryptionFailed", lines[1]["error"])

	assert.Equal(t, "s1", lines[2]["session_id"])
	assert.Equal(t, ResultSuccess, lines[2]["result"])
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	a, err := NewAuditLogger(&AuditConfig{FilePath: path, MaxSize: 1, Component: "vrfrelay"})
	require.NoError(t, err)
	require.NoError(t, a.Record(context.Background(), AuditServerKeyRotated, "", "", nil))
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"server_key_rotated"`)

	var nilAudit *AuditLogger
	assert.NoError(t, nilAudit.Record(context.Background(), AuditLogout, "", "", nil))
	assert.NoError(t, nilAudit.Close())
}
