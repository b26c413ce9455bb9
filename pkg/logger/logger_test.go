package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_session/pkg/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "trace", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Info("скрыто")
	log.Warn("Session failed", slog.String("call_id", "call-1"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), "в буфере ровно одна запись")
	assert.Equal(t, "Session failed", rec["msg"])
	assert.Equal(t, "call-1", rec["call_id"])
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "softphone.log")
	var buf bytes.Buffer
	log, closer, err := newLogger(config.LogConfig{
		Level:  "info",
		Format: "text",
		File:   config.LogFileConfig{Path: path, MaxSizeMB: 1},
	}, &buf)
	require.NoError(t, err)

	log.Info("Starting SIP server")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Starting SIP server")
	assert.Contains(t, buf.String(), "Starting SIP server")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, _, err := newLogger(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, _, err = newLogger(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
