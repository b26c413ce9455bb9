package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_session/pkg/media"
	"github.com/arzzra/sip_session/pkg/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "udp", cfg.SIP.Transport)
	assert.Equal(t, 5060, cfg.SIP.Port)
	assert.Equal(t, session.DefaultConfig().T1, cfg.Session.T1)
	assert.Equal(t, "info", cfg.Log.Level)

	sc := cfg.SessionConfig()
	assert.NoError(t, sc.Validate())
	assert.Equal(t, session.Rel100None, sc.Rel100)

	mc, err := cfg.SDPConfig()
	require.NoError(t, err)
	assert.Equal(t, []media.Codec{media.CodecPCMU, media.CodecPCMA}, mc.Codecs)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
sip:
  transport: tcp
  host: 10.0.0.1
  port: 5070
  user: bob
  display_name: Bob
session:
  t1: 250ms
  rel100: Required
  no_answer_timeout: 30s
media:
  codecs: [pcma, g722]
  ptime: 30ms
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	sc := cfg.SessionConfig()
	assert.Equal(t, 250*time.Millisecond, sc.T1)
	assert.Equal(t, 30*time.Second, sc.NoAnswerTimeout)
	assert.Equal(t, session.Rel100Required, sc.Rel100)
	assert.Equal(t, session.DefaultConfig().T2, sc.T2, "незаданные ключи берутся по умолчанию")

	mc, err := cfg.SDPConfig()
	require.NoError(t, err)
	assert.Equal(t, []media.Codec{media.CodecPCMA, media.CodecG722}, mc.Codecs)
	assert.Equal(t, 30*time.Millisecond, mc.Ptime)

	id := cfg.Identity()
	assert.Equal(t, "Bob", id.DisplayName)
	assert.Equal(t, "bob", id.URI.User)
	assert.Equal(t, 5070, id.Contact.Port)
	transport, ok := id.Contact.UriParams.Get("transport")
	assert.True(t, ok)
	assert.Equal(t, "tcp", transport)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SOFTPHONE_SIP_PORT", "5080")
	t.Setenv("SOFTPHONE_SESSION_REL100", "supported")
	t.Setenv("SOFTPHONE_SIP_PUBLIC_HOST", "203.0.113.5")

	cfg, err := Load(writeConfig(t, "sip:\n  port: 5070\n"))
	require.NoError(t, err)
	assert.Equal(t, 5080, cfg.SIP.Port, "окружение важнее файла")
	assert.Equal(t, session.Rel100Supported, cfg.SessionConfig().Rel100)
	assert.Equal(t, "203.0.113.5", cfg.Identity().Contact.Host)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "транспорт", body: "sip:\n  transport: sctp\n"},
		{name: "порт", body: "sip:\n  port: 70000\n"},
		{name: "100rel", body: "session:\n  rel100: always\n"},
		{name: "таймеры", body: "session:\n  t1: 5s\n  t2: 1s\n"},
		{name: "кодек", body: "media:\n  codecs: [opus]\n"},
		{name: "payload type", body: "media:\n  dtmf_payload_type: 200\n"},
		{name: "уровень лога", body: "log:\n  level: trace\n"},
		{name: "формат лога", body: "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
