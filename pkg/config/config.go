// Package config загружает конфигурацию софтфона из YAML файла
// и переменных окружения SOFTPHONE_*.
package config

import (
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/arzzra/sip_session/pkg/media"
	"github.com/arzzra/sip_session/pkg/session"
)

// EnvPrefix префикс переменных окружения: sip.port -> SOFTPHONE_SIP_PORT
const EnvPrefix = "SOFTPHONE"

// Config корневая конфигурация
type Config struct {
	SIP     SIPConfig     `mapstructure:"sip"`
	Session SessionConfig `mapstructure:"session"`
	Media   MediaConfig   `mapstructure:"media"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// SIPConfig транспорт и локальная идентичность
type SIPConfig struct {
	Transport   string `mapstructure:"transport"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	PublicHost  string `mapstructure:"public_host"`
	User        string `mapstructure:"user"`
	DisplayName string `mapstructure:"display_name"`
	UserAgent   string `mapstructure:"user_agent"`
}

// SessionConfig таймеры и политика 100rel
type SessionConfig struct {
	T1              time.Duration `mapstructure:"t1"`
	T2              time.Duration `mapstructure:"t2"`
	TimerH          time.Duration `mapstructure:"timer_h"`
	NoAnswerTimeout time.Duration `mapstructure:"no_answer_timeout"`
	Rel100          string        `mapstructure:"rel100"`
	DTMFDuration    time.Duration `mapstructure:"dtmf_duration"`
	DTMFGap         time.Duration `mapstructure:"dtmf_gap"`
}

// MediaConfig параметры локального SDP
type MediaConfig struct {
	Address         string        `mapstructure:"address"`
	Port            int           `mapstructure:"port"`
	Codecs          []string      `mapstructure:"codecs"`
	DTMFPayloadType int           `mapstructure:"dtmf_payload_type"`
	Ptime           time.Duration `mapstructure:"ptime"`
}

// LogConfig уровень, формат и необязательный файл с ротацией
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// Load читает конфигурацию. Пустой path означает только значения
// по умолчанию и переменные окружения.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	sc := session.DefaultConfig()
	mc := media.DefaultSDPConfig()

	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.host", "127.0.0.1")
	v.SetDefault("sip.port", 5060)
	v.SetDefault("sip.public_host", "")
	v.SetDefault("sip.user", "softphone")
	v.SetDefault("sip.display_name", "")
	v.SetDefault("sip.user_agent", sc.UserAgent)

	v.SetDefault("session.t1", sc.T1)
	v.SetDefault("session.t2", sc.T2)
	v.SetDefault("session.timer_h", sc.TimerH)
	v.SetDefault("session.no_answer_timeout", sc.NoAnswerTimeout)
	v.SetDefault("session.rel100", string(sc.Rel100))
	v.SetDefault("session.dtmf_duration", sc.DTMFDuration)
	v.SetDefault("session.dtmf_gap", sc.DTMFGap)

	v.SetDefault("media.address", mc.Address)
	v.SetDefault("media.port", mc.Port)
	v.SetDefault("media.codecs", []string{"PCMU", "PCMA"})
	v.SetDefault("media.dtmf_payload_type", int(mc.DTMFPayloadType))
	v.SetDefault("media.ptime", mc.Ptime)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate проверяет значения, которые не проверяют пакеты session и media
func (c *Config) Validate() error {
	switch strings.ToLower(c.SIP.Transport) {
	case "udp", "tcp":
	default:
		return errors.Errorf("unsupported transport %q", c.SIP.Transport)
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return errors.Errorf("invalid sip port %d", c.SIP.Port)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("unsupported log format %q", c.Log.Format)
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return err
	}
	mc, err := c.SDPConfig()
	if err != nil {
		return err
	}
	return mc.Validate()
}

// SessionConfig параметры для пакета session
func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.T1 = c.Session.T1
	sc.T2 = c.Session.T2
	sc.TimerH = c.Session.TimerH
	sc.NoAnswerTimeout = c.Session.NoAnswerTimeout
	sc.Rel100 = session.Rel100(strings.ToLower(c.Session.Rel100))
	sc.DTMFDuration = c.Session.DTMFDuration
	sc.DTMFGap = c.Session.DTMFGap
	if c.SIP.UserAgent != "" {
		sc.UserAgent = c.SIP.UserAgent
	}
	return sc
}

// SDPConfig параметры SDP. Неизвестный кодек считается ошибкой.
func (c *Config) SDPConfig() (media.SDPConfig, error) {
	mc := media.DefaultSDPConfig()
	mc.Address = c.Media.Address
	mc.Port = c.Media.Port
	mc.Ptime = c.Media.Ptime
	if c.Media.DTMFPayloadType < 0 || c.Media.DTMFPayloadType > 127 {
		return mc, errors.Errorf("invalid dtmf payload type %d", c.Media.DTMFPayloadType)
	}
	mc.DTMFPayloadType = uint8(c.Media.DTMFPayloadType)

	mc.Codecs = mc.Codecs[:0:0]
	for _, name := range c.Media.Codecs {
		codec, ok := media.CodecByName(name)
		if !ok {
			return mc, errors.Errorf("unknown codec %q", name)
		}
		mc.Codecs = append(mc.Codecs, codec)
	}
	return mc, nil
}

// Identity локальный адрес для From и Contact
func (c *Config) Identity() session.Identity {
	host := c.SIP.Host
	if c.SIP.PublicHost != "" {
		host = c.SIP.PublicHost
	}
	uri := sip.Uri{Scheme: "sip", User: c.SIP.User, Host: host}
	contact := uri
	contact.Port = c.SIP.Port
	if strings.EqualFold(c.SIP.Transport, "tcp") {
		contact.UriParams = sip.NewParams().Add("transport", "tcp")
	}
	return session.Identity{
		DisplayName: c.SIP.DisplayName,
		URI:         uri,
		Contact:     contact,
	}
}
