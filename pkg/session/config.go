package session

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Rel100 политика надежных предварительных ответов (RFC 3262)
type Rel100 string

const (
	Rel100None      Rel100 = "none"
	Rel100Supported Rel100 = "supported"
	Rel100Required  Rel100 = "required"
)

// Таймеры RFC 3261
const (
	DefaultT1              = 500 * time.Millisecond
	DefaultT2              = 4 * time.Second
	DefaultNoAnswerTimeout = 60 * time.Second
)

// Параметры DTMF
const (
	DTMFDefaultDuration     = 100 * time.Millisecond
	DTMFMinDuration         = 70 * time.Millisecond
	DTMFMaxDuration         = 6000 * time.Millisecond
	DTMFDefaultInterToneGap = 500 * time.Millisecond
	DTMFMinInterToneGap     = 50 * time.Millisecond
	DTMFMaxInterToneGap     = 6000 * time.Millisecond
	DTMFCommaPause          = 2000 * time.Millisecond
)

// Config параметры сессий
type Config struct {
	T1              time.Duration
	T2              time.Duration
	TimerH          time.Duration
	NoAnswerTimeout time.Duration
	Rel100          Rel100
	AllowedMethods  []sip.RequestMethod
	DTMFDuration    time.Duration
	DTMFGap         time.Duration
	UserAgent       string
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		T1:              DefaultT1,
		T2:              DefaultT2,
		TimerH:          64 * DefaultT1,
		NoAnswerTimeout: DefaultNoAnswerTimeout,
		Rel100:          Rel100None,
		AllowedMethods: []sip.RequestMethod{
			sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.OPTIONS,
			sip.INFO, sip.PRACK, sip.REFER, sip.NOTIFY,
		},
		DTMFDuration: DTMFDefaultDuration,
		DTMFGap:      DTMFDefaultInterToneGap,
		UserAgent:    "sip_session",
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.T1 <= 0 || c.T2 < c.T1 {
		return errors.Errorf("invalid timers T1=%s T2=%s", c.T1, c.T2)
	}
	if c.TimerH <= 0 {
		return errors.New("TimerH must be positive")
	}
	if c.NoAnswerTimeout <= 0 {
		return errors.New("no answer timeout must be positive")
	}
	switch c.Rel100 {
	case Rel100None, Rel100Supported, Rel100Required:
	default:
		return errors.Errorf("unknown 100rel policy %q", c.Rel100)
	}
	return nil
}

// PrackTimeout время ожидания PRACK
func (c Config) PrackTimeout() time.Duration {
	return 64 * c.T1
}

// AllowHeader заголовок Allow со списком поддерживаемых методов
func (c Config) AllowHeader() sip.Header {
	v := ""
	for i, m := range c.AllowedMethods {
		if i > 0 {
			v += ", "
		}
		v += string(m)
	}
	return sip.NewHeader("Allow", v)
}
