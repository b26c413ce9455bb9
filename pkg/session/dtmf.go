package session

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/eapache/queue"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_session/pkg/dialog"
)

var (
	tonesPattern   = regexp.MustCompile(`(?i)^[0-9A-D#*,]+$`)
	dtmfSignalRe   = regexp.MustCompile(`(?i)signal\s*=\s*([0-9A-D#*])`)
	dtmfDurationRe = regexp.MustCompile(`(?i)duration\s*=\s*([0-9]+)`)
)

// DTMFOptions длительность тона и пауза между тонами. Ноль означает значение по умолчанию.
type DTMFOptions struct {
	Duration     time.Duration
	InterToneGap time.Duration
}

type tone struct {
	value    rune
	duration time.Duration
	gap      time.Duration
}

// DTMF отправляет тоны запросами INFO. Запятая дает паузу 2 секунды.
// Если отправка уже идет, тоны добавляются в ту же очередь.
func (c *core) DTMF(tones string, opts DTMFOptions) error {
	if !c.status.established() {
		return newInvalidState(c.id, c.status, "dtmf")
	}
	if !tonesPattern.MatchString(tones) {
		return newInvalidArgument(c.id, "dtmf", "invalid tones %q", tones)
	}

	duration := c.clampDTMF("duration", opts.Duration, c.env.Config.DTMFDuration, DTMFMinDuration, DTMFMaxDuration)
	gap := c.clampDTMF("interToneGap", opts.InterToneGap, c.env.Config.DTMFGap, DTMFMinInterToneGap, DTMFMaxInterToneGap)

	start := c.tones == nil
	if start {
		c.tones = queue.New()
	}
	for _, r := range strings.ToUpper(tones) {
		c.tones.Add(tone{value: r, duration: duration, gap: gap})
	}
	if start {
		c.sendNextTone()
	}
	return nil
}

func (c *core) clampDTMF(name string, v, def, lo, hi time.Duration) time.Duration {
	switch {
	case v == 0:
		if def == 0 {
			return lo
		}
		return def
	case v < lo:
		c.log.Warn("Session.DTMF value lower than minimum", slog.String("param", name), slog.Duration("value", v), slog.Duration("min", lo))
		return lo
	case v > hi:
		c.log.Warn("Session.DTMF value greater than maximum", slog.String("param", name), slog.Duration("value", v), slog.Duration("max", hi))
		return hi
	}
	return v
}

// sendNextTone отправляет очередной тон и планирует следующий
func (c *core) sendNextTone() {
	if c.terminatedStatus() || c.tones == nil || c.tones.Length() == 0 {
		c.tones = nil
		return
	}

	t := c.tones.Remove().(tone)
	wait := DTMFCommaPause
	if t.value != ',' {
		if !c.sendTone(t) {
			return
		}
		wait = t.duration + t.gap
	}
	c.timers.arm(timerDTMF, wait, c.sendNextTone)
}

// sendTone отправляет INFO с тоном. Ошибка сбрасывает только ту очередь,
// из которой тон был взят.
func (c *core) sendTone(t tone) bool {
	body := fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", t.value, t.duration.Milliseconds())
	q := c.tones
	abandon := func() {
		if c.tones != q {
			return
		}
		c.log.Debug("Session.DTMF abandoning queue", slog.String("tone", string(t.value)))
		c.tones = nil
		c.timers.cancel(timerDTMF)
	}
	req := c.sendRequest(sip.INFO, sendOptions{
		headers: []sip.Header{contentTypeHeader(dialog.ContentTypeDTMFRelay)},
		body:    []byte(body),
		onResponse: func(res *sip.Response) {
			if res.StatusCode < 300 {
				return
			}
			abandon()
			c.receiveNonInviteResponse(res)
		},
	})
	if req == nil {
		abandon()
		return false
	}
	c.env.Metrics.toneSent()
	c.emit(DTMF{Tone: t.value, Duration: t.duration, Originator: OriginatorLocal})
	return true
}

// receiveInfo входящий INFO: поддерживается только application/dtmf-relay
func (c *core) receiveInfo(in *dialog.Incoming) {
	req := in.Request
	if dialog.ContentType(req) != dialog.ContentTypeDTMFRelay {
		c.reply(in, dialog.StatusUnsupportedMedia, "", nil)
		return
	}
	body := req.Body()
	m := dtmfSignalRe.FindSubmatch(body)
	if m == nil {
		c.log.Warn("Session.receiveInfo invalid dtmf-relay body")
		c.reply(in, sip.StatusBadRequest, "", nil)
		return
	}
	duration := DTMFDefaultDuration
	if d := dtmfDurationRe.FindSubmatch(body); d != nil {
		if ms, err := strconv.Atoi(string(d[1])); err == nil {
			duration = time.Duration(ms) * time.Millisecond
		}
	}
	c.reply(in, sip.StatusOK, "", nil)
	c.emit(DTMF{Tone: []rune(strings.ToUpper(string(m[1])))[0], Duration: duration, Originator: OriginatorRemote})
}
