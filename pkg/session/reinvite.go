package session

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/media"
)

// задержка повтора re-INVITE после 491 (RFC 3261 14.1)
const (
	glareMinDelay = 2100 * time.Millisecond
	glareMaxDelay = 4000 * time.Millisecond
)

// reinviteOptions параметры исходящего re-INVITE
type reinviteOptions struct {
	headers   []sip.Header
	mangle    func([]byte) []byte
	succeeded func()
	failed    func()
	label     string
}

// Hold ставит вызов на удержание. Если re-INVITE сейчас невозможен,
// действие откладывается.
func (c *core) Hold() error {
	if !c.status.established() {
		return newInvalidState(c.id, c.status, "hold")
	}
	c.media.Hold()

	if !c.readyToReinvite() {
		c.pending.push(actionHold)
		c.log.Debug("Session.Hold deferred", slog.Int("pending", c.pending.len()))
		return nil
	}
	if c.localHold {
		return nil
	}

	c.onHold(OriginatorLocal)
	c.sendReinvite(&reinviteOptions{mangle: media.MangleHold, label: "hold"})
	return nil
}

// Unhold снимает вызов с удержания
func (c *core) Unhold() error {
	if !c.status.established() {
		return newInvalidState(c.id, c.status, "unhold")
	}
	c.media.Unhold()

	if !c.readyToReinvite() {
		c.pending.push(actionUnhold)
		c.log.Debug("Session.Unhold deferred", slog.Int("pending", c.pending.len()))
		return nil
	}
	if !c.localHold {
		return nil
	}

	c.onUnhold(OriginatorLocal)
	c.sendReinvite(&reinviteOptions{label: "unhold"})
	return nil
}

// Reinvite повторное согласование медиа без смены удержания
func (c *core) Reinvite(headers ...sip.Header) error {
	if !c.status.established() {
		return newInvalidState(c.id, c.status, "reinvite")
	}
	if !c.readyToReinvite() {
		return newInvalidState(c.id, c.status, "reinvite").WithField("reason", "request pending")
	}
	c.sendReinvite(&reinviteOptions{headers: headers, label: "reinvite"})
	return nil
}

func (c *core) sendReinvite(opts *reinviteOptions) {
	if opts.succeeded == nil {
		opts.succeeded = func() {
			c.timers.cancel(timerAck, timerInvite2xx)
			c.setStatus(StatusConfirmed)
		}
	}
	if opts.failed == nil {
		opts.failed = func() {}
	}
	c.reinvite = opts
	c.log.Debug("Session.sendReinvite", slog.String("kind", opts.label))

	headers := append([]sip.Header{
		c.contactHeader(),
		c.allowHeader(),
		contentTypeHeader(dialog.ContentTypeSDP),
	}, opts.headers...)

	c.describe(c.media, func(body []byte, err error) {
		if err != nil {
			c.log.Warn("Session.sendReinvite local description", slog.Any("error", err))
			c.finishReinvite(false)
			return
		}
		if opts.mangle != nil {
			body = opts.mangle(body)
		}
		c.sendRequest(sip.INVITE, sendOptions{
			headers:    headers,
			body:       body,
			onResponse: c.receiveReinviteResponse,
		})
	})
}

// receiveReinviteResponse ответ на исходящий re-INVITE
func (c *core) receiveReinviteResponse(res *sip.Response) {
	if c.terminatedStatus() {
		return
	}

	switch {
	case res.StatusCode < 200:
	case res.StatusCode < 300:
		c.setStatus(StatusConfirmed)
		c.sendRequest(sip.ACK, sendOptions{cseq: res.CSeq().SeqNo})

		if len(res.Body()) == 0 || dialog.ContentType(res) != dialog.ContentTypeSDP {
			c.finishReinvite(false)
			return
		}
		c.apply(c.media, res.Body(), func(err error) {
			if err != nil {
				c.log.Warn("Session.receiveReinviteResponse answer rejected", slog.Any("error", err))
			}
			c.finishReinvite(err == nil)
		})
	case res.StatusCode == dialog.StatusRequestPending && !c.glareRetried:
		c.glareRetried = true
		opts := c.reinvite
		delay := glareMinDelay + time.Duration(rand.Int64N(int64(glareMaxDelay-glareMinDelay)))
		c.log.Debug("Session.receiveReinviteResponse glare, retrying", slog.Duration("delay", delay))
		c.env.Metrics.reinvite("glare")
		c.timers.arm(timerGlare, delay, func() {
			if !c.status.established() || !c.readyToReinvite() {
				c.finishReinvite(false)
				return
			}
			c.sendReinvite(opts)
		})
	default:
		c.finishReinvite(false)
	}
}

func (c *core) finishReinvite(ok bool) {
	opts := c.reinvite
	c.reinvite = nil
	c.glareRetried = false

	if ok {
		c.env.Metrics.reinvite("succeeded")
	} else {
		c.env.Metrics.reinvite("failed")
	}
	if opts != nil {
		if ok {
			opts.succeeded()
		} else {
			opts.failed()
		}
	}
	if c.readyToReinvite() {
		c.onReadyToReinvite()
	}
}

// onReadyToReinvite выполняет одно отложенное действие
func (c *core) onReadyToReinvite() {
	a, ok := c.pending.shift()
	if !ok {
		return
	}
	var err error
	switch a {
	case actionHold:
		err = c.Hold()
	case actionUnhold:
		err = c.Unhold()
	}
	if err != nil {
		c.log.Warn("Session.onReadyToReinvite", slog.String("action", string(a)), slog.Any("error", err))
	}
}

// receiveReinvite входящий re-INVITE
func (c *core) receiveReinvite(in *dialog.Incoming) {
	req := in.Request
	body := req.Body()

	if len(body) == 0 {
		c.offerInReinvite(in)
		return
	}
	if dialog.ContentType(req) != dialog.ContentTypeSDP {
		c.log.Warn("Session.receiveReinvite invalid Content-Type", slog.String("contentType", dialog.ContentType(req)))
		c.reply(in, dialog.StatusUnsupportedMedia, "", nil)
		return
	}

	hold := media.IsHold(body)
	c.apply(c.media, body, func(err error) {
		if err != nil {
			c.log.Warn("Session.receiveReinvite bad media description", slog.Any("error", err))
			c.reply(in, sip.StatusNotAcceptableHere, "", nil)
			return
		}
		c.describe(c.media, func(local []byte, err error) {
			if err != nil {
				c.log.Error("Session.receiveReinvite local description", slog.Any("error", err))
				c.reply(in, sip.StatusInternalServerError, "", nil)
				return
			}
			if !c.replyReinvite(in, local) {
				return
			}
			if c.remoteHold && !hold {
				c.onUnhold(OriginatorRemote)
			} else if !c.remoteHold && hold {
				c.onHold(OriginatorRemote)
			}
		})
	})
}

// offerInReinvite re-INVITE без тела: offer отправляется в 200, answer ждем в ACK
func (c *core) offerInReinvite(in *dialog.Incoming) {
	c.describe(c.media, func(local []byte, err error) {
		if err != nil {
			c.log.Error("Session.offerInReinvite local description", slog.Any("error", err))
			c.reply(in, sip.StatusInternalServerError, "", nil)
			return
		}
		if c.replyReinvite(in, local) {
			c.ackAnswer = true
		}
	})
}

func (c *core) replyReinvite(in *dialog.Incoming, local []byte) bool {
	res := c.reply(in, sip.StatusOK, "", local, c.contactHeader(), contentTypeHeader(dialog.ContentTypeSDP))
	if res == nil {
		c.endWithCause(nil, CauseConnection)
		return false
	}
	c.setStatus(StatusWaitingForAck)
	c.setInvite2xxTimer(in, res)
	c.setACKTimer()
	return true
}

// receiveReinviteAck ACK на 200 после re-INVITE без тела несет answer
func (c *core) receiveReinviteAck(in *dialog.Incoming, confirm func()) {
	c.ackAnswer = false
	req := in.Request
	if len(req.Body()) == 0 || dialog.ContentType(req) != dialog.ContentTypeSDP {
		c.log.Warn("Session.receiveReinviteAck ACK without answer")
		c.byeBadMedia(req)
		return
	}
	c.apply(c.media, req.Body(), func(err error) {
		if err != nil {
			c.log.Warn("Session.receiveReinviteAck answer rejected", slog.Any("error", err))
			c.byeBadMedia(req)
			return
		}
		confirm()
	})
}

// byeBadMedia завершает установленную сессию из-за неприемлемого описания
func (c *core) byeBadMedia(msg sip.Message) {
	c.timers.cancel(timerAck, timerInvite2xx)
	c.sendRequest(sip.BYE, sendOptions{
		headers:    []sip.Header{dialog.Reason(sip.StatusNotAcceptableHere, "Bad Media Description")},
		onResponse: ignoreResponse,
	})
	c.terminated(msg, CauseBadMediaDescription)
}
