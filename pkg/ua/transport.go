package ua

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/loop"
)

// sipClient часть sipgo.Client, нужная диспетчеру
type sipClient interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
}

// keepHeaders отправляет запрос как есть: CANCEL должен повторять Via INVITE
func keepHeaders(*sipgo.Client, *sip.Request) error { return nil }

// dispatcher реализует dialog.Dispatcher поверх клиентских транзакций sipgo.
// Ответы и ошибки передаются в цикл событий.
type dispatcher struct {
	client sipClient
	sched  loop.Scheduler
	log    *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

func newDispatcher(ctx context.Context, client sipClient, sched loop.Scheduler, log *slog.Logger) *dispatcher {
	return &dispatcher{client: client, sched: sched, log: log, ctx: ctx}
}

func (d *dispatcher) Send(req *sip.Request, h dialog.Handlers) {
	if req.Method == sip.ACK {
		if err := d.client.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
			d.log.Warn("Dispatcher.Send ACK", slog.Any("error", err))
		}
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.transaction(req, h, sipgo.ClientRequestAddVia)
	}()
}

func (d *dispatcher) Cancel(invite *sip.Request, reason sip.Header) {
	cancel := dialog.NewCancelRequest(invite, reason)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.transaction(cancel, dialog.Handlers{}, keepHeaders)
	}()
}

func (d *dispatcher) transaction(req *sip.Request, h dialog.Handlers, opt sipgo.ClientRequestOption) {
	d.log.Debug("Dispatcher.transaction", slog.String("method", string(req.Method)), slog.String("to", req.Recipient.String()))

	tx, err := d.client.TransactionRequest(d.ctx, req, opt)
	if err != nil {
		d.post(func() {
			if h.OnTransportError != nil {
				h.OnTransportError(errors.Wrapf(err, "send %s", req.Method))
			}
		})
		return
	}
	defer tx.Terminate()

	d.deliver(req.Method, tx.Responses(), tx.Done(), tx.Err, h)
}

// deliver читает ответы транзакции до ее завершения.
// INVITE читается до конца: после 2xx возможны ответы других ответвлений.
func (d *dispatcher) deliver(method sip.RequestMethod, responses <-chan *sip.Response, done <-chan struct{}, txErr func() error, h dialog.Handlers) {
	for {
		select {
		case res := <-responses:
			if res == nil {
				continue
			}
			d.post(func() {
				if h.OnResponse != nil {
					h.OnResponse(res)
				}
			})
			if res.StatusCode >= 200 && method != sip.INVITE {
				return
			}
		case <-done:
			err := txErr()
			if err == nil {
				return
			}
			d.post(func() {
				switch {
				case errors.Is(err, sip.ErrTransactionTimeout):
					if h.OnTimeout != nil {
						h.OnTimeout()
					}
				default:
					if h.OnTransportError != nil {
						h.OnTransportError(err)
					}
				}
			})
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *dispatcher) post(fn func()) {
	d.sched.Post(fn)
}

// wait ждет завершения всех транзакций
func (d *dispatcher) wait() {
	d.wg.Wait()
}

// responder реализует dialog.Responder для серверной транзакции sipgo.
// Повторы 2xx на INVITE после завершения транзакции уходят напрямую.
type responder struct {
	tx  sip.ServerTransaction
	srv *sipgo.Server
}

func (r *responder) Respond(res *sip.Response) error {
	if r.tx == nil {
		return errors.New("request has no server transaction")
	}
	err := r.tx.Respond(res)
	if err == nil || r.srv == nil || !res.IsSuccess() {
		return err
	}
	if cseq := res.CSeq(); cseq != nil && cseq.MethodName == sip.INVITE {
		return r.srv.WriteResponse(res)
	}
	return err
}
