// Package ua связывает сессии с транспортом sipgo: входящие запросы
// направляются в цикл событий, исходящие уходят через клиентские транзакции.
package ua

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sip_session/pkg/config"
	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/loop"
	"github.com/arzzra/sip_session/pkg/media"
	"github.com/arzzra/sip_session/pkg/session"
)

// handledMethods методы, для которых регистрируются обработчики сервера
var handledMethods = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.PRACK,
	sip.INFO, sip.REFER, sip.NOTIFY, sip.OPTIONS, sip.UPDATE,
}

// UserAgent SIP агент с набором сессий
type UserAgent struct {
	cfg *config.Config
	log *slog.Logger

	loop   *loop.Loop
	env    *session.Env
	router *router

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	disp   *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New создает агента. Сеть не используется до вызова Serve.
// reg может быть nil, тогда метрики не регистрируются.
func New(cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*UserAgent, error) {
	if log == nil {
		log = slog.Default()
	}
	mc, err := cfg.SDPConfig()
	if err != nil {
		return nil, err
	}
	sc := cfg.SessionConfig()

	u := &UserAgent{cfg: cfg, log: log, loop: loop.New(log)}
	u.ctx, u.cancel = context.WithCancel(context.Background())

	u.ua, err = sipgo.NewUA(
		sipgo.WithUserAgent(cfg.SIP.User),
		sipgo.WithUserAgentHostname(cfg.SIP.Host),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create UA")
	}
	u.server, err = sipgo.NewServer(u.ua)
	if err != nil {
		_ = u.ua.Close()
		return nil, errors.Wrap(err, "failed to create server")
	}
	u.client, err = sipgo.NewClient(u.ua, sipgo.WithClientHostname(cfg.SIP.Host))
	if err != nil {
		_ = u.ua.Close()
		return nil, errors.Wrap(err, "failed to create client")
	}

	u.disp = newDispatcher(u.ctx, u.client, u.loop, log)
	u.env = &session.Env{
		Config:      sc,
		Scheduler:   u.loop,
		Dispatcher:  u.disp,
		Negotiators: media.SDPFactory(mc),
		Registry:    session.NewRegistry(),
		Identity:    cfg.Identity(),
		Logger:      log,
	}
	if reg != nil {
		u.env.Metrics = session.NewMetrics(reg)
	}
	u.router = &router{env: u.env, log: log}

	for _, method := range handledMethods {
		u.server.OnRequest(method, u.handleRequest)
	}
	return u, nil
}

func (u *UserAgent) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	in := dialog.NewIncoming(req, &responder{tx: tx, srv: u.server})
	u.loop.Post(func() {
		u.router.route(in)
	})
}

// OnIncoming задает обработчик новых входящих сессий. Обработчик вызывается
// в цикле событий до первого события сессии.
func (u *UserAgent) OnIncoming(fn func(*session.ServerSession)) {
	u.loop.Post(func() {
		u.router.onIncoming = fn
	})
}

// Invite создает исходящую сессию и отправляет INVITE. setup вызывается
// в цикле событий до отправки, в нем подключаются наблюдатели.
func (u *UserAgent) Invite(ctx context.Context, target sip.Uri, opts session.InviteOptions, setup func(*session.ClientSession)) (*session.ClientSession, error) {
	var (
		s   *session.ClientSession
		err error
	)
	if derr := u.loop.Do(ctx, func() {
		s, err = session.NewClientSession(u.env, target, opts)
		if err != nil {
			return
		}
		if setup != nil {
			setup(s)
		}
		err = s.Invite()
	}); derr != nil {
		return nil, derr
	}
	return s, err
}

// Do исполняет fn в цикле событий. Методы сессий вызываются только так.
func (u *UserAgent) Do(ctx context.Context, fn func()) error {
	return u.loop.Do(ctx, fn)
}

// Sessions число активных сессий
func (u *UserAgent) Sessions(ctx context.Context) (int, error) {
	var n int
	err := u.loop.Do(ctx, func() { n = u.env.Registry.Len() })
	return n, err
}

// Serve запускает цикл событий и слушает сконфигурированный адрес
// до отмены ctx
func (u *UserAgent) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- u.loop.Run(ctx)
	}()

	network := strings.ToLower(u.cfg.SIP.Transport)
	addr := net.JoinHostPort(u.cfg.SIP.Host, strconv.Itoa(u.cfg.SIP.Port))
	u.log.Info("Starting SIP server", slog.String("transport", network), slog.String("addr", addr))

	err := u.server.ListenAndServe(ctx, network, addr)
	cancel()
	<-loopErr
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, "listen %s/%s", network, addr)
	}
	return nil
}

// Close останавливает цикл и транспорт
func (u *UserAgent) Close() error {
	var err error
	u.once.Do(func() {
		u.loop.Close()
		u.cancel()
		u.disp.wait()
		if cerr := u.client.Close(); cerr != nil {
			err = cerr
		}
		if cerr := u.server.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := u.ua.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
