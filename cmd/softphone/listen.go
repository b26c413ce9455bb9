package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/sip_session/pkg/session"
)

var (
	answerDelay time.Duration
	hangupAfter time.Duration
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Принимать входящие вызовы с автоответом",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		a.agent.OnIncoming(a.answer)
		return a.run(cmd.Context(), func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	},
}

func init() {
	listenCmd.Flags().DurationVar(&answerDelay, "answer-delay", time.Second, "delay before answering")
	listenCmd.Flags().DurationVar(&hangupAfter, "hangup-after", 0, "hang up answered calls after this duration, 0 keeps them")
}

// answer вызывается в цикле событий агента
func (a *app) answer(s *session.ServerSession) {
	ctx := context.Background()
	log := a.log.With(slog.String("session", s.ID()))
	s.Observe(eventLogger(log))
	s.Observe(func(ev session.Event) {
		switch ev.(type) {
		case session.Invite:
			time.AfterFunc(answerDelay, func() {
				a.do(ctx, log, func() error { return s.Accept(session.AcceptOptions{}) })
			})
		case session.Accepted:
			if hangupAfter > 0 {
				time.AfterFunc(hangupAfter, func() {
					a.do(ctx, log, func() error { return s.Terminate(session.TerminateOptions{}) })
				})
			}
		}
	})
}

// do выполняет операцию над сессией в цикле событий
func (a *app) do(ctx context.Context, log *slog.Logger, op func() error) {
	var opErr error
	if err := a.agent.Do(ctx, func() { opErr = op() }); err != nil {
		log.Debug("Session operation skipped", slog.Any("error", err))
		return
	}
	if opErr != nil {
		log.Warn("Session operation failed", slog.Any("error", opErr))
	}
}

// eventLogger пишет события сессии в лог
func eventLogger(log *slog.Logger) session.Observer {
	return func(ev session.Event) {
		attrs := []any{slog.String("event", ev.Name())}
		switch e := ev.(type) {
		case session.Progress:
			attrs = append(attrs, slog.Int("code", e.Response.StatusCode), slog.String("originator", string(e.Originator)))
		case session.Failed:
			attrs = append(attrs, slog.String("cause", e.Cause.String()), slog.Int("code", e.Code))
			if e.Err != nil {
				attrs = append(attrs, slog.Any("error", e.Err))
			}
		case session.Terminated:
			attrs = append(attrs, slog.String("cause", e.Cause.String()))
			if e.Err != nil {
				attrs = append(attrs, slog.Any("error", e.Err))
			}
		case session.Hold:
			attrs = append(attrs, slog.String("originator", string(e.Originator)))
		case session.Unhold:
			attrs = append(attrs, slog.String("originator", string(e.Originator)))
		case session.DTMF:
			attrs = append(attrs, slog.String("tone", string(e.Tone)), slog.Duration("duration", e.Duration))
		}
		log.Info("Session event", attrs...)
	}
}
