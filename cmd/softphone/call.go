package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/arzzra/sip_session/pkg/session"
)

// byeWait сколько ждать завершения вызова после сигнала
const byeWait = 3 * time.Second

var (
	callDuration time.Duration
	callDTMF     string
	callNoSDP    bool
	callAnon     bool
)

var callCmd = &cobra.Command{
	Use:   "call <sip-uri>",
	Short: "Позвонить по адресу и завершить вызов",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target sip.Uri
		if err := sip.ParseUri(args[0], &target); err != nil {
			return errors.Wrapf(err, "invalid target %q", args[0])
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.run(cmd.Context(), func(ctx context.Context) error {
			return a.call(ctx, target)
		})
	},
}

func init() {
	callCmd.Flags().DurationVar(&callDuration, "duration", 10*time.Second, "hang up after this duration")
	callCmd.Flags().StringVar(&callDTMF, "dtmf", "", "tones to send after answer")
	callCmd.Flags().BoolVar(&callNoSDP, "no-sdp", false, "send INVITE without offer")
	callCmd.Flags().BoolVar(&callAnon, "anonymous", false, "hide caller identity")
}

func (a *app) call(ctx context.Context, target sip.Uri) error {
	done := make(chan session.Event, 1)
	log := a.log.With(slog.String("target", target.String()))

	s, err := a.agent.Invite(ctx, target, session.InviteOptions{
		WithoutSDP: callNoSDP,
		Anonymous:  callAnon,
	}, func(s *session.ClientSession) {
		log = log.With(slog.String("session", s.ID()))
		s.Observe(eventLogger(log))
		s.Observe(func(ev session.Event) {
			switch ev.(type) {
			case session.Accepted:
				if callDTMF != "" {
					if err := s.DTMF(callDTMF, session.DTMFOptions{}); err != nil {
						log.Warn("DTMF rejected", slog.Any("error", err))
					}
				}
				time.AfterFunc(callDuration, func() {
					a.do(ctx, log, func() error { return s.Terminate(session.TerminateOptions{}) })
				})
			case session.Failed, session.Terminated:
				done <- ev
			}
		})
	})
	if err != nil {
		return errors.Wrap(err, "invite")
	}

	select {
	case ev := <-done:
		if f, ok := ev.(session.Failed); ok {
			if f.Err != nil {
				return errors.Wrapf(f.Err, "call failed: %s", f.Cause)
			}
			return errors.Errorf("call failed: %s", f.Cause)
		}
		return nil
	case <-ctx.Done():
	}

	a.do(context.Background(), log, func() error { return s.Terminate(session.TerminateOptions{}) })
	select {
	case <-done:
	case <-time.After(byeWait):
		log.Warn("Call did not terminate in time")
	}
	return nil
}
