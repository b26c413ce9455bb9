package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/arzzra/sip_session/pkg/config"
	"github.com/arzzra/sip_session/pkg/logger"
	"github.com/arzzra/sip_session/pkg/ua"
)

var (
	configFile string
	sipDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "softphone",
	Short: "SIP софтфон: прием и совершение вызовов",
	Long: `softphone устанавливает SIP сессии (RFC 3261) с offer/answer SDP,
надежными предварительными ответами (RFC 3262), удержанием, DTMF через INFO
и переводом вызова через REFER.

Конфигурация читается из YAML файла и переменных окружения SOFTPHONE_*.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&sipDebug, "sip-debug", false, "dump SIP messages")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(callCmd)
}

// app собранные зависимости команды
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	agent   *ua.UserAgent
	metrics *metricsServer
	closers []io.Closer
}

func newApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if sipDebug {
		sip.SIPDebug = true
	}

	log, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
		a.metrics = newMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path, log)
	}

	a.agent, err = ua.New(cfg, log, reg)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	return a, nil
}

// run обслуживает агента до завершения work. Сигнал отменяет контекст work,
// транспорт останавливается только после ее возврата.
func (a *app) run(ctx context.Context, work func(ctx context.Context) error) error {
	workCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	defer a.close()

	if a.metrics != nil {
		a.metrics.Start()
		defer a.metrics.Stop(context.Background())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.agent.Serve(serveCtx)
	}()

	workErr := make(chan error, 1)
	go func() {
		workErr <- work(workCtx)
	}()

	select {
	case err := <-serveErr:
		return err
	case err := <-workErr:
		cancelServe()
		<-serveErr
		return err
	}
}

func (a *app) close() {
	if err := a.agent.Close(); err != nil {
		a.log.Warn("UserAgent close", slog.Any("error", err))
	}
	for _, c := range a.closers {
		_ = c.Close()
	}
}
