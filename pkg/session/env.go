package session

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_session/pkg/dialog"
	"github.com/arzzra/sip_session/pkg/loop"
	"github.com/arzzra/sip_session/pkg/media"
)

// Identity адрес локального пользователя
type Identity struct {
	DisplayName string
	URI         sip.Uri
	Contact     sip.Uri
}

func (id Identity) contactHeader() sip.Header {
	return &sip.ContactHeader{Address: id.Contact}
}

// Env окружение, общее для всех сессий одного агента
type Env struct {
	Config      Config
	Scheduler   loop.Scheduler
	Dispatcher  dialog.Dispatcher
	Negotiators media.Factory
	Registry    *Registry
	Identity    Identity
	Logger      *slog.Logger
	Metrics     *Metrics
}

func (e *Env) validate() error {
	if e == nil {
		return errors.New("nil session environment")
	}
	if e.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if e.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if e.Negotiators == nil {
		return errors.New("media negotiator factory is required")
	}
	if e.Registry == nil {
		e.Registry = NewRegistry()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Config.T1 == 0 {
		e.Config = DefaultConfig()
	}
	return e.Config.Validate()
}
