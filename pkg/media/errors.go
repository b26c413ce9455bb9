package media

import "github.com/pkg/errors"

var (
	ErrClosed          = errors.New("media: negotiator closed")
	ErrBadDescription  = errors.New("media: malformed session description")
	ErrIncompatible    = errors.New("media: no compatible media")
	ErrUnexpectedState = errors.New("media: unexpected offer/answer state")
)
