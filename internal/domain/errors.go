package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrIncompatible = errors.New("incompatible capabilities")
	ErrNotConnected = errors.New("peer not connected")
	ErrEngine       = errors.New("media engine error")
	ErrBadRequest   = errors.New("bad request")
)

// Error pairs an error kind with the message sent back to the client.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Incompatiblef(format string, args ...any) error {
	return &Error{Kind: ErrIncompatible, Msg: fmt.Sprintf(format, args...)}
}

func NotConnectedf(format string, args ...any) error {
	return &Error{Kind: ErrNotConnected, Msg: fmt.Sprintf(format, args...)}
}

func BadRequestf(format string, args ...any) error {
	return &Error{Kind: ErrBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// EngineErrorf wraps a Media Engine failure. Already classified errors pass through.
func EngineErrorf(err error, format string, args ...any) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: ErrEngine, Msg: fmt.Sprintf(format, args...), Err: err}
}
