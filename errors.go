package guestgpu

import (
	"errors"

	"github.com/gogpu/guestgpu/scheduler"
	"github.com/gogpu/guestgpu/texture"
)

// ErrClosed is returned by GPU methods after Close.
var ErrClosed = errors.New("guestgpu: closed")

// FatalError wraps a failure the emulated process cannot continue from:
// device loss that persisted across the retry, or a guest construct the
// core does not support.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "guestgpu: fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is or wraps a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// classify wraps err in a *FatalError when it is fatal and returns it
// unchanged otherwise.
func classify(err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	if errors.Is(err, scheduler.ErrDeviceLost) || errors.Is(err, texture.ErrUnsupported) {
		return &FatalError{Err: err}
	}
	return err
}
