package controller

import (
	"errors"
	"fmt"
)

// Sentinel errors for controller operations. These enable reliable error
// checking with errors.Is()
var (
	// ErrBusy indicates an operation was requested while another is in flight
	ErrBusy = errors.New("controller is busy")

	// ErrClosed indicates the controller has been closed
	ErrClosed = errors.New("controller is closed")

	// ErrNoBinaryDirectory indicates a cache operation without a binary directory
	ErrNoBinaryDirectory = errors.New("binary directory is not set")
)

// IOError reports a failed cache load, save or delete
type IOError struct {
	Op  string
	Dir string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s in %s: %v", e.Op, e.Dir, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
