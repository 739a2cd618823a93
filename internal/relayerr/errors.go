// Package relayerr defines the relay's error taxonomy. Each type carries the
// operation that failed and the underlying cause, and classification helpers
// decide how far an error is allowed to propagate.
package relayerr

import (
	"errors"
	"fmt"
)

// ErrTranscoderUnavailable is reported when the transcoder restart budget for
// a publisher session is exhausted.
var ErrTranscoderUnavailable = errors.New("transcoder unavailable")

// BindError means a listening socket could not be opened. Fatal at startup.
type BindError struct {
	Op   string
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind error: %s %s: %v", e.Op, e.Addr, e.Err)
}
func (e *BindError) Unwrap() error { return e.Err }

// HandshakeError is a per-connection failure; the listener keeps running.
type HandshakeError struct {
	Op  string
	Err error
}

func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("handshake error: %s", e.Op)
	}
	return fmt.Sprintf("handshake error: %s: %v", e.Op, e.Err)
}
func (e *HandshakeError) Unwrap() error { return e.Err }

// PublisherLostError ends the current publisher session.
type PublisherLostError struct {
	SessionID string
	Err       error
}

func (e *PublisherLostError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("publisher lost: session %s", e.SessionID)
	}
	return fmt.Sprintf("publisher lost: session %s: %v", e.SessionID, e.Err)
}
func (e *PublisherLostError) Unwrap() error { return e.Err }

// ViewerSendError evicts a single viewer.
type ViewerSendError struct {
	ViewerID string
	Err      error
}

func (e *ViewerSendError) Error() string {
	return fmt.Sprintf("viewer send error: %s: %v", e.ViewerID, e.Err)
}
func (e *ViewerSendError) Unwrap() error { return e.Err }

// SpawnError means the transcoder executable is missing or could not start.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn error: %s: %v", e.Path, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }

// TranscoderCrash records an unexpected transcoder exit.
type TranscoderCrash struct {
	Attempt  int
	ExitCode int
	Err      error
}

func (e *TranscoderCrash) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transcoder crash: attempt %d exit %d", e.Attempt, e.ExitCode)
	}
	return fmt.Sprintf("transcoder crash: attempt %d exit %d: %v", e.Attempt, e.ExitCode, e.Err)
}
func (e *TranscoderCrash) Unwrap() error { return e.Err }

// SegmentWriteError is an I/O failure in the segment store. The playlist is
// left at its last good state.
type SegmentWriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *SegmentWriteError) Error() string {
	return fmt.Sprintf("segment write error: %s %s: %v", e.Op, e.Path, e.Err)
}
func (e *SegmentWriteError) Unwrap() error { return e.Err }

// IsFatal reports whether err must terminate the process. Only bind failures
// qualify.
func IsFatal(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}

// IsSessionLevel reports whether err ends the current publisher session
// without affecting the process.
func IsSessionLevel(err error) bool {
	if err == nil {
		return false
	}
	var pl *PublisherLostError
	if errors.As(err, &pl) {
		return true
	}
	return errors.Is(err, ErrTranscoderUnavailable)
}

// IsLocal reports whether err is handled entirely by the resource that
// produced it (one connection, one viewer, one segment write).
func IsLocal(err error) bool {
	var (
		he *HandshakeError
		ve *ViewerSendError
		se *SegmentWriteError
	)
	return errors.As(err, &he) || errors.As(err, &ve) || errors.As(err, &se)
}
