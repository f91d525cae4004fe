package entities

import (
	"errors"
	"fmt"
)

// Sentinel errors for handshake outcomes
var (
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrHandshakeMismatch = errors.New("handshake transport mismatch")
)

// TransportError wraps a websocket open/send/receive failure
type TransportError struct {
	Op  string // "dial", "send", "receive"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AudioDeviceError wraps a capture or playback device failure
type AudioDeviceError struct {
	Direction string // "capture" or "playback"
	Err       error
}

func (e *AudioDeviceError) Error() string {
	return fmt.Sprintf("audio %s device: %v", e.Direction, e.Err)
}

func (e *AudioDeviceError) Unwrap() error { return e.Err }

// CodecError wraps an encode or decode failure for a single frame. Per-frame
// codec errors are dropped with a diagnostic and never abort the stream.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }
