package errors

import (
	"errors"
	"fmt"
)

var (
	ErrPayloadTooLong = errors.New("payload exceeds 8 bytes")
	ErrUnknownType    = errors.New("packet type not in catalog")
	ErrUnsupported    = errors.New("packet type not supported by this module")
	ErrNotOperating   = errors.New("transport is not operating")
	ErrNormalMode     = errors.New("controller is in normal mode")
)

// EncodingError is returned when a frame cannot be built from the caller's input.
// It is always recoverable by fixing the call.
type EncodingError struct {
	Type uint8
	Len  int
	Err  error
}

func (err *EncodingError) Error() string {
	return fmt.Sprintf("encoding type 0x%02x (%d bytes): %v", err.Type, err.Len, err.Err)
}

func (err *EncodingError) Unwrap() error {
	return err.Err
}

// MalformedFrameError reports a received frame that does not match the catalog.
type MalformedFrameError struct {
	ID     uint32
	Type   uint8
	Len    int
	Reason string
}

func (err *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame 0x%08x type 0x%02x len %d: %s", err.ID, err.Type, err.Len, err.Reason)
}

type TransportError struct {
	Op  string
	Err error
}

func (err *TransportError) Error() string {
	if len(err.Op) == 0 {
		err.Op = "UNKNOWN"
	}
	return fmt.Sprintf("transport %s failed: %v", err.Op, err.Err)
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// InitializationError means the reset/config sequence did not complete and the
// transport stayed uninitialized.
type InitializationError struct {
	Step string
	Err  error
}

func (err *InitializationError) Error() string {
	return fmt.Sprintf("initialization failed at %s: %v", err.Step, err.Err)
}

func (err *InitializationError) Unwrap() error {
	return err.Err
}

func IsMalformed(err error) bool {
	var m *MalformedFrameError
	return errors.As(err, &m)
}

func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

func IsInitialization(err error) bool {
	var i *InitializationError
	return errors.As(err, &i)
}

func IsEncoding(err error) bool {
	var e *EncodingError
	return errors.As(err, &e)
}
