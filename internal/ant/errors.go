package ant

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound means no matching USB dongle is plugged in.
	// Terminal for the run; there is nothing to retry against.
	ErrDeviceNotFound = errors.New("ant: USB stick not found")

	// ErrTimeout means a synchronous request did not observe a matching
	// response within the bounded number of read attempts.
	ErrTimeout = errors.New("ant: timed out waiting for message")

	// ErrResourceExhausted means the dongle has no free channel slots.
	ErrResourceExhausted = errors.New("ant: no free channel slots")
)

// TransportError wraps a USB-level failure (submit, completion, clear-halt).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("ant: usb %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// FramingError reports a frame that failed checksum validation.  The bad
// frame is dropped and reading continues.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "ant: bad frame: " + e.Reason }

// ProtocolError reports a channel response that did not match the expected
// (channel, command, status) triple.  Fatal to the channel involved.
type ProtocolError struct {
	Channel byte
	Command MessageID
	Detail  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ant: channel %d command 0x%02X: %s", e.Channel, byte(e.Command), e.Detail)
}

// PairingMismatchError reports a RESPONSE_CHANNEL_ID that disagreed with a
// previously learned channel identity.  Fatal to the channel involved.
type PairingMismatchError struct {
	Field string
	Want  uint32
	Got   uint32
}

func (e *PairingMismatchError) Error() string {
	return fmt.Sprintf("ant: paired with unexpected %s: want %d, got %d", e.Field, e.Want, e.Got)
}
