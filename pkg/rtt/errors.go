package rtt

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by errors.Is for every failed control block
// search.
var ErrNotFound = errors.New("RTT control block not found")

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("RTT session closed")

// ErrNoSearchWindow is returned by Relocate on a Session made with Bind.
var ErrNoSearchWindow = errors.New("RTT session has no search window to relocate in")

// NotFoundError is returned when no chunk of the scanned window contains
// the signature.
type NotFoundError struct {
	Start  uint32
	Length uint64
}

func (err *NotFoundError) Error() string {
	return fmt.Sprintf("%v in %#x bytes starting at %#08x", ErrNotFound, err.Length, err.Start)
}

func (err *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ProbeError is a transport failure. The underlying error is preserved and
// available through errors.Unwrap.
type ProbeError struct {
	Op    string
	Addr  uint32
	Count int
	Err   error
}

func (err *ProbeError) Error() string {
	return fmt.Sprintf("probe %s of %d bytes at %#08x: %v", err.Op, err.Count, err.Addr, err.Err)
}

func (err *ProbeError) Unwrap() error {
	return err.Err
}

// MalformedStateError describes a descriptor that could not be operated on.
// Channel operations never return it; it is recorded in the session Stats
// and logged. Open returns it when the control block cannot host the
// requested channels.
type MalformedStateError struct {
	Channel string
	Desc    Descriptor
	Reason  string
}

func (err *MalformedStateError) Error() string {
	return fmt.Sprintf("malformed %s descriptor (%v): %s", err.Channel, err.Desc, err.Reason)
}
