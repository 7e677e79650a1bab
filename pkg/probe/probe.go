// Package probe defines the capability a debug probe exposes to the rest of
// rttview, plus decorators that can be stacked on top of any backend.
//
// Backends live in subpackages: gdbserial talks the GDB Remote Serial
// Protocol, openocd talks the OpenOCD telnet command protocol and sim is an
// in-process simulated target.
package probe

import (
	"errors"
	"io"
)

// Memory is the remote memory access subset of a probe. All addresses are
// absolute 32-bit target addresses; backends talking to wider targets
// truncate or extend at their own boundary.
type Memory interface {
	// ReadMemory reads count bytes starting at addr.
	ReadMemory(addr uint32, count int) ([]byte, error)
	// WriteMemory writes data starting at addr.
	WriteMemory(addr uint32, data []byte) error
	// WriteU32 writes a single little-endian 32-bit word at addr.
	WriteU32(addr uint32, val uint32) error
}

// ExecutionControl is the run control subset of a probe.
type ExecutionControl interface {
	Halt() error
	Resume() error
	Halted() (bool, error)
	// Reset resets the target, leaving it halted if halt is true.
	Reset(halt bool) error
}

// RegisterAccess reads and writes core registers by name. Names are
// resolved through the backend's RegisterSet, so aliases are accepted.
type RegisterAccess interface {
	ReadRegister(name string) (uint32, error)
	WriteRegister(name string, val uint32) error
	// Registers returns the canonical register names known to the
	// backend, in target order.
	Registers() []string
}

// Probe is a connected debug probe. Implementations are not safe for
// concurrent use unless documented otherwise, wrap them with Locked when
// more than one goroutine needs to issue operations.
type Probe interface {
	Memory
	ExecutionControl
	RegisterAccess
	io.Closer
}

// ErrUnknownRegister is returned by RegisterAccess implementations for
// names that neither the backend nor its RegisterSet recognize.
var ErrUnknownRegister = errors.New("unknown register")

// ErrClosed is returned by operations on a probe that was closed.
var ErrClosed = errors.New("probe closed")
