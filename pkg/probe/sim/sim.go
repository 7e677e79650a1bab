// Package sim implements a simulated debug target: a sparse map of RAM
// regions, a halt flag, a register file and, optionally, firmware that
// owns an RTT control block inside that RAM.
//
// Target satisfies probe.Probe and is safe for concurrent use, so the
// firmware side can run on its own goroutine while a host session polls.
package sim

import (
	"fmt"
	"sync"

	"github.com/rttview/rttview/pkg/logflags"
	"github.com/rttview/rttview/pkg/probe"
)

// Access records one host memory operation.
type Access struct {
	Addr uint32
	Len  int
}

// FaultError is returned for accesses outside every mapped region.
type FaultError struct {
	Addr uint32
	Len  int
}

func (err *FaultError) Error() string {
	return fmt.Sprintf("bus fault accessing %d bytes at %#08x", err.Len, err.Addr)
}

type region struct {
	base uint32
	data []byte
}

func (r *region) contains(addr uint32, n int) bool {
	return uint64(addr) >= uint64(r.base) && uint64(addr)+uint64(n) <= uint64(r.base)+uint64(len(r.data))
}

// Target is a simulated target.
type Target struct {
	mu      sync.Mutex
	regions []*region
	halted  bool
	closed  bool
	rs      *probe.RegisterSet
	regs    []uint32

	reads  []Access
	writes []Access

	// fault, when set, is returned by the next host operation.
	fault error

	log logflags.Logger
}

// New returns a running target using the register table of arch.
func New(arch string) (*Target, error) {
	rs, err := probe.RegisterSetFor(arch)
	if err != nil {
		return nil, err
	}
	return &Target{rs: rs, regs: make([]uint32, len(rs.Names())), log: logflags.ProbeLogger()}, nil
}

// Map adds a zero filled RAM region of size bytes at base.
func (t *Target) Map(base uint32, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions = append(t.regions, &region{base: base, data: make([]byte, size)})
}

// Load copies data into mapped memory at addr without recording an access.
func (t *Target) Load(addr uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf, err := t.slice(addr, len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// Peek returns a copy of n bytes at addr without recording an access.
func (t *Target) Peek(addr uint32, n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf, err := t.slice(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf...), nil
}

// Reads returns the host reads issued since the last ClearLog.
func (t *Target) Reads() []Access {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Access(nil), t.reads...)
}

// Writes returns the host writes issued since the last ClearLog.
func (t *Target) Writes() []Access {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Access(nil), t.writes...)
}

// ClearLog forgets recorded accesses.
func (t *Target) ClearLog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads = t.reads[:0]
	t.writes = t.writes[:0]
}

// InjectFault makes the next host operation fail with err.
func (t *Target) InjectFault(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fault = err
}

func (t *Target) slice(addr uint32, n int) ([]byte, error) {
	for _, r := range t.regions {
		if r.contains(addr, n) {
			off := addr - r.base
			return r.data[off : off+uint32(n)], nil
		}
	}
	return nil, &FaultError{Addr: addr, Len: n}
}

func (t *Target) check() error {
	if t.closed {
		return probe.ErrClosed
	}
	if err := t.fault; err != nil {
		t.fault = nil
		return err
	}
	return nil
}

func (t *Target) ReadMemory(addr uint32, count int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	t.reads = append(t.reads, Access{addr, count})
	buf, err := t.slice(addr, count)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf...), nil
}

func (t *Target) WriteMemory(addr uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	t.writes = append(t.writes, Access{addr, len(data)})
	buf, err := t.slice(addr, len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

func (t *Target) WriteU32(addr uint32, val uint32) error {
	return t.WriteMemory(addr, []byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)})
}

func (t *Target) Halt() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	t.halted = true
	return nil
}

func (t *Target) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	t.halted = false
	return nil
}

func (t *Target) Halted() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return false, err
	}
	return t.halted, nil
}

func (t *Target) Reset(halt bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	for i := range t.regs {
		t.regs[i] = 0
	}
	t.halted = halt
	if logflags.Probe() {
		t.log.Debugf("simulated reset, halt=%v", halt)
	}
	return nil
}

func (t *Target) ReadRegister(name string) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return 0, err
	}
	_, i, ok := t.rs.Canonical(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", probe.ErrUnknownRegister, name)
	}
	return t.regs[i], nil
}

func (t *Target) WriteRegister(name string, val uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	_, i, ok := t.rs.Canonical(name)
	if !ok {
		return fmt.Errorf("%w: %s", probe.ErrUnknownRegister, name)
	}
	t.regs[i] = val
	return nil
}

func (t *Target) Registers() []string {
	return t.rs.Names()
}

func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
