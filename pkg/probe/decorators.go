package probe

import (
	"sync"

	"github.com/rttview/rttview/pkg/logflags"
)

// haltAround halts a running target for the duration of every memory
// operation and resumes it afterwards. Some transports (OpenOCD on several
// RISC-V targets for example) refuse memory access while the core runs.
type haltAround struct {
	Probe
	log logflags.Logger
}

// HaltAround returns a Probe whose memory operations are bracketed by a
// halt and a resume whenever the target is found running. A target that is
// already halted is left halted.
func HaltAround(p Probe) Probe {
	return &haltAround{Probe: p, log: logflags.ProbeLogger()}
}

func (h *haltAround) bracket(fn func() error) (err error) {
	halted, err := h.Probe.Halted()
	if err != nil {
		return err
	}
	if !halted {
		if err := h.Probe.Halt(); err != nil {
			return err
		}
		defer func() {
			if rerr := h.Probe.Resume(); rerr != nil && err == nil {
				err = rerr
			}
		}()
		if logflags.Probe() {
			h.log.Debugf("target halted for memory access")
		}
	}
	return fn()
}

func (h *haltAround) ReadMemory(addr uint32, count int) (data []byte, err error) {
	err = h.bracket(func() error {
		data, err = h.Probe.ReadMemory(addr, count)
		return err
	})
	return data, err
}

func (h *haltAround) WriteMemory(addr uint32, data []byte) error {
	return h.bracket(func() error {
		return h.Probe.WriteMemory(addr, data)
	})
}

func (h *haltAround) WriteU32(addr uint32, val uint32) error {
	return h.bracket(func() error {
		return h.Probe.WriteU32(addr, val)
	})
}

// locked serializes every operation on the wrapped probe.
type locked struct {
	mu sync.Mutex
	p  Probe
}

// Locked returns a Probe that is safe for concurrent use. Each call holds
// a mutex for its whole round trip to the target.
func Locked(p Probe) Probe {
	if l, ok := p.(*locked); ok {
		return l
	}
	return &locked{p: p}
}

func (l *locked) ReadMemory(addr uint32, count int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.ReadMemory(addr, count)
}

func (l *locked) WriteMemory(addr uint32, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.WriteMemory(addr, data)
}

func (l *locked) WriteU32(addr uint32, val uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.WriteU32(addr, val)
}

func (l *locked) Halt() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Halt()
}

func (l *locked) Resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Resume()
}

func (l *locked) Halted() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Halted()
}

func (l *locked) Reset(halt bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Reset(halt)
}

func (l *locked) ReadRegister(name string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.ReadRegister(name)
}

func (l *locked) WriteRegister(name string, val uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.WriteRegister(name, val)
}

func (l *locked) Registers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Registers()
}

func (l *locked) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p.Close()
}
