package rtt

import (
	"fmt"
	"io"
	"sync"

	"github.com/rttview/rttview/pkg/logflags"
	"github.com/rttview/rttview/pkg/probe"
)

// Config describes how a Session finds and binds its channels.
type Config struct {
	Window SearchWindow
	// Strict is passed to the Locator when Locator is nil.
	Strict bool
	// UpIndex and DownIndex select the descriptors used by the session,
	// normally 0.
	UpIndex   int
	DownIndex int
	// Locator is used to find the control block, at Open and again on
	// every Relocate. When nil a Locator without hint cache is used.
	Locator *Locator
}

// Stats counts session activity.
type Stats struct {
	Polls       uint64
	BytesUp     uint64
	Sends       uint64
	BytesDown   uint64
	Anomalies   uint64
	LastAnomaly *MalformedStateError
}

// Session is an open RTT connection: a located control block plus one Up
// and one Down channel bound to it.
//
// A Session holds no buffer state of its own, everything lives in target
// memory and is refetched before each operation. PollUp and SendDown each
// round-trip to the target; calls in the same direction must not overlap,
// and the probe is assumed to need external mutual exclusion, so callers
// that use both directions from different goroutines should serialize
// them or wrap the probe with probe.Locked. Descriptors, ControlBlock and
// Relocate may be called concurrently with either direction.
type Session struct {
	p probe.Memory

	// bindMu guards the binding below, which only Relocate replaces.
	bindMu sync.RWMutex
	cb     *ControlBlock
	up     UpChannel
	down   DownChannel

	loc    *Locator
	window SearchWindow

	statsMu sync.Mutex
	stats   Stats

	closed bool
	log    logflags.Logger
}

// Open locates the control block in cfg.Window and binds the configured
// channels. The probe is released by Close when it implements io.Closer.
func Open(p probe.Memory, cfg Config) (*Session, error) {
	l := cfg.Locator
	if l == nil {
		l = &Locator{Strict: cfg.Strict, log: logflags.LocatorLogger()}
	}
	cb, err := l.Locate(p, cfg.Window)
	if err != nil {
		return nil, err
	}
	s, err := Bind(p, cb, cfg.UpIndex, cfg.DownIndex)
	if err != nil {
		return nil, err
	}
	s.loc, s.window = l, cfg.Window
	return s, nil
}

// Bind returns a session over an already located control block.
func Bind(p probe.Memory, cb *ControlBlock, upIndex, downIndex int) (*Session, error) {
	if err := checkIndexes(cb, upIndex, downIndex); err != nil {
		return nil, err
	}
	s := &Session{p: p, log: logflags.RTTLogger()}
	s.bind(cb, upIndex, downIndex)
	if logflags.RTT() {
		s.log.Debugf("session open: control block %#08x, up[%d] at %#08x, down[%d] at %#08x", cb.Addr, upIndex, s.up.addr, downIndex, s.down.addr)
	}
	return s, nil
}

func checkIndexes(cb *ControlBlock, upIndex, downIndex int) error {
	if upIndex < 0 || uint32(upIndex) >= cb.MaxUpBuffers {
		return &MalformedStateError{Channel: "up", Reason: fmt.Sprintf("control block at %#08x has %d up buffers, index %d requested", cb.Addr, cb.MaxUpBuffers, upIndex)}
	}
	if downIndex < 0 || uint32(downIndex) >= cb.MaxDownBuffers {
		return &MalformedStateError{Channel: "down", Reason: fmt.Sprintf("control block at %#08x has %d down buffers, index %d requested", cb.Addr, cb.MaxDownBuffers, downIndex)}
	}
	return nil
}

func (s *Session) bind(cb *ControlBlock, upIndex, downIndex int) {
	s.cb = cb
	s.up = UpChannel{newChannel("up", upIndex, cb.UpDescriptorAddr(upIndex), s.recordAnomaly)}
	s.down = DownChannel{newChannel("down", downIndex, cb.DownDescriptorAddr(downIndex), s.recordAnomaly)}
}

// Relocate runs the session's Locator over its search window again and
// rebinds the channels, at the same indexes, to the control block found.
// Firmware that was reset or reflashed may have moved or rewritten the
// block. A Locator with a hint cache re-checks the previous address with
// a single header read first. On error the old binding is kept.
func (s *Session) Relocate() (ControlBlock, error) {
	if s.closed {
		return ControlBlock{}, ErrSessionClosed
	}
	if s.loc == nil {
		return ControlBlock{}, ErrNoSearchWindow
	}
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	cb, err := s.loc.Locate(s.p, s.window)
	if err != nil {
		return *s.cb, err
	}
	if err := checkIndexes(cb, s.up.index, s.down.index); err != nil {
		return *s.cb, err
	}
	if logflags.RTT() && cb.Addr != s.cb.Addr {
		s.log.Debugf("control block moved from %#08x to %#08x", s.cb.Addr, cb.Addr)
	}
	s.bind(cb, s.up.index, s.down.index)
	return *cb, nil
}

func (s *Session) recordAnomaly(err *MalformedStateError) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Anomalies++
	s.stats.LastAnomaly = err
}

// ControlBlock returns the located control block.
func (s *Session) ControlBlock() ControlBlock {
	s.bindMu.RLock()
	defer s.bindMu.RUnlock()
	return *s.cb
}

// Up returns the Up channel. The channel must not be used concurrently
// with PollUp or Relocate.
func (s *Session) Up() *UpChannel { return &s.up }

// Down returns the Down channel. The channel must not be used
// concurrently with SendDown or Relocate.
func (s *Session) Down() *DownChannel { return &s.down }

// PollUp returns whatever the Up channel has in one contiguous run. An
// empty result means no data, or a descriptor that failed the sanity
// checks (see Stats).
func (s *Session) PollUp() ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.bindMu.RLock()
	data, err := s.up.Read(s.p)
	s.bindMu.RUnlock()
	s.statsMu.Lock()
	s.stats.Polls++
	s.stats.BytesUp += uint64(len(data))
	s.statsMu.Unlock()
	return data, err
}

// SendDown writes as much of data as fits into the Down channel and
// returns the count accepted. Callers keep and resend the remainder.
func (s *Session) SendDown(data []byte) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	s.bindMu.RLock()
	n, err := s.down.Write(s.p, data)
	s.bindMu.RUnlock()
	s.statsMu.Lock()
	s.stats.Sends++
	s.stats.BytesDown += uint64(n)
	s.statsMu.Unlock()
	return n, err
}

// Descriptors reads fresh copies of both bound descriptors. Channel state
// is left alone, so this is safe while PollUp and SendDown run.
func (s *Session) Descriptors() (up, down Descriptor, err error) {
	if s.closed {
		return up, down, ErrSessionClosed
	}
	s.bindMu.RLock()
	upAddr, downAddr := s.up.addr, s.down.addr
	s.bindMu.RUnlock()
	if up, err = readDescriptor(s.p, upAddr); err != nil {
		return
	}
	down, err = readDescriptor(s.p, downAddr)
	return
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close releases the probe. Nothing needs to be torn down on the target.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if logflags.RTT() {
		st := s.Stats()
		s.log.Debugf("session closed: %d bytes up, %d bytes down, %d anomalies", st.BytesUp, st.BytesDown, st.Anomalies)
	}
	if c, ok := s.p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
