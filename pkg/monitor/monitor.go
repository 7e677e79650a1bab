// Package monitor runs the polling loop around an RTT session: it drains
// the Up channel into a writer and feeds queued bytes into the Down
// channel, at a fixed interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rttview/rttview/pkg/logflags"
)

const (
	// DefaultInterval is the poll period used when Config.Interval is zero.
	DefaultInterval = 10 * time.Millisecond
	// DefaultMaxReads bounds the PollUp calls made in one tick.
	DefaultMaxReads = 16
)

// Session is the part of rtt.Session used by the loop.
type Session interface {
	PollUp() ([]byte, error)
	SendDown(data []byte) (int, error)
}

// Config controls a Monitor.
type Config struct {
	Interval time.Duration
	// MaxReads bounds the reads done per tick so that a producer faster
	// than the probe cannot starve the Down direction.
	MaxReads int
}

// Monitor is a running poll loop. Nobody else may call PollUp or SendDown
// on the session while the Monitor runs.
type Monitor struct {
	s   Session
	out io.Writer
	cfg Config

	mu      sync.Mutex
	pending []byte
	err     error

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	log logflags.Logger
}

// Start launches the loop. It stops when ctx is cancelled, when Stop is
// called or on the first error returned by the session or by out.
func Start(ctx context.Context, s Session, out io.Writer, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxReads <= 0 {
		cfg.MaxReads = DefaultMaxReads
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		s:      s,
		out:    out,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logflags.MonitorLogger(),
	}
	go m.run(ctx)
	return m
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.cancel()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	if logflags.Monitor() {
		m.log.Debugf("monitor started, interval %v", m.cfg.Interval)
	}
	for {
		select {
		case <-ctx.Done():
			if logflags.Monitor() {
				m.log.Debugf("monitor stopped")
			}
			return
		case <-ticker.C:
		case <-m.wake:
		}
		if err := m.tick(); err != nil {
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			m.log.Errorf("monitor stopped: %v", err)
			return
		}
	}
}

// tick drains Up, then flushes pending Down bytes.
func (m *Monitor) tick() error {
	for i := 0; i < m.cfg.MaxReads; i++ {
		data, err := m.s.PollUp()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		if _, err := m.out.Write(data); err != nil {
			return fmt.Errorf("output: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	n, err := m.s.SendDown(m.pending)
	if n > 0 {
		m.pending = m.pending[n:]
		if logflags.Monitor() {
			m.log.Debugf("sent %d bytes, %d pending", n, len(m.pending))
		}
	}
	if len(m.pending) == 0 {
		m.pending = nil
	}
	return err
}

// ErrStopped is returned by Send after the loop ended.
var ErrStopped = errors.New("monitor stopped")

// Send queues data for the Down channel. Queued bytes are written in
// order over as many ticks as the target needs to consume them.
func (m *Monitor) Send(data []byte) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	m.mu.Lock()
	m.pending = append(m.pending, data...)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued bytes not yet accepted by the
// target.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Done is closed when the loop ends.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that ended the loop, nil while it runs or when it
// was stopped by its context.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Stop ends the loop, waits for it and returns Err.
func (m *Monitor) Stop() error {
	m.cancel()
	<-m.done
	return m.Err()
}
