package rtt

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/rttview/rttview/pkg/logflags"
	"github.com/rttview/rttview/pkg/probe"
)

const (
	// DefaultBlockSize is the chunk size used when a SearchWindow leaves
	// BlockSize unset.
	DefaultBlockSize = 1024
	// DefaultMaxBlocks is the chunk count used when a SearchWindow leaves
	// MaxBlocks unset.
	DefaultMaxBlocks = 256

	hintCacheSize = 16
)

// SearchWindow is the region of target memory scanned for the control
// block: MaxBlocks chunks of BlockSize bytes starting at Start.
type SearchWindow struct {
	Start     uint32
	BlockSize uint32
	MaxBlocks int
}

func (w SearchWindow) normalize() SearchWindow {
	if w.BlockSize == 0 {
		w.BlockSize = DefaultBlockSize
	}
	if w.MaxBlocks <= 0 {
		w.MaxBlocks = DefaultMaxBlocks
	}
	return w
}

// Length returns the number of bytes covered by the window.
func (w SearchWindow) Length() uint64 {
	w = w.normalize()
	return uint64(w.BlockSize) * uint64(w.MaxBlocks)
}

// Locator scans target memory for the control block.
//
// A Locator remembers where it found a control block for each window. A
// later Locate over the same window re-checks the remembered address with
// a single small read and only scans again when the signature has moved.
// A Locator is not safe for concurrent use.
type Locator struct {
	// Strict makes the scan skip matches whose buffer counts are outside
	// 1..MaxPlausibleBuffers instead of trusting the first signature hit.
	Strict bool

	hints *lru.Cache
	log   logflags.Logger
}

// NewLocator returns a Locator with an address hint cache.
func NewLocator(strict bool) *Locator {
	hints, _ := lru.New(hintCacheSize)
	return &Locator{Strict: strict, hints: hints, log: logflags.LocatorLogger()}
}

// Locate scans w with a Locator that has no hint cache and trusts the
// first signature match.
func Locate(p probe.Memory, w SearchWindow) (*ControlBlock, error) {
	l := &Locator{log: logflags.LocatorLogger()}
	return l.Locate(p, w)
}

// Locate finds the control block inside w.
//
// Every chunk read is extended by len(Signature)-1 bytes so that a
// signature straddling two chunks is still seen whole. The returned error
// is a *NotFoundError when the window does not contain the signature and a
// *ProbeError when the probe fails; neither is retried.
func (l *Locator) Locate(p probe.Memory, w SearchWindow) (*ControlBlock, error) {
	w = w.normalize()
	if l.log == nil {
		l.log = logflags.LocatorLogger()
	}

	if l.hints != nil {
		if v, ok := l.hints.Get(w); ok {
			cb, err := l.probeAt(p, v.(uint32))
			if err != nil {
				return nil, err
			}
			if cb != nil {
				if logflags.Locator() {
					l.log.Debugf("control block still at %#08x", cb.Addr)
				}
				return cb, nil
			}
			l.hints.Remove(w)
		}
	}

	overlap := uint32(len(Signature) - 1)
	end := uint64(w.Start) + w.Length()
	for i := 0; i < w.MaxBlocks; i++ {
		base := uint64(w.Start) + uint64(i)*uint64(w.BlockSize)
		if base > 0xffffffff {
			break
		}
		n := uint64(w.BlockSize + overlap)
		if base+n > 1<<32 {
			n = 1<<32 - base
		}
		buf, err := p.ReadMemory(uint32(base), int(n))
		if err != nil {
			return nil, &ProbeError{Op: "read", Addr: uint32(base), Count: int(n), Err: err}
		}

		for from := 0; from < len(buf); {
			idx := bytes.Index(buf[from:], Signature)
			if idx < 0 {
				break
			}
			addr := uint32(base) + uint32(from+idx)
			hdr, err := p.ReadMemory(addr, HeaderSize)
			if err != nil {
				return nil, &ProbeError{Op: "read", Addr: addr, Count: HeaderSize, Err: err}
			}
			if len(hdr) < HeaderSize {
				return nil, &ProbeError{Op: "read", Addr: addr, Count: HeaderSize, Err: fmt.Errorf("short read, got %d bytes", len(hdr))}
			}
			cb := parseHeader(addr, hdr)
			if !l.Strict || cb.plausible() {
				if logflags.Locator() {
					l.log.Debugf("control block at %#08x up=%d down=%d (chunk %d)", addr, cb.MaxUpBuffers, cb.MaxDownBuffers, i)
				}
				if l.hints != nil {
					l.hints.Add(w, addr)
				}
				return cb, nil
			}
			if logflags.Locator() {
				l.log.Debugf("implausible match at %#08x up=%d down=%d, skipping", addr, cb.MaxUpBuffers, cb.MaxDownBuffers)
			}
			from += idx + 1
		}
	}

	return nil, &NotFoundError{Start: w.Start, Length: end - uint64(w.Start)}
}

// probeAt returns the control block at addr, or nil if the signature is
// no longer there.
func (l *Locator) probeAt(p probe.Memory, addr uint32) (*ControlBlock, error) {
	hdr, err := p.ReadMemory(addr, HeaderSize)
	if err != nil {
		return nil, &ProbeError{Op: "read", Addr: addr, Count: HeaderSize, Err: err}
	}
	if len(hdr) < HeaderSize || !bytes.HasPrefix(hdr, Signature) {
		return nil, nil
	}
	cb := parseHeader(addr, hdr)
	if l.Strict && !cb.plausible() {
		return nil, nil
	}
	return cb, nil
}
