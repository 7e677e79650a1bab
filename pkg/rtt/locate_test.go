package rtt

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/rttview/rttview/pkg/probe/sim"
)

var errTestFault = errors.New("swd wait timeout")

func assertProbeError(t *testing.T, err error) {
	t.Helper()
	var perr *ProbeError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProbeError; got %T %v", err, err)
	}
	if !errors.Is(err, errTestFault) {
		t.Fatalf("transport error not preserved: %v", err)
	}
}

const testRAM = 0x20000000

// ramWithHeader returns a target with 8 KiB (plus slack for the overlap
// window and header) of RAM at testRAM and a control block header written
// at testRAM+off.
func ramWithHeader(t *testing.T, off uint32, id string, up, down uint32) *sim.Target {
	t.Helper()
	tgt, err := sim.New("cortex-m")
	if err != nil {
		t.Fatal(err)
	}
	tgt.Map(testRAM, 8*1024+64)
	if id != "" {
		writeHeader(t, tgt, testRAM+off, id, up, down)
	}
	return tgt
}

func writeHeader(t *testing.T, tgt *sim.Target, addr uint32, id string, up, down uint32) {
	t.Helper()
	hdr := make([]byte, HeaderSize)
	copy(hdr, id)
	binary.LittleEndian.PutUint32(hdr[IDSize:], up)
	binary.LittleEndian.PutUint32(hdr[IDSize+4:], down)
	if err := tgt.Load(addr, hdr); err != nil {
		t.Fatal(err)
	}
}

var testWindow = SearchWindow{Start: testRAM, BlockSize: 1024, MaxBlocks: 8}

func TestLocateOffsets(t *testing.T) {
	// 1020 and 2047 make the signature straddle a chunk boundary.
	for _, off := range []uint32{0, 1, 100, 1015, 1020, 1023, 1024, 2047, 8*1024 - 10} {
		tgt := ramWithHeader(t, off, "SEGGER RTT\x00\x00\x00\x00\x00\x00", 3, 2)
		cb, err := Locate(tgt, testWindow)
		if err != nil {
			t.Fatalf("offset %d: %v", off, err)
		}
		if cb.Addr != testRAM+off {
			t.Fatalf("offset %d: expected control block at %#x; got %#x", off, testRAM+off, cb.Addr)
		}
		if cb.MaxUpBuffers != 3 || cb.MaxDownBuffers != 2 {
			t.Fatalf("offset %d: expected 3 up 2 down; got %d up %d down", off, cb.MaxUpBuffers, cb.MaxDownBuffers)
		}
		if got, want := cb.UpDescriptorAddr(0), cb.Addr+24; got != want {
			t.Fatalf("up descriptor: expected %#x; got %#x", want, got)
		}
		if got, want := cb.DownDescriptorAddr(0), cb.Addr+24+3*24; got != want {
			t.Fatalf("down descriptor: expected %#x; got %#x", want, got)
		}
	}
}

func TestLocateReadsOverlap(t *testing.T) {
	tgt := ramWithHeader(t, 0, "", 0, 0)
	Locate(tgt, testWindow)
	reads := tgt.Reads()
	if len(reads) != testWindow.MaxBlocks {
		t.Fatalf("expected %d chunk reads; got %d", testWindow.MaxBlocks, len(reads))
	}
	for i, r := range reads {
		if r.Addr != testRAM+uint32(i)*1024 || r.Len != 1024+len(Signature)-1 {
			t.Fatalf("chunk %d: unexpected read %+v", i, r)
		}
	}
}

func TestLocateIDPadding(t *testing.T) {
	tgt := ramWithHeader(t, 512, "SEGGER RTTxxxxxx", 1, 1)
	cb, err := Locate(tgt, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if string(cb.ID[:10]) != "SEGGER RTT" || string(cb.ID[10:]) != "xxxxxx" {
		t.Fatalf("unexpected id %q", cb.ID)
	}
}

func TestLocateNotFound(t *testing.T) {
	tgt := ramWithHeader(t, 0, "", 0, 0)
	writeHeader(t, tgt, testRAM+300, "SEGGER RT", 1, 1)
	_, err := Locate(tgt, testWindow)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound; got %v", err)
	}
	var nferr *NotFoundError
	if !errors.As(err, &nferr) || nferr.Start != testRAM || nferr.Length != 8*1024 {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestLocateProbeError(t *testing.T) {
	tgt := ramWithHeader(t, 0, "", 0, 0)
	tgt.InjectFault(errTestFault)
	_, err := Locate(tgt, testWindow)
	assertProbeError(t, err)
}

// shortHeader truncates every read starting at addr.
type shortHeader struct {
	*sim.Target
	addr uint32
}

func (m shortHeader) ReadMemory(addr uint32, count int) ([]byte, error) {
	b, err := m.Target.ReadMemory(addr, count)
	if err == nil && addr == m.addr && len(b) > 10 {
		b = b[:10]
	}
	return b, err
}

func TestLocateShortHeaderRead(t *testing.T) {
	tgt := ramWithHeader(t, 100, "SEGGER RTT", 1, 1)
	writeHeader(t, tgt, testRAM+3000, "SEGGER RTT", 1, 1)
	_, err := Locate(shortHeader{tgt, testRAM + 100}, testWindow)
	var perr *ProbeError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProbeError; got %T %v", err, err)
	}
	if perr.Addr != testRAM+100 || perr.Count != HeaderSize {
		t.Fatalf("unexpected error %v", perr)
	}
}

func TestLocateStrict(t *testing.T) {
	tgt := ramWithHeader(t, 100, "SEGGER RTT", 0x41414141, 0x42424242)
	writeHeader(t, tgt, testRAM+3000, "SEGGER RTT", 3, 3)

	cb, err := Locate(tgt, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Addr != testRAM+100 {
		t.Fatalf("non strict scan should trust the first match; got %#x", cb.Addr)
	}

	cb, err = NewLocator(true).Locate(tgt, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Addr != testRAM+3000 {
		t.Fatalf("strict scan should skip the implausible match; got %#x", cb.Addr)
	}
}

func TestLocateStrictSameChunk(t *testing.T) {
	tgt := ramWithHeader(t, 10, "SEGGER RTT", 0, 0)
	writeHeader(t, tgt, testRAM+60, "SEGGER RTT", 2, 2)
	cb, err := NewLocator(true).Locate(tgt, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Addr != testRAM+60 {
		t.Fatalf("expected second match in the same chunk; got %#x", cb.Addr)
	}
}

func TestLocatorHint(t *testing.T) {
	tgt := ramWithHeader(t, 4000, "SEGGER RTT", 1, 1)
	l := NewLocator(false)

	cb, err := l.Locate(tgt, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Addr != testRAM+4000 {
		t.Fatalf("unexpected address %#x", cb.Addr)
	}

	tgt.ClearLog()
	cb, err = l.Locate(tgt, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Addr != testRAM+4000 {
		t.Fatalf("unexpected address %#x", cb.Addr)
	}
	if r := tgt.Reads(); len(r) != 1 || r[0].Addr != testRAM+4000 || r[0].Len != HeaderSize {
		t.Fatalf("expected a single header read at the remembered address; got %v", r)
	}

	// firmware rebuilt with the control block somewhere else
	writeHeader(t, tgt, testRAM+4000, "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", 0, 0)
	writeHeader(t, tgt, testRAM+200, "SEGGER RTT", 1, 1)
	cb, err = l.Locate(tgt, testWindow)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Addr != testRAM+200 {
		t.Fatalf("expected rescan to find the moved block; got %#x", cb.Addr)
	}
}

func TestSearchWindowDefaults(t *testing.T) {
	w := SearchWindow{Start: testRAM}
	if w.Length() != DefaultBlockSize*DefaultMaxBlocks {
		t.Fatalf("unexpected default length %d", w.Length())
	}
}
