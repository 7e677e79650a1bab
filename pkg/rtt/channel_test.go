package rtt

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rttview/rttview/pkg/probe/sim"
)

const (
	testDescAddr = 0x2000
	testBufAddr  = 0x1000
)

// rawTarget maps a lone descriptor at testDescAddr describing a buffer of
// size bytes at testBufAddr.
func rawTarget(t *testing.T, size, wr, rd uint32, contents []byte) *sim.Target {
	t.Helper()
	tgt, err := sim.New("cortex-m")
	if err != nil {
		t.Fatal(err)
	}
	tgt.Map(testDescAddr, DescriptorSize)
	if size > 0 && size <= 4096 {
		tgt.Map(testBufAddr, int(size))
	}
	setDescriptor(t, tgt, Descriptor{BufferPtr: testBufAddr, Size: size, WrOff: wr, RdOff: rd})
	if contents != nil {
		if err := tgt.Load(testBufAddr, contents); err != nil {
			t.Fatal(err)
		}
	}
	return tgt
}

func setDescriptor(t *testing.T, tgt *sim.Target, d Descriptor) {
	t.Helper()
	b := make([]byte, DescriptorSize)
	le := binary.LittleEndian
	le.PutUint32(b[offNamePtr:], d.NamePtr)
	le.PutUint32(b[offBufferPtr:], d.BufferPtr)
	le.PutUint32(b[offSize:], d.Size)
	le.PutUint32(b[offWrOff:], d.WrOff)
	le.PutUint32(b[offRdOff:], d.RdOff)
	le.PutUint32(b[offFlags:], d.Flags)
	if err := tgt.Load(testDescAddr, b); err != nil {
		t.Fatal(err)
	}
}

func getDescriptor(t *testing.T, tgt *sim.Target) Descriptor {
	t.Helper()
	b, err := tgt.Peek(testDescAddr, DescriptorSize)
	if err != nil {
		t.Fatal(err)
	}
	return parseDescriptor(b)
}

func TestUpReadEmpty(t *testing.T) {
	for _, off := range []uint32{0, 7, 15} {
		tgt := rawTarget(t, 16, off, off, nil)
		up := &UpChannel{newChannel("up", 0, testDescAddr, nil)}
		data, err := up.Read(tgt)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != 0 {
			t.Fatalf("offset %d: expected no data; got %x", off, data)
		}
		if w := tgt.Writes(); len(w) != 0 {
			t.Fatalf("offset %d: expected no memory writes; got %v", off, w)
		}
		if r := tgt.Reads(); len(r) != 1 {
			t.Fatalf("offset %d: expected only the descriptor read; got %v", off, r)
		}
	}
}

func TestUpReadContiguous(t *testing.T) {
	contents := []byte("0123456789abcdef")
	tgt := rawTarget(t, 16, 9, 3, contents)
	up := &UpChannel{newChannel("up", 0, testDescAddr, nil)}

	data, err := up.Read(tgt)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(contents[3:9], data); diff != "" {
		t.Fatalf("wrong data (-want +got):\n%s", diff)
	}
	if d := getDescriptor(t, tgt); d.RdOff != 9 || d.WrOff != 9 {
		t.Fatalf("expected rd=9 wr=9; got rd=%d wr=%d", d.RdOff, d.WrOff)
	}
	if diff := cmp.Diff([]sim.Access{{Addr: testDescAddr + offRdOff, Len: 4}}, tgt.Writes()); diff != "" {
		t.Fatalf("host must only write the read offset (-want +got):\n%s", diff)
	}
}

func TestUpReadWrapped(t *testing.T) {
	contents := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x00, 0x01, 0x02, 0x03}
	tgt := rawTarget(t, 16, 4, 12, contents)
	up := &UpChannel{newChannel("up", 0, testDescAddr, nil)}

	steps := []struct {
		data []byte
		rd   uint32
	}{
		{[]byte{0x00, 0x01, 0x02, 0x03}, 0},
		{[]byte{0xAA, 0xBB, 0xCC, 0xDD}, 4},
	}
	for i, step := range steps {
		data, err := up.Read(tgt)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(step.data, data); diff != "" {
			t.Fatalf("read %d: wrong data (-want +got):\n%s", i, diff)
		}
		if d := getDescriptor(t, tgt); d.RdOff != step.rd {
			t.Fatalf("read %d: expected rd=%d; got %d", i, step.rd, d.RdOff)
		}
	}

	tgt.ClearLog()
	data, err := up.Read(tgt)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty buffer after draining; got %x", data)
	}
	if w := tgt.Writes(); len(w) != 0 {
		t.Fatalf("expected no memory writes; got %v", w)
	}
}

func TestUpReadMalformed(t *testing.T) {
	tests := []struct {
		name         string
		size, wr, rd uint32
	}{
		{"zero size", 0, 0, 0},
		{"write offset out of range", 16, 20, 3},
		{"read offset out of range", 16, 3, 16},
		{"both out of range", 16, 17, 18},
		{"absurd size", MaxBufferSize + 1, 5, 0},
	}
	for _, tc := range tests {
		tgt := rawTarget(t, tc.size, tc.wr, tc.rd, nil)
		var got []*MalformedStateError
		up := &UpChannel{newChannel("up", 0, testDescAddr, func(err *MalformedStateError) { got = append(got, err) })}
		data, err := up.Read(tgt)
		if err != nil {
			t.Fatalf("%s: expected no error; got %v", tc.name, err)
		}
		if len(data) != 0 {
			t.Fatalf("%s: expected no data; got %x", tc.name, data)
		}
		if w := tgt.Writes(); len(w) != 0 {
			t.Fatalf("%s: offsets must not be touched; got writes %v", tc.name, w)
		}
		if len(got) != 1 {
			t.Fatalf("%s: expected one anomaly; got %d", tc.name, len(got))
		}
		if d := getDescriptor(t, tgt); d.WrOff != tc.wr || d.RdOff != tc.rd {
			t.Fatalf("%s: descriptor changed: %v", tc.name, d)
		}
	}
}

func TestUpReadProbeFailure(t *testing.T) {
	tgt := rawTarget(t, 16, 8, 2, nil)
	up := &UpChannel{newChannel("up", 0, testDescAddr, nil)}
	tgt.InjectFault(errTestFault)
	_, err := up.Read(tgt)
	assertProbeError(t, err)
	if d := getDescriptor(t, tgt); d.RdOff != 2 {
		t.Fatalf("read offset changed after failure: %d", d.RdOff)
	}
}

func TestDownWritePartial(t *testing.T) {
	tgt := rawTarget(t, 16, 10, 2, nil)
	down := &DownChannel{newChannel("down", 0, testDescAddr, nil)}
	payload := []byte("ABCDEFGHIJKLMNOPQRST")

	n, err := down.Write(tgt, payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("expected 7 bytes written; got %d", n)
	}
	tail, _ := tgt.Peek(testBufAddr+10, 6)
	if diff := cmp.Diff(payload[:6], tail); diff != "" {
		t.Fatalf("wrong tail region (-want +got):\n%s", diff)
	}
	head, _ := tgt.Peek(testBufAddr, 1)
	if head[0] != payload[6] {
		t.Fatalf("expected %q at offset 0; got %q", payload[6], head[0])
	}
	if d := getDescriptor(t, tgt); d.WrOff != 1 || d.RdOff != 2 {
		t.Fatalf("expected wr=1 rd=2; got wr=%d rd=%d", d.WrOff, d.RdOff)
	}
	want := []sim.Access{
		{Addr: testBufAddr + 10, Len: 6},
		{Addr: testBufAddr, Len: 1},
		{Addr: testDescAddr + offWrOff, Len: 4},
	}
	if diff := cmp.Diff(want, tgt.Writes()); diff != "" {
		t.Fatalf("write offset must be published once, last (-want +got):\n%s", diff)
	}
}

func TestDownWriteReservesOneByte(t *testing.T) {
	tests := []struct {
		wr, rd  uint32
		written int
		newWr   uint32
	}{
		{0, 0, 15, 15},
		{5, 5, 15, 4},
		{5, 1, 11, 0},
		{3, 9, 5, 8},
		{8, 9, 0, 8},
		{15, 0, 0, 15},
	}
	for _, tc := range tests {
		tgt := rawTarget(t, 16, tc.wr, tc.rd, nil)
		down := &DownChannel{newChannel("down", 0, testDescAddr, nil)}
		n, err := down.Write(tgt, make([]byte, 32))
		if err != nil {
			t.Fatal(err)
		}
		d := getDescriptor(t, tgt)
		if n != tc.written || d.WrOff != tc.newWr {
			t.Fatalf("wr=%d rd=%d: expected %d written, wr=%d; got %d written, wr=%d", tc.wr, tc.rd, tc.written, tc.newWr, n, d.WrOff)
		}
		if n > 0 && d.WrOff == d.RdOff {
			t.Fatalf("wr=%d rd=%d: full buffer looks empty", tc.wr, tc.rd)
		}
		if n == 0 && len(tgt.Writes()) != 0 {
			t.Fatalf("wr=%d rd=%d: full buffer must not be written; got %v", tc.wr, tc.rd, tgt.Writes())
		}
	}
}

func TestDownWriteMalformed(t *testing.T) {
	tgt := rawTarget(t, 16, 16, 0, nil)
	var anomalies int
	down := &DownChannel{newChannel("down", 0, testDescAddr, func(*MalformedStateError) { anomalies++ })}
	n, err := down.Write(tgt, []byte("hello"))
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil); got (%d, %v)", n, err)
	}
	if anomalies != 1 {
		t.Fatalf("expected one anomaly; got %d", anomalies)
	}
	if w := tgt.Writes(); len(w) != 0 {
		t.Fatalf("expected no writes; got %v", w)
	}
}

func TestDownWriteProbeFailure(t *testing.T) {
	tgt := rawTarget(t, 16, 4, 4, nil)
	down := &DownChannel{newChannel("down", 0, testDescAddr, nil)}
	// sim faults on the first access only, so fail the descriptor read
	tgt.InjectFault(errTestFault)
	n, err := down.Write(tgt, []byte("hello"))
	assertProbeError(t, err)
	if n != 0 {
		t.Fatalf("expected 0 bytes written on failure; got %d", n)
	}
	if d := getDescriptor(t, tgt); d.WrOff != 4 {
		t.Fatalf("write offset changed after failure: %d", d.WrOff)
	}
}

func TestDescriptorCheck(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{"ok", Descriptor{BufferPtr: testBufAddr, Size: 16, WrOff: 3, RdOff: 1}, true},
		{"largest size", Descriptor{BufferPtr: testBufAddr, Size: MaxBufferSize}, true},
		{"size over ceiling", Descriptor{BufferPtr: testBufAddr, Size: 1<<20 + 1}, false},
		{"ends at top of memory", Descriptor{BufferPtr: 0xfffffff0, Size: 16}, true},
		{"wraps past top of memory", Descriptor{BufferPtr: 0xfffffff8, Size: 16, WrOff: 12, RdOff: 4}, false},
	}
	for _, tc := range tests {
		if got := tc.d.check() == ""; got != tc.ok {
			t.Errorf("%s: expected ok=%v for %v; got reason %q", tc.name, tc.ok, tc.d, tc.d.check())
		}
	}
}

func TestWrappedBufferUntouched(t *testing.T) {
	tgt := rawTarget(t, 16, 12, 4, nil)
	setDescriptor(t, tgt, Descriptor{BufferPtr: 0xfffffff8, Size: 16, WrOff: 12, RdOff: 4})
	var got []*MalformedStateError
	anomaly := func(err *MalformedStateError) { got = append(got, err) }

	up := &UpChannel{newChannel("up", 0, testDescAddr, anomaly)}
	tgt.ClearLog()
	data, err := up.Read(tgt)
	if err != nil || len(data) != 0 {
		t.Fatalf("expected no data and no error; got %x, %v", data, err)
	}
	if r := tgt.Reads(); len(r) != 1 || r[0].Addr != testDescAddr {
		t.Fatalf("expected only the descriptor read; got %v", r)
	}

	down := &DownChannel{newChannel("down", 0, testDescAddr, anomaly)}
	tgt.ClearLog()
	n, err := down.Write(tgt, []byte("abc"))
	if err != nil || n != 0 {
		t.Fatalf("expected nothing written; got %d, %v", n, err)
	}
	if w := tgt.Writes(); len(w) != 0 {
		t.Fatalf("expected no writes; got %v", w)
	}
	if len(got) != 2 {
		t.Fatalf("expected two anomalies; got %d", len(got))
	}
}
