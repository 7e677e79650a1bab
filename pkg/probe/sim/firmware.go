package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"time"
)

// Layout of a simulated RTT control block.
type Layout struct {
	// ID is copied into the 16 byte identifier field, defaults to
	// "SEGGER RTT".
	ID string
	// UpSizes and DownSizes give the capacity of each buffer, one entry per
	// buffer descriptor.
	UpSizes   []int
	DownSizes []int
}

const (
	idLen           = 16
	headerLen       = idLen + 4 + 4
	descLen         = 24
	descBufferPtr   = 4
	descSize        = 8
	descWriteOff    = 12
	descReadOff     = 16
	defaultID       = "SEGGER RTT"
	bufferAlignment = 8
)

// Firmware is the target side of an RTT control block living in a
// Target's memory. Its methods mirror what SEGGER_RTT_Write and
// SEGGER_RTT_Read do on a real device: firmware only ever advances the
// write offset of Up buffers and the read offset of Down buffers.
type Firmware struct {
	t    *Target
	addr uint32
	up   []uint32 // descriptor addresses
	down []uint32
}

// ErrNoBuffer is returned for buffer indices the layout does not have.
var ErrNoBuffer = errors.New("no such buffer")

// InstallRTT writes the control block described by l, followed by its
// buffers, at addr and returns the firmware handle. A RAM region is mapped
// for it unless the whole range is already mapped.
func (t *Target) InstallRTT(addr uint32, l Layout) *Firmware {
	if l.ID == "" {
		l.ID = defaultID
	}
	n := len(l.UpSizes) + len(l.DownSizes)
	blockLen := headerLen + descLen*n
	bufBase := alignUp(addr+uint32(blockLen), bufferAlignment)
	total := int(bufBase - addr)
	for _, sz := range l.UpSizes {
		total += int(alignUp(uint32(sz), bufferAlignment))
	}
	for _, sz := range l.DownSizes {
		total += int(alignUp(uint32(sz), bufferAlignment))
	}
	t.mu.Lock()
	_, err := t.slice(addr, total)
	t.mu.Unlock()
	if err != nil {
		t.Map(addr, total)
	}

	hdr := make([]byte, blockLen)
	copy(hdr[:idLen], l.ID)
	binary.LittleEndian.PutUint32(hdr[idLen:], uint32(len(l.UpSizes)))
	binary.LittleEndian.PutUint32(hdr[idLen+4:], uint32(len(l.DownSizes)))

	fw := &Firmware{t: t, addr: addr}
	next := bufBase
	desc := func(i int, size int) uint32 {
		off := headerLen + descLen*i
		binary.LittleEndian.PutUint32(hdr[off+descBufferPtr:], next)
		binary.LittleEndian.PutUint32(hdr[off+descSize:], uint32(size))
		next += alignUp(uint32(size), bufferAlignment)
		return addr + uint32(off)
	}
	for i, sz := range l.UpSizes {
		fw.up = append(fw.up, desc(i, sz))
	}
	for i, sz := range l.DownSizes {
		fw.down = append(fw.down, desc(len(l.UpSizes)+i, sz))
	}
	t.Load(addr, hdr)
	return fw
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// Addr returns the address of the control block.
func (fw *Firmware) Addr() uint32 { return fw.addr }

// UpDescriptor returns the address of Up descriptor i.
func (fw *Firmware) UpDescriptor(i int) uint32 { return fw.up[i] }

// DownDescriptor returns the address of Down descriptor i.
func (fw *Firmware) DownDescriptor(i int) uint32 { return fw.down[i] }

type ring struct {
	buf, size, wr, rd uint32
}

func (r ring) valid() bool {
	return r.size > 0 && r.wr < r.size && r.rd < r.size
}

func (fw *Firmware) load(desc uint32) ring {
	b, _ := fw.t.slice(desc, descLen)
	return ring{
		buf:  binary.LittleEndian.Uint32(b[descBufferPtr:]),
		size: binary.LittleEndian.Uint32(b[descSize:]),
		wr:   binary.LittleEndian.Uint32(b[descWriteOff:]),
		rd:   binary.LittleEndian.Uint32(b[descReadOff:]),
	}
}

func (fw *Firmware) store(desc uint32, field int, v uint32) {
	b, _ := fw.t.slice(desc, descLen)
	binary.LittleEndian.PutUint32(b[field:], v)
}

func (fw *Firmware) pick(list []uint32, i int) (uint32, error) {
	if i < 0 || i >= len(list) {
		return 0, ErrNoBuffer
	}
	return list[i], nil
}

// Produce writes as much of data as fits into Up buffer i and returns the
// number of bytes stored. One byte of capacity is always left unused so
// that a full buffer never looks empty.
func (fw *Firmware) Produce(i int, data []byte) (int, error) {
	fw.t.mu.Lock()
	defer fw.t.mu.Unlock()
	desc, err := fw.pick(fw.up, i)
	if err != nil {
		return 0, err
	}
	r := fw.load(desc)
	if !r.valid() {
		return 0, nil
	}
	n := 0
	for n < len(data) {
		next := r.wr + 1
		if next == r.size {
			next = 0
		}
		if next == r.rd {
			break
		}
		mem, _ := fw.t.slice(r.buf+r.wr, 1)
		mem[0] = data[n]
		r.wr = next
		n++
	}
	fw.store(desc, descWriteOff, r.wr)
	return n, nil
}

// Consume reads up to max bytes from Down buffer i, max <= 0 meaning
// everything available.
func (fw *Firmware) Consume(i int, max int) ([]byte, error) {
	fw.t.mu.Lock()
	defer fw.t.mu.Unlock()
	desc, err := fw.pick(fw.down, i)
	if err != nil {
		return nil, err
	}
	r := fw.load(desc)
	if !r.valid() {
		return nil, nil
	}
	var out []byte
	for r.rd != r.wr && (max <= 0 || len(out) < max) {
		mem, _ := fw.t.slice(r.buf+r.rd, 1)
		out = append(out, mem[0])
		r.rd++
		if r.rd == r.size {
			r.rd = 0
		}
	}
	fw.store(desc, descReadOff, r.rd)
	return out, nil
}

// SetUpOffsets forces the offsets of Up buffer i.
func (fw *Firmware) SetUpOffsets(i int, wr, rd uint32) error {
	return fw.setOffsets(fw.up, i, wr, rd)
}

// SetDownOffsets forces the offsets of Down buffer i.
func (fw *Firmware) SetDownOffsets(i int, wr, rd uint32) error {
	return fw.setOffsets(fw.down, i, wr, rd)
}

func (fw *Firmware) setOffsets(list []uint32, i int, wr, rd uint32) error {
	fw.t.mu.Lock()
	defer fw.t.mu.Unlock()
	desc, err := fw.pick(list, i)
	if err != nil {
		return err
	}
	fw.store(desc, descWriteOff, wr)
	fw.store(desc, descReadOff, rd)
	return nil
}

// UpOffsets returns the write and read offsets of Up buffer i.
func (fw *Firmware) UpOffsets(i int) (wr, rd uint32, err error) {
	return fw.offsets(fw.up, i)
}

// DownOffsets returns the write and read offsets of Down buffer i.
func (fw *Firmware) DownOffsets(i int) (wr, rd uint32, err error) {
	return fw.offsets(fw.down, i)
}

func (fw *Firmware) offsets(list []uint32, i int) (wr, rd uint32, err error) {
	fw.t.mu.Lock()
	defer fw.t.mu.Unlock()
	desc, err := fw.pick(list, i)
	if err != nil {
		return 0, 0, err
	}
	r := fw.load(desc)
	return r.wr, r.rd, nil
}

// UpBuffer returns the buffer address of Up buffer i.
func (fw *Firmware) UpBuffer(i int) uint32 {
	fw.t.mu.Lock()
	defer fw.t.mu.Unlock()
	return fw.load(fw.up[i]).buf
}

// DownBuffer returns the buffer address of Down buffer i.
func (fw *Firmware) DownBuffer(i int) uint32 {
	fw.t.mu.Lock()
	defer fw.t.mu.Unlock()
	return fw.load(fw.down[i]).buf
}

// Echo copies everything the host sends on Down buffer 0 back to Up
// buffer 0 every interval until ctx is done. Bytes that do not fit in the
// Up buffer are held and retried on the next tick.
func (fw *Firmware) Echo(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	var held []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if len(held) == 0 {
			in, err := fw.Consume(0, 0)
			if err != nil {
				return
			}
			held = in
		}
		if len(held) > 0 {
			n, err := fw.Produce(0, held)
			if err != nil {
				return
			}
			held = held[n:]
		}
	}
}
