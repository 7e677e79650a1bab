package rtt

import (
	"encoding/binary"
	"fmt"

	"github.com/rttview/rttview/pkg/probe"
)

// Signature is the identifier firmware writes at the start of the control
// block. It is matched as a prefix of the 16 byte ID field.
var Signature = []byte("SEGGER RTT")

const (
	// IDSize is the size of the identifier field of the control block.
	IDSize = 16
	// HeaderSize is the size of the control block before the first
	// descriptor: identifier plus the two buffer counts.
	HeaderSize = IDSize + 4 + 4
	// DescriptorSize is the size of one ring buffer descriptor.
	DescriptorSize = 24

	// MaxBufferSize is the sanity ceiling on a descriptor's capacity.
	// Anything larger is taken to be a torn read or garbage; real buffers
	// are a few KiB.
	MaxBufferSize = 1 << 20

	// MaxPlausibleBuffers bounds the buffer counts accepted by a strict
	// Locator.
	MaxPlausibleBuffers = 16

	// maxListedBuffers bounds the descriptor array read by ReadDescriptors.
	maxListedBuffers = 256
)

// Byte offsets of the fields inside a descriptor.
const (
	offNamePtr   = 0
	offBufferPtr = 4
	offSize      = 8
	offWrOff     = 12
	offRdOff     = 16
	offFlags     = 20
)

// Descriptor is a ring buffer descriptor as laid out in target memory.
type Descriptor struct {
	NamePtr   uint32 // target pointer to the buffer name, never dereferenced
	BufferPtr uint32 // target address of the first byte of the buffer
	Size      uint32 // capacity in bytes
	WrOff     uint32 // next byte to be written
	RdOff     uint32 // next byte to be read
	Flags     uint32
}

func parseDescriptor(b []byte) Descriptor {
	le := binary.LittleEndian
	return Descriptor{
		NamePtr:   le.Uint32(b[offNamePtr:]),
		BufferPtr: le.Uint32(b[offBufferPtr:]),
		Size:      le.Uint32(b[offSize:]),
		WrOff:     le.Uint32(b[offWrOff:]),
		RdOff:     le.Uint32(b[offRdOff:]),
		Flags:     le.Uint32(b[offFlags:]),
	}
}

// check returns a non-empty reason when d cannot be operated on safely.
func (d Descriptor) check() string {
	switch {
	case d.Size == 0:
		return "buffer size is zero"
	case d.Size > MaxBufferSize:
		return fmt.Sprintf("buffer size %d exceeds sanity ceiling", d.Size)
	case uint64(d.BufferPtr)+uint64(d.Size) > 1<<32:
		return fmt.Sprintf("buffer at %#08x wraps the address space", d.BufferPtr)
	case d.WrOff >= d.Size && d.RdOff >= d.Size:
		return "both offsets out of range"
	case d.WrOff >= d.Size:
		return "write offset out of range"
	case d.RdOff >= d.Size:
		return "read offset out of range"
	}
	return ""
}

// Used returns the number of bytes waiting to be consumed.
func (d Descriptor) Used() uint32 {
	if d.WrOff >= d.RdOff {
		return d.WrOff - d.RdOff
	}
	return d.Size - d.RdOff + d.WrOff
}

func (d Descriptor) String() string {
	return fmt.Sprintf("buffer=%#08x size=%d wr=%d rd=%d flags=%#x", d.BufferPtr, d.Size, d.WrOff, d.RdOff, d.Flags)
}

// ControlBlock describes a control block found in target memory.
type ControlBlock struct {
	Addr           uint32
	ID             [IDSize]byte
	MaxUpBuffers   uint32
	MaxDownBuffers uint32
}

func parseHeader(addr uint32, b []byte) *ControlBlock {
	cb := &ControlBlock{Addr: addr}
	copy(cb.ID[:], b[:IDSize])
	cb.MaxUpBuffers = binary.LittleEndian.Uint32(b[IDSize:])
	cb.MaxDownBuffers = binary.LittleEndian.Uint32(b[IDSize+4:])
	return cb
}

// plausible reports whether the buffer counts look like something firmware
// would configure.
func (cb *ControlBlock) plausible() bool {
	return cb.MaxUpBuffers >= 1 && cb.MaxUpBuffers <= MaxPlausibleBuffers &&
		cb.MaxDownBuffers >= 1 && cb.MaxDownBuffers <= MaxPlausibleBuffers
}

// UpDescriptorAddr returns the address of Up descriptor i.
func (cb *ControlBlock) UpDescriptorAddr(i int) uint32 {
	return cb.Addr + HeaderSize + DescriptorSize*uint32(i)
}

// DownDescriptorAddr returns the address of Down descriptor i, which
// follows all MaxUpBuffers Up descriptors.
func (cb *ControlBlock) DownDescriptorAddr(i int) uint32 {
	return cb.UpDescriptorAddr(int(cb.MaxUpBuffers)) + DescriptorSize*uint32(i)
}

// ReadDescriptors reads every Up and Down descriptor of cb in one memory
// access.
func ReadDescriptors(p probe.Memory, cb *ControlBlock) (up, down []Descriptor, err error) {
	if cb.MaxUpBuffers > maxListedBuffers || cb.MaxDownBuffers > maxListedBuffers {
		return nil, nil, &MalformedStateError{Channel: "control block", Reason: fmt.Sprintf("%d up and %d down buffers advertised", cb.MaxUpBuffers, cb.MaxDownBuffers)}
	}
	n := int(cb.MaxUpBuffers + cb.MaxDownBuffers)
	if n == 0 {
		return nil, nil, nil
	}
	addr := cb.UpDescriptorAddr(0)
	count := n * DescriptorSize
	b, err := p.ReadMemory(addr, count)
	if err != nil {
		return nil, nil, &ProbeError{Op: "read", Addr: addr, Count: count, Err: err}
	}
	if len(b) < count {
		return nil, nil, &ProbeError{Op: "read", Addr: addr, Count: count, Err: fmt.Errorf("short read, got %d bytes", len(b))}
	}
	for i := 0; i < n; i++ {
		d := parseDescriptor(b[i*DescriptorSize:])
		if i < int(cb.MaxUpBuffers) {
			up = append(up, d)
		} else {
			down = append(down, d)
		}
	}
	return up, down, nil
}
