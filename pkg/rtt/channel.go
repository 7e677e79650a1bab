package rtt

import (
	"fmt"

	"github.com/rttview/rttview/pkg/logflags"
	"github.com/rttview/rttview/pkg/probe"
)

// channel is one ring buffer descriptor in target memory.
//
// Ownership of the offsets is split between host and target: in an Up
// channel the target owns WrOff and the host owns RdOff, in a Down channel
// it is the other way around. Each side only ever writes the field it owns,
// which is what makes the ring safe without a lock spanning both sides.
type channel struct {
	name  string
	index int
	addr  uint32

	last    Descriptor
	anomaly func(*MalformedStateError)
	log     logflags.Logger
}

func newChannel(name string, index int, addr uint32, anomaly func(*MalformedStateError)) channel {
	return channel{name: name, index: index, addr: addr, anomaly: anomaly, log: logflags.RTTLogger()}
}

// Addr returns the descriptor address.
func (c *channel) Addr() uint32 { return c.addr }

// Index returns the descriptor index inside its direction's array.
func (c *channel) Index() int { return c.index }

// Last returns the descriptor as read by the most recent operation.
func (c *channel) Last() Descriptor { return c.last }

// Fetch reads the descriptor from target memory and remembers it as Last.
func (c *channel) Fetch(p probe.Memory) (Descriptor, error) {
	d, err := readDescriptor(p, c.addr)
	if err != nil {
		return d, err
	}
	c.last = d
	return d, nil
}

// readDescriptor reads the descriptor at addr without touching any
// channel state.
func readDescriptor(p probe.Memory, addr uint32) (Descriptor, error) {
	b, err := p.ReadMemory(addr, DescriptorSize)
	if err != nil {
		return Descriptor{}, &ProbeError{Op: "read", Addr: addr, Count: DescriptorSize, Err: err}
	}
	if len(b) < DescriptorSize {
		return Descriptor{}, &ProbeError{Op: "read", Addr: addr, Count: DescriptorSize, Err: fmt.Errorf("short read, got %d bytes", len(b))}
	}
	return parseDescriptor(b), nil
}

// sane fetches the descriptor and reports whether it can be operated on.
func (c *channel) sane(p probe.Memory) (Descriptor, bool, error) {
	d, err := c.Fetch(p)
	if err != nil {
		return d, false, err
	}
	if reason := d.check(); reason != "" {
		err := &MalformedStateError{Channel: c.name, Desc: d, Reason: reason}
		c.log.Warnf("%v", err)
		if c.anomaly != nil {
			c.anomaly(err)
		}
		return d, false, nil
	}
	return d, true, nil
}

// UpChannel is a target to host channel.
type UpChannel struct {
	channel
}

// Read returns the bytes available in one contiguous run starting at the
// read offset and publishes the new read offset.
//
// When the data wraps around the end of the buffer only the tail segment
// is returned; call Read again until it returns no data to drain the
// buffer completely. A descriptor that fails the sanity checks yields no
// data and no memory write.
func (c *UpChannel) Read(p probe.Memory) ([]byte, error) {
	d, ok, err := c.sane(p)
	if err != nil || !ok {
		return nil, err
	}
	if d.RdOff == d.WrOff {
		return nil, nil
	}

	var n uint32
	if d.RdOff < d.WrOff {
		n = d.WrOff - d.RdOff
	} else {
		n = d.Size - d.RdOff
	}

	addr := d.BufferPtr + d.RdOff
	data, err := p.ReadMemory(addr, int(n))
	if err != nil {
		return nil, &ProbeError{Op: "read", Addr: addr, Count: int(n), Err: err}
	}
	if uint32(len(data)) > n {
		data = data[:n]
	}
	if len(data) == 0 {
		return nil, nil
	}

	rd := d.RdOff + uint32(len(data))
	if rd == d.Size {
		rd = 0
	}
	if err := p.WriteU32(c.addr+offRdOff, rd); err != nil {
		return nil, &ProbeError{Op: "write", Addr: c.addr + offRdOff, Count: 4, Err: err}
	}
	c.last.RdOff = rd
	if logflags.RTT() {
		c.log.Debugf("up[%d] read %d bytes at offset %d, rd=%d wr=%d", c.index, len(data), d.RdOff, rd, d.WrOff)
	}
	return data, nil
}

// DownChannel is a host to target channel.
type DownChannel struct {
	channel
}

// Write copies as much of data as currently fits into the ring and returns
// the number of bytes accepted, which may be less than len(data). The
// write offset is published once, after every byte has been copied.
//
// One byte of capacity is never used: the writer stops one short of the
// read offset so that a full buffer is distinguishable from an empty one.
func (c *DownChannel) Write(p probe.Memory, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	d, ok, err := c.sane(p)
	if err != nil || !ok {
		return 0, err
	}

	wr, rd, size := d.WrOff, d.RdOff, d.Size
	rest := data
	written := 0

	copyOut := func(run uint32) error {
		n := run
		if uint32(len(rest)) < n {
			n = uint32(len(rest))
		}
		if n == 0 {
			return nil
		}
		addr := d.BufferPtr + wr
		if err := p.WriteMemory(addr, rest[:n]); err != nil {
			return &ProbeError{Op: "write", Addr: addr, Count: int(n), Err: err}
		}
		wr += n
		if wr == size {
			wr = 0
		}
		rest = rest[n:]
		written += int(n)
		return nil
	}

	if wr >= rd {
		run := size - wr
		if rd == 0 {
			run = size - 1 - wr
		}
		if err := copyOut(run); err != nil {
			return 0, err
		}
	}
	if len(rest) > 0 && rd != 0 && rd != 1 && wr < rd {
		if err := copyOut(rd - 1 - wr); err != nil {
			return 0, err
		}
	}

	if written == 0 {
		return 0, nil
	}
	if err := p.WriteU32(c.addr+offWrOff, wr); err != nil {
		return 0, &ProbeError{Op: "write", Addr: c.addr + offWrOff, Count: 4, Err: err}
	}
	c.last.WrOff = wr
	if logflags.RTT() {
		c.log.Debugf("down[%d] wrote %d of %d bytes, wr=%d rd=%d", c.index, written, len(data), wr, rd)
	}
	return written, nil
}
