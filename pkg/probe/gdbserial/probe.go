// Package gdbserial implements probe.Probe on top of the GDB Remote
// Serial Protocol, as served by OpenOCD (port 3333), pyOCD (3333) and the
// SEGGER J-Link GDB Server (2331).
//
// Memory is read and written with 'm' and 'M' packets split to fit the
// stub's PacketSize. The target is assumed to be in all-stop mode: Resume
// sends a continue without waiting, and the asynchronous stop reply is
// consumed by the next command that sees it.
package gdbserial

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rttview/rttview/pkg/probe"
)

// DialTimeout bounds the TCP connect done by Dial.
var DialTimeout = 5 * time.Second

// Probe is a connection to a GDB stub. It is not safe for concurrent use,
// wrap it with probe.Locked when sharing it.
type Probe struct {
	conn *gdbConn
	rs   *probe.RegisterSet
}

var _ probe.Probe = (*Probe)(nil)

// Dial connects to the stub listening at addr. Register names are resolved
// through the stub's target description when it has one and through the
// register table of arch otherwise.
func Dial(addr, arch string) (*Probe, error) {
	c, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, err
	}
	p, err := New(c, arch)
	if err != nil {
		c.Close()
		return nil, err
	}
	return p, nil
}

// New performs the protocol handshake over an established connection.
func New(c net.Conn, arch string) (*Probe, error) {
	rs, err := probe.RegisterSetFor(arch)
	if err != nil {
		return nil, err
	}
	conn := newConn(c)
	if err := conn.handshake(); err != nil {
		return nil, fmt.Errorf("gdb handshake: %w", err)
	}
	return &Probe{conn: conn, rs: rs}, nil
}

func (p *Probe) check() error {
	if p.conn.conn == nil {
		return probe.ErrClosed
	}
	return nil
}

// PacketSize returns the packet size negotiated with the stub.
func (p *Probe) PacketSize() int { return p.conn.packetSize }

func (p *Probe) ReadMemory(addr uint32, count int) ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	data := make([]byte, count)
	if err := p.conn.readMemory(data, addr); err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Probe) WriteMemory(addr uint32, data []byte) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.conn.writeMemory(addr, data)
}

func (p *Probe) WriteU32(addr uint32, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return p.WriteMemory(addr, b[:])
}

func (p *Probe) Halt() error {
	if err := p.check(); err != nil {
		return err
	}
	if err := p.conn.pollStop(); err != nil {
		return err
	}
	return p.conn.interrupt()
}

func (p *Probe) Resume() error {
	if err := p.check(); err != nil {
		return err
	}
	if err := p.conn.pollStop(); err != nil {
		return err
	}
	if p.conn.running {
		return nil
	}
	return p.conn.resume()
}

func (p *Probe) Halted() (bool, error) {
	if err := p.check(); err != nil {
		return false, err
	}
	if err := p.conn.pollStop(); err != nil {
		return false, err
	}
	return !p.conn.running, nil
}

// Reset resets the target through the stub's monitor command. The stub is
// always told to reset into halt, a running reset is a halt followed by a
// continue so the stub and the target agree about the run state.
func (p *Probe) Reset(halt bool) error {
	if err := p.Halt(); err != nil {
		return err
	}
	if _, err := p.conn.monitor("reset halt"); err != nil {
		return err
	}
	if halt {
		return nil
	}
	return p.conn.resume()
}

// Monitor runs a stub specific console command and returns its output.
func (p *Probe) Monitor(cmd string) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.conn.monitor(cmd)
}

// register resolves name to a register number and its width in bytes.
func (p *Probe) register(name string) (int, int, error) {
	canonical, idx, known := p.rs.Canonical(name)
	if p.conn.regsInfo != nil {
		for _, info := range p.conn.regsInfo {
			if strings.EqualFold(info.Name, name) || (known && strings.EqualFold(info.Name, canonical)) {
				return info.Regnum, info.Bitsize / 8, nil
			}
		}
		return 0, 0, fmt.Errorf("%w: %s", probe.ErrUnknownRegister, name)
	}
	if !known {
		return 0, 0, fmt.Errorf("%w: %s", probe.ErrUnknownRegister, name)
	}
	return idx, 4, nil
}

func (p *Probe) ReadRegister(name string) (uint32, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	regnum, _, err := p.register(name)
	if err != nil {
		return 0, err
	}
	data, err := p.conn.readRegister(regnum)
	if err != nil {
		return 0, err
	}
	var b [4]byte
	copy(b[:], data)
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (p *Probe) WriteRegister(name string, val uint32) error {
	if err := p.check(); err != nil {
		return err
	}
	regnum, size, err := p.register(name)
	if err != nil {
		return err
	}
	if size <= 0 {
		size = 4
	}
	data := make([]byte, size)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	copy(data, b[:])
	return p.conn.writeRegister(regnum, data)
}

// Registers lists the register names of the target description, or of the
// architecture table when the stub did not provide one.
func (p *Probe) Registers() []string {
	if p.conn.regsInfo == nil {
		return p.rs.Names()
	}
	names := make([]string, 0, len(p.conn.regsInfo))
	for _, info := range p.conn.regsInfo {
		names = append(names, info.Name)
	}
	return names
}

// Close stops a running target, detaches, which lets the target run
// again, and closes the connection.
func (p *Probe) Close() error {
	if p.conn.conn == nil {
		return nil
	}
	if err := p.conn.interrupt(); err != nil {
		p.conn.conn.Close()
		p.conn.conn = nil
		return err
	}
	return p.conn.detach()
}
