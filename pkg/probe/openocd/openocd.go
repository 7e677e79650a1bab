// Package openocd implements probe.Probe over the OpenOCD telnet command
// interface (port 4444 by default).
//
// Every operation is a Tcl command line: memory goes through read_memory,
// write_memory and mww, run control through halt, resume, poll and reset,
// registers through reg. Many targets refuse memory access while the core
// runs, wrap the probe with probe.HaltAround for those.
package openocd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rttview/rttview/pkg/logflags"
	"github.com/rttview/rttview/pkg/probe"
)

const (
	// maxElements is the number of values moved by one read_memory or
	// write_memory command, larger transfers time out on slow adapters.
	maxElements = 128

	telnetMaxLogLen = 160
)

var (
	// DialTimeout bounds the TCP connect done by Dial.
	DialTimeout = 2 * time.Second
	// CommandTimeout bounds the wait for the prompt after each command.
	CommandTimeout = 2 * time.Second
)

var prompt = []byte("> ")

// regLine matches one entry of the 'reg' listing, for example
// "(13) sp (/32): 0x20001ff0".
var regLine = regexp.MustCompile(`\((\d+)\)\s+(\S+)\s+\(/(\d+)\)`)

// CommandError is returned when OpenOCD answers a command with an error
// message instead of the expected output.
type CommandError struct {
	Cmd    string
	Output string
}

func (err *CommandError) Error() string {
	out := err.Output
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return fmt.Sprintf("openocd: %s: %s", err.Cmd, out)
}

var errNoPrompt = errors.New("connection closed before prompt")

// Probe is a connection to the OpenOCD telnet server. It is not safe for
// concurrent use.
type Probe struct {
	conn net.Conn
	rdr  *bufio.Reader

	rs      *probe.RegisterSet
	regnums map[string]int // lower case name from the reg listing
	regs    []string       // names in listing order

	log logflags.Logger
}

var _ probe.Probe = (*Probe)(nil)

// Dial connects to the telnet server at addr and reads the register
// listing of the current target.
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

// New starts a session over an established connection.
func New(c net.Conn, arch string) (*Probe, error) {
	rs, err := probe.RegisterSetFor(arch)
	if err != nil {
		return nil, err
	}
	p := &Probe{conn: c, rdr: bufio.NewReader(c), rs: rs, log: logflags.TelnetLogger()}
	banner, err := p.readPrompt()
	if err != nil {
		return nil, fmt.Errorf("openocd banner: %w", err)
	}
	if logflags.Telnet() {
		p.log.Debugf("-> %q", banner)
	}
	if err := p.loadRegisters(); err != nil {
		return nil, err
	}
	return p, nil
}

// readPrompt reads until the command prompt and returns everything before
// it, with telnet negotiation removed.
func (p *Probe) readPrompt() (string, error) {
	p.conn.SetReadDeadline(time.Now().Add(CommandTimeout))
	defer p.conn.SetReadDeadline(time.Time{})
	var raw []byte
	for {
		chunk, err := p.rdr.ReadBytes(prompt[1])
		raw = append(raw, chunk...)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errNoPrompt, err)
		}
		text := stripTelnet(raw)
		if bytes.Equal(text, prompt) || bytes.HasSuffix(text, []byte("\n> ")) {
			text = text[:len(text)-len(prompt)]
			return string(bytes.ReplaceAll(text, []byte("\r"), nil)), nil
		}
	}
}

// Exec runs one command and returns its output without the echoed command
// line and the trailing prompt.
func (p *Probe) Exec(cmd string) (string, error) {
	if p.conn == nil {
		return "", probe.ErrClosed
	}
	if logflags.Telnet() {
		p.log.Debugf("<- %s", truncate(cmd))
	}
	if _, err := p.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}
	text, err := p.readPrompt()
	if err != nil {
		return "", err
	}
	out := ""
	if first := strings.IndexByte(text, '\n'); first >= 0 {
		out = strings.TrimRight(text[first+1:], "\n")
	}
	if logflags.Telnet() {
		p.log.Debugf("-> %s", truncate(out))
	}
	if isError(out) {
		return out, &CommandError{Cmd: cmd, Output: out}
	}
	return out, nil
}

func isError(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Error") || strings.HasPrefix(line, "invalid command name") {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	if len(s) > telnetMaxLogLen {
		return s[:telnetMaxLogLen] + "..."
	}
	return s
}

// telnet protocol bytes
const (
	iac  = 255
	dont = 254
	will = 251
	sb   = 250
	se   = 240
)

// stripTelnet removes IAC command sequences, including subnegotiations.
func stripTelnet(in []byte) []byte {
	if bytes.IndexByte(in, iac) < 0 {
		return in
	}
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] != iac {
			out = append(out, in[i])
			continue
		}
		if i+1 >= len(in) {
			break
		}
		switch cmd := in[i+1]; {
		case cmd == iac:
			out = append(out, iac)
			i++
		case cmd >= will && cmd <= dont:
			i += 2
		case cmd == sb:
			// skip to IAC SE
			j := i + 2
			for j+1 < len(in) && !(in[j] == iac && in[j+1] == se) {
				j++
			}
			i = j + 1
		default:
			i++
		}
	}
	return out
}

func (p *Probe) loadRegisters() error {
	out, err := p.Exec("reg")
	if err != nil {
		return err
	}
	p.regnums = make(map[string]int)
	p.regs = p.regs[:0]
	for _, line := range strings.Split(out, "\n") {
		m := regLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		p.regnums[strings.ToLower(m[2])] = n
		p.regs = append(p.regs, m[2])
	}
	return nil
}

func (p *Probe) ReadMemory(addr uint32, count int) ([]byte, error) {
	data := make([]byte, 0, count)
	for len(data) < count {
		n := count - len(data)
		if n > maxElements {
			n = maxElements
		}
		cmd := fmt.Sprintf("read_memory %#x 8 %d", addr+uint32(len(data)), n)
		out, err := p.Exec(cmd)
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(out)
		if len(fields) != n {
			return nil, &CommandError{Cmd: cmd, Output: fmt.Sprintf("expected %d values, got %d", n, len(fields))}
		}
		for _, f := range fields {
			v, err := strconv.ParseUint(strings.TrimPrefix(f, "0x"), 16, 8)
			if err != nil {
				return nil, &CommandError{Cmd: cmd, Output: out}
			}
			data = append(data, byte(v))
		}
	}
	return data, nil
}

func (p *Probe) WriteMemory(addr uint32, data []byte) error {
	var buf strings.Builder
	for len(data) > 0 {
		n := len(data)
		if n > maxElements {
			n = maxElements
		}
		buf.Reset()
		fmt.Fprintf(&buf, "write_memory %#x 8 {", addr)
		for i, b := range data[:n] {
			if i > 0 {
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%#x", b)
		}
		buf.WriteByte('}')
		if _, err := p.Exec(buf.String()); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

func (p *Probe) WriteU32(addr uint32, val uint32) error {
	_, err := p.Exec(fmt.Sprintf("mww %#x %#x", addr, val))
	return err
}

func (p *Probe) Halt() error {
	_, err := p.Exec("halt 500")
	return err
}

func (p *Probe) Resume() error {
	_, err := p.Exec("resume")
	return err
}

func (p *Probe) Halted() (bool, error) {
	out, err := p.Exec("poll")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "halted"), nil
}

func (p *Probe) Reset(halt bool) error {
	cmd := "reset run"
	if halt {
		cmd = "reset halt"
	}
	_, err := p.Exec(cmd)
	return err
}

// regnum finds the number OpenOCD uses for name, trying the name as
// given and then its canonical form.
func (p *Probe) regnum(name string) (int, error) {
	if n, ok := p.regnums[strings.ToLower(name)]; ok {
		return n, nil
	}
	if canonical, _, ok := p.rs.Canonical(name); ok {
		if n, ok := p.regnums[canonical]; ok {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", probe.ErrUnknownRegister, name)
}

func parseRegValue(cmd, out string) (uint32, error) {
	colon := strings.LastIndexByte(out, ':')
	if colon < 0 {
		return 0, &CommandError{Cmd: cmd, Output: out}
	}
	s := strings.TrimSpace(out[colon+1:])
	if i := strings.IndexAny(s, " \n"); i >= 0 {
		s = s[:i]
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, &CommandError{Cmd: cmd, Output: out}
	}
	return uint32(v), nil
}

func (p *Probe) ReadRegister(name string) (uint32, error) {
	n, err := p.regnum(name)
	if err != nil {
		return 0, err
	}
	cmd := fmt.Sprintf("reg %d", n)
	out, err := p.Exec(cmd)
	if err != nil {
		return 0, err
	}
	return parseRegValue(cmd, out)
}

func (p *Probe) WriteRegister(name string, val uint32) error {
	n, err := p.regnum(name)
	if err != nil {
		return err
	}
	_, err = p.Exec(fmt.Sprintf("reg %d %#x", n, val))
	return err
}

// Registers returns the register names from the reg listing.
func (p *Probe) Registers() []string {
	return append([]string(nil), p.regs...)
}

// Close ends the telnet session. The target is left in whatever state it
// is in.
func (p *Probe) Close() error {
	if p.conn == nil {
		return nil
	}
	p.conn.Write([]byte("exit\n"))
	err := p.conn.Close()
	p.conn = nil
	return err
}
