package gdbserial

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rttview/rttview/pkg/probe/sim"
)

// stub is a minimal all-stop GDB stub serving a sim.Target.
type stub struct {
	tgt *sim.Target
	ln  net.Listener

	targetXML         string
	packetSize        int
	noAck             bool // accept QStartNoAckMode
	vCont             bool
	stopAfterContinue bool
	corrupt           int // replies sent with a bad checksum before a good one

	mu        sync.Mutex
	packets   []string
	maxPacket int
	done      chan struct{}
}

func newStub(t *testing.T, tgt *sim.Target, opts ...func(*stub)) *stub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &stub{tgt: tgt, ln: ln, packetSize: 0x100, noAck: true, done: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		defer close(s.done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		s.serve(c)
	}()
	return s
}

func (s *stub) addr() string { return s.ln.Addr().String() }

// received returns the packets received so far, without framing.
func (s *stub) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.packets...)
}

func (s *stub) largestPacket() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPacket
}

func (s *stub) serve(c net.Conn) {
	r := bufio.NewReader(c)
	noack := false
	running := false
	var last string

	send := func(payload string) {
		last = payload
		sum := checksum([]byte("$" + payload + "#"))
		if s.corrupt > 0 && !noack {
			s.corrupt--
			sum++
		}
		fmt.Fprintf(c, "$%s#%02x", payload, sum)
	}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '+':
			continue
		case '-':
			send(last)
			continue
		case ctrlC:
			if running {
				running = false
				s.tgt.Halt()
				send("T02")
			}
			continue
		case '$':
		default:
			continue
		}

		body, err := r.ReadString('#')
		if err != nil {
			return
		}
		body = body[:len(body)-1]
		var csum [2]byte
		if _, err := io.ReadFull(r, csum[:]); err != nil {
			return
		}
		s.mu.Lock()
		s.packets = append(s.packets, body)
		if n := len(body) + 4; n > s.maxPacket {
			s.maxPacket = n
		}
		s.mu.Unlock()
		if !noack {
			c.Write([]byte{'+'})
		}

		switch {
		case body == "QStartNoAckMode":
			if s.noAck {
				send("OK")
				noack = true
			} else {
				send("")
			}
		case strings.HasPrefix(body, "qSupported"):
			send(fmt.Sprintf("PacketSize=%x;qXfer:features:read+", s.packetSize))
		case body == "vCont?":
			if s.vCont {
				send("vCont;c;C;s;S")
			} else {
				send("")
			}
		case strings.HasPrefix(body, "qXfer:features:read:"):
			send(s.xfer(strings.TrimPrefix(body, "qXfer:features:read:")))
		case body == "?":
			send("S05")
		case body == "c" || body == "vCont;c":
			running = true
			s.tgt.Resume()
			if s.stopAfterContinue {
				running = false
				s.tgt.Halt()
				send("T05")
			}
		case body == "D":
			send("OK")
			return
		case strings.HasPrefix(body, "qRcmd,"):
			cmd, _ := hex.DecodeString(body[len("qRcmd,"):])
			if string(cmd) == "reset halt" {
				s.tgt.Reset(true)
				send("O" + hex.EncodeToString([]byte("target halted due to debug-request\n")))
				send("OK")
			} else {
				send("")
			}
		case body[0] == 'm':
			send(s.readMemory(body[1:]))
		case body[0] == 'M':
			send(s.writeMemory(body[1:]))
		case body[0] == 'p':
			send(s.readRegister(body[1:]))
		case body[0] == 'P':
			send(s.writeRegister(body[1:]))
		default:
			send("")
		}
	}
}

func (s *stub) xfer(args string) string {
	// target.xml:off,len
	colon := strings.LastIndex(args, ":")
	if s.targetXML == "" || colon < 0 || args[:colon] != "target.xml" {
		return ""
	}
	var off, n int
	if _, err := fmt.Sscanf(args[colon+1:], "%x,%x", &off, &n); err != nil {
		return "E00"
	}
	data := s.targetXML
	if off >= len(data) {
		return "l"
	}
	if off+n >= len(data) {
		return "l" + data[off:]
	}
	return "m" + data[off:off+n]
}

func parseAddrLen(args string) (uint32, int, error) {
	comma := strings.Index(args, ",")
	if comma < 0 {
		return 0, 0, fmt.Errorf("malformed %q", args)
	}
	addr, err := strconv.ParseUint(args[:comma], 16, 32)
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseUint(args[comma+1:], 16, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(addr), int(n), nil
}

func (s *stub) readMemory(args string) string {
	addr, n, err := parseAddrLen(args)
	if err != nil {
		return "E00"
	}
	b, err := s.tgt.ReadMemory(addr, n)
	if err != nil {
		return "E01"
	}
	return hex.EncodeToString(b)
}

func (s *stub) writeMemory(args string) string {
	colon := strings.Index(args, ":")
	if colon < 0 {
		return "E00"
	}
	addr, n, err := parseAddrLen(args[:colon])
	if err != nil {
		return "E00"
	}
	b, err := hex.DecodeString(args[colon+1:])
	if err != nil || len(b) != n {
		return "E00"
	}
	if err := s.tgt.WriteMemory(addr, b); err != nil {
		return "E01"
	}
	return "OK"
}

func (s *stub) regName(arg string) (string, bool) {
	n, err := strconv.ParseUint(arg, 16, 32)
	names := s.tgt.Registers()
	if err != nil || int(n) >= len(names) {
		return "", false
	}
	return names[n], true
}

func (s *stub) readRegister(args string) string {
	name, ok := s.regName(args)
	if !ok {
		return "E00"
	}
	v, _ := s.tgt.ReadRegister(name)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return hex.EncodeToString(b[:])
}

func (s *stub) writeRegister(args string) string {
	eq := strings.Index(args, "=")
	if eq < 0 {
		return "E00"
	}
	name, ok := s.regName(args[:eq])
	if !ok {
		return "E00"
	}
	b, err := hex.DecodeString(args[eq+1:])
	if err != nil || len(b) < 4 {
		return "E00"
	}
	s.tgt.WriteRegister(name, binary.LittleEndian.Uint32(b))
	return "OK"
}
