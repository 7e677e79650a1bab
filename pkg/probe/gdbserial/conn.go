package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rttview/rttview/pkg/logflags"
)

const (
	gdbWireMaxLen = 120

	defaultPacketSize          = 256
	defaultMaxTransmitAttempts = 3

	// stopWaitTimeout bounds how long Halt waits for the stop reply that
	// follows an interrupt.
	stopWaitTimeout = 5 * time.Second
)

type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	running bool // a continue was sent and no stop reply arrived yet

	packetSize  int               // maximum packet size supported by stub
	regsInfo    []gdbRegisterInfo // registers described by target.xml, if any
	vContResume bool              // stub advertised vCont;c

	ack                 bool // when ack is true acknowledgment packets are enabled
	maxTransmitAttempts int  // maximum number of transmit or receive attempts when bad checksums are read

	log logflags.Logger
}

// ErrTooManyAttempts is returned when the stub keeps rejecting or
// corrupting the same packet.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// errStopTimeout is returned by Halt when the stub never reports the stop.
var errStopTimeout = errors.New("timed out waiting for stop reply")

// ProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type ProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *ProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

// Code returns the error code sent by the stub, empty for unsupported
// packets.
func (err *ProtocolError) Code() string { return err.code }

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *ProtocolError
	if !errors.As(err, &gdberr) {
		return false
	}
	return gdberr.code == ""
}

func newConn(c net.Conn) *gdbConn {
	return &gdbConn{
		conn:                c,
		maxTransmitAttempts: defaultMaxTransmitAttempts,
		inbuf:               make([]byte, 0, defaultPacketSize),
		log:                 logflags.GdbWireLogger(),
	}
}

func (conn *gdbConn) handshake() error {
	conn.ack = true
	conn.packetSize = defaultPacketSize
	conn.rdr = bufio.NewReader(conn.conn)

	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	// stubs that cannot turn acks off keep working in ack mode
	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}

	if _, err := conn.qSupported(); err != nil {
		return err
	}

	if resp, err := conn.exec([]byte("$vCont?"), "init/vCont"); err == nil {
		conn.vContResume = bytes.Contains(resp, []byte(";c"))
	} else if !isProtocolErrorUnsupported(err) {
		return err
	}

	// without a target description registers are numbered from the
	// architecture table
	if err := conn.readTargetXml(); err != nil {
		var gdberr *ProtocolError
		if !errors.As(err, &gdberr) {
			return err
		}
		conn.log.Debugf("no target description: %v", err)
		conn.regsInfo = nil
	}

	// the halt reason tells us the stub considers the target stopped
	if _, err := conn.exec([]byte("$?"), "init/halt reason"); err != nil {
		return err
	}
	conn.running = false
	return nil
}

// qSupported interprets qSupported responses.
func (conn *gdbConn) qSupported() (features map[string]bool, err error) {
	respBuf, err := conn.exec([]byte("$qSupported:xmlRegisters=arm,riscv"), "init/qSupported")
	if err != nil {
		return nil, err
	}
	resp := strings.Split(string(respBuf), ";")
	features = make(map[string]bool)
	for _, stubfeature := range resp {
		if len(stubfeature) <= 0 {
			continue
		} else if equal := strings.Index(stubfeature, "="); equal >= 0 {
			if stubfeature[:equal] == "PacketSize" {
				if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil && n > 16 {
					conn.packetSize = int(n)
				}
			}
		} else if stubfeature[len(stubfeature)-1] == '+' {
			features[stubfeature[:len(stubfeature)-1]] = true
		}
	}
	return features, nil
}

// disableAck disables protocol acks.
func (conn *gdbConn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// gdbTarget is a struct type used to parse target.xml. Registers may sit
// directly under the root (included annexes) or inside feature elements
// (OpenOCD, pyOCD).
type gdbTarget struct {
	Includes  []gdbTargetInclude `xml:"xi include"`
	Registers []gdbRegisterInfo  `xml:"reg"`
	Features  []gdbTargetFeature `xml:"feature"`
}

type gdbTargetFeature struct {
	Name      string            `xml:"name,attr"`
	Registers []gdbRegisterInfo `xml:"reg"`
}

type gdbTargetInclude struct {
	Href string `xml:"href,attr"`
}

type gdbRegisterInfo struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Regnum  int    `xml:"regnum,attr"`
	Group   string `xml:"group,attr"`
}

// readTargetXml reads target.xml file from stub using qXfer:features:read,
// then parses it requesting any additional files.
// The schema of target.xml is described by:
//  https://github.com/bminor/binutils-gdb/blob/61baf725eca99af2569262d10aca03dcde2698f6/gdb/features/gdb-target.dtd
func (conn *gdbConn) readTargetXml() (err error) {
	conn.regsInfo, err = conn.readAnnex("target.xml")
	if err != nil {
		return err
	}
	regnum := 0
	for i := range conn.regsInfo {
		if conn.regsInfo[i].Regnum == 0 {
			conn.regsInfo[i].Regnum = regnum
		} else {
			regnum = conn.regsInfo[i].Regnum
		}
		regnum++
	}
	if len(conn.regsInfo) == 0 {
		return errors.New("target description lists no registers")
	}
	return nil
}

func (conn *gdbConn) readAnnex(annex string) ([]gdbRegisterInfo, error) {
	tgtbuf, err := conn.qXfer("features", annex)
	if err != nil {
		return nil, err
	}
	var tgt gdbTarget
	if err := xml.Unmarshal(tgtbuf, &tgt); err != nil {
		return nil, err
	}

	for _, feat := range tgt.Features {
		tgt.Registers = append(tgt.Registers, feat.Registers...)
	}
	for _, incl := range tgt.Includes {
		regs, err := conn.readAnnex(incl.Href)
		if err != nil {
			return nil, err
		}
		tgt.Registers = append(tgt.Registers, regs...)
	}
	return tgt.Registers, nil
}

// qXfer executes a 'qXfer' read with the specified kind and annex.
func (conn *gdbConn) qXfer(kind, annex string) ([]byte, error) {
	out := []byte{}
	for {
		cmd := []byte(fmt.Sprintf("$qXfer:%s:read:%s:%x,%x", kind, annex, len(out), conn.packetSize-8))
		err := conn.send(cmd)
		if err != nil {
			return nil, err
		}
		buf, err := conn.recv(cmd, "target features transfer", true)
		if err != nil {
			return nil, err
		}

		out = append(out, buf[1:]...)
		if buf[0] == 'l' {
			break
		}
		if buf[0] != 'm' {
			return nil, &ProtocolError{"target features transfer", string(cmd), string(buf[:1])}
		}
	}
	return out, nil
}

// detach executes a 'D' (detach) command.
func (conn *gdbConn) detach() error {
	if conn.conn == nil {
		// Already detached
		return nil
	}
	_, err := conn.exec([]byte{'$', 'D'}, "detach")
	conn.conn.Close()
	conn.conn = nil
	return err
}

// readRegister executes 'p' (read register) command.
func (conn *gdbConn) readRegister(regnum int) ([]byte, error) {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$p%x", regnum)
	resp, err := conn.exec(conn.outbuf.Bytes(), "register read")
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(string(resp))
	if err != nil {
		return nil, &ProtocolError{"register read", conn.outbuf.String(), string(resp)}
	}
	return data, nil
}

// writeRegister executes 'P' (write register) command.
func (conn *gdbConn) writeRegister(regnum int, data []byte) error {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$P%x=", regnum)
	writeAsciiBytes(&conn.outbuf, data)
	_, err := conn.exec(conn.outbuf.Bytes(), "register write")
	return err
}

// resume sends a continue and returns without waiting for the stop reply,
// which is consumed by whichever command runs after the target stops.
func (conn *gdbConn) resume() error {
	cmd := []byte("$c")
	if conn.vContResume {
		cmd = []byte("$vCont;c")
	}
	if err := conn.send(cmd); err != nil {
		return err
	}
	conn.running = true
	return nil
}

const ctrlC = 0x03 // the ASCII character for ^C

// executes a ctrl-C on the line
func (conn *gdbConn) sendCtrlC() error {
	conn.log.Debug("<- interrupt")
	_, err := conn.conn.Write([]byte{ctrlC})
	return err
}

// interrupt stops a running target and waits for its stop reply.
func (conn *gdbConn) interrupt() error {
	if !conn.running {
		return nil
	}
	if err := conn.sendCtrlC(); err != nil {
		return err
	}
	conn.conn.SetReadDeadline(time.Now().Add(stopWaitTimeout))
	defer conn.conn.SetReadDeadline(time.Time{})
	for conn.running {
		resp, err := conn.recv(nil, "interrupt", false)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return errStopTimeout
			}
			return err
		}
		if isStopPacket(resp) {
			conn.running = false
		}
	}
	return nil
}

// pollStop picks up a stop reply the stub may have sent since the last
// resume, without blocking.
func (conn *gdbConn) pollStop() error {
	if !conn.running {
		return nil
	}
	conn.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := conn.rdr.Peek(1)
	conn.conn.SetReadDeadline(time.Time{})
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil
		}
		return err
	}
	resp, err := conn.recv(nil, "stop poll", false)
	if err != nil {
		return err
	}
	if isStopPacket(resp) {
		conn.running = false
	}
	return nil
}

func isStopPacket(resp []byte) bool {
	return len(resp) > 0 && (resp[0] == 'T' || resp[0] == 'S')
}

// monitor executes a 'qRcmd' command, collecting console output packets.
func (conn *gdbConn) monitor(command string) (string, error) {
	conn.outbuf.Reset()
	conn.outbuf.WriteString("$qRcmd,")
	writeAsciiBytes(&conn.outbuf, []byte(command))
	cmd := append([]byte(nil), conn.outbuf.Bytes()...)
	if err := conn.send(cmd); err != nil {
		return "", err
	}
	var out strings.Builder
	for {
		resp, err := conn.recv(cmd, "monitor command", false)
		if err != nil {
			return out.String(), err
		}
		if resp[0] == 'O' && len(resp) > 1 && string(resp) != "OK" {
			if b, err := hex.DecodeString(string(resp[1:])); err == nil {
				out.Write(b)
			}
			continue
		}
		if string(resp) != "OK" {
			if b, err := hex.DecodeString(string(resp)); err == nil {
				out.Write(b)
			}
		}
		return out.String(), nil
	}
}

// executes 'm' (read memory) command
func (conn *gdbConn) readMemory(data []byte, addr uint32) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		conn.outbuf.Reset()

		// stubs misbehave when asked for more than fits in a packet
		sz := size
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint32(len(data)), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}
		if len(resp) != 2*sz {
			return &ProtocolError{"memory read", conn.outbuf.String(), fmt.Sprintf("short reply (%d of %d bytes)", len(resp)/2, sz)}
		}

		for i := 0; i < len(resp); i += 2 {
			n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			if err != nil {
				return &ProtocolError{"memory read", conn.outbuf.String(), string(resp[i : i+2])}
			}
			data = append(data, uint8(n))
		}
	}
	return nil
}

func writeAsciiBytes(w *bytes.Buffer, data []byte) {
	for _, b := range data {
		w.WriteByte(hexdigit[b>>4])
		w.WriteByte(hexdigit[b&0xf])
	}
}

// executes 'M' (write memory) command, split into packets that fit the
// stub's PacketSize
func (conn *gdbConn) writeMemory(addr uint32, data []byte) error {
	// header is $M, two 8 digit hex numbers, ',' ':' and the checksum
	chunk := (conn.packetSize - 24) / 2
	if chunk < 1 {
		chunk = 1
	}
	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "$M%x,%x:", addr, n)
		writeAsciiBytes(&conn.outbuf, data[:n])

		if _, err := conn.exec(conn.outbuf.Bytes(), "memory write"); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

// exec executes a message to the stub and reads a response.
// The details of the wire protocol are described here:
//  https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context, false)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *gdbConn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > conn.maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

// recv reads one reply packet. A stop reply received while the target is
// believed to be running only updates the run state and is otherwise
// skipped, unless cmd is nil, in which case the caller wants any packet.
func (conn *gdbConn) recv(cmd []byte, context string, binary bool) (resp []byte, err error) {
	attempt := 0
	for {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}

		// read checksum
		var csum [2]byte
		if _, err = io.ReadFull(conn.rdr, csum[:]); err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			partial := false
			if idx := bytes.Index(out, []byte{'\n'}); idx >= 0 {
				out = resp[:idx]
				partial = true
			}
			if len(out) > gdbWireMaxLen {
				out = out[:gdbWireMaxLen]
				partial = true
			}
			if !partial {
				conn.log.Debugf("-> %s%s", string(resp), string(csum[:]))
			} else {
				conn.log.Debugf("-> %s...", string(out))
			}
		}

		// skip stray acks left over from ack mode
		if i := bytes.IndexAny(resp, "$%"); i > 0 {
			resp = resp[i:]
		}

		if resp[0] == '%' {
			// notification packets are never requested, ignore them
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, csum[:]) {
			conn.sendack('+')
			break
		}
		if attempt > conn.maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	if binary {
		conn.inbuf, resp = binarywiredecode(resp, conn.inbuf)
	} else {
		conn.inbuf, resp = wiredecode(resp, conn.inbuf)
	}

	if cmd != nil && conn.running && isStopPacket(resp) {
		conn.running = false
		return conn.recv(cmd, context, binary)
	}

	if len(resp) == 0 || (resp[0] == 'E' && !binary) {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &ProtocolError{context, cmdstr, string(resp)}
	}

	return append([]byte(nil), resp...), nil
}

// Readack reads one byte from stub, returns true if the byte is '+'
func (conn *gdbConn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// Sendack executes an ack character, c must be either '+' or '-'
func (conn *gdbConn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value the remote protocol uses to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '{': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case ':':
			buf = append(buf, ch)
			if i == 3 {
				// we just read the sequence identifier
				start = i + 1
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || i == 0 {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// binarywiredecode is like wiredecode but decodes the wire encoding for
// binary packets, such as qXfer replies.
func binarywiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf[start:]
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// Checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
