package cmds

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/rttview/rttview/pkg/config"
	"github.com/rttview/rttview/pkg/monitor"
	"github.com/rttview/rttview/pkg/probe"
	"github.com/rttview/rttview/pkg/probe/gdbserial"
	"github.com/rttview/rttview/pkg/probe/openocd"
	"github.com/rttview/rttview/pkg/probe/sim"
	"github.com/rttview/rttview/pkg/rtt"
)

const (
	defaultBackend    = "gdb"
	defaultArch       = "cortex-m"
	defaultSearchBase = 0x20000000
)

var defaultAddr = map[string]string{
	"gdb":     "localhost:3333",
	"openocd": "localhost:4444",
	"sim":     "",
}

// Layout of the sim backend: a RAM region at the search base holding one
// control block.
const (
	simRAMSize   = 16 << 10
	simRTTOffset = 0x800
	simBanner    = "rttview simulated target, everything sent is echoed back\n"
)

var simLayout = sim.Layout{UpSizes: []int{1024, 256}, DownSizes: []int{64}}

// hexUint32 is a uint32 flag printed in hex and parsed in any base.
type hexUint32 uint32

func (v *hexUint32) String() string { return fmt.Sprintf("%#x", uint32(*v)) }

func (v *hexUint32) Set(s string) error {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*v = hexUint32(n)
	return nil
}

func (v *hexUint32) Type() string { return "address" }

// settings is the configuration of one command, after command line flags
// have been applied over the configuration file.
type settings struct {
	backend    string
	addr       string
	arch       string
	window     rtt.SearchWindow
	strict     bool
	up, down   int
	poll       time.Duration
	haltAround bool
	newline    string
}

// resolve merges conf with the flags of flags that were set explicitly.
func resolve(flags *pflag.FlagSet, conf *config.Config) (settings, error) {
	if conf == nil {
		conf = &config.Config{}
	}
	s := settings{
		backend: defaultBackend,
		arch:    defaultArch,
		window:  rtt.SearchWindow{Start: defaultSearchBase, BlockSize: rtt.DefaultBlockSize, MaxBlocks: rtt.DefaultMaxBlocks},
		strict:  conf.StrictSearch,
		up:      conf.UpChannel,
		down:    conf.DownChannel,
		newline: conf.Newline(),
	}
	if conf.Backend != "" {
		s.backend = conf.Backend
	}
	if conf.Arch != "" {
		s.arch = conf.Arch
	}
	if conf.SearchBase != nil {
		s.window.Start = *conf.SearchBase
	}
	if conf.SearchBlockSize != nil {
		s.window.BlockSize = *conf.SearchBlockSize
	}
	if conf.SearchMaxBlocks != nil {
		s.window.MaxBlocks = *conf.SearchMaxBlocks
	}
	pollDef := monitor.DefaultInterval
	if flags.Changed("poll") {
		d, err := time.ParseDuration(poll)
		if err != nil {
			return s, fmt.Errorf("--poll: %v", err)
		}
		pollDef = d
	} else {
		d, err := conf.Poll(pollDef)
		if err != nil {
			return s, err
		}
		pollDef = d
	}
	s.poll = pollDef

	if flags.Changed("backend") {
		s.backend = backend
	}
	if flags.Changed("arch") {
		s.arch = arch
	}
	if flags.Changed("base") {
		s.window.Start = uint32(searchBase)
	}
	if flags.Changed("block-size") {
		s.window.BlockSize = blockSize
	}
	if flags.Changed("max-blocks") {
		s.window.MaxBlocks = maxBlocks
	}
	if flags.Changed("strict") {
		s.strict = strict
	}
	if flags.Changed("up") {
		s.up = upIndex
	}
	if flags.Changed("down") {
		s.down = downIndex
	}

	def, ok := defaultAddr[s.backend]
	if !ok {
		return s, fmt.Errorf("unknown backend %q (see 'rttview help backend')", s.backend)
	}
	s.addr = def
	if conf.Address != "" && (conf.Backend == "" || conf.Backend == s.backend) {
		s.addr = conf.Address
	}
	if flags.Changed("addr") {
		s.addr = addr
	}
	s.haltAround = conf.HaltAround(s.backend)
	if flags.Changed("halt-on-access") {
		s.haltAround = haltOnAccess
	}

	switch {
	case s.poll <= 0:
		return s, fmt.Errorf("poll interval must be positive, got %v", s.poll)
	case s.window.BlockSize == 0:
		return s, fmt.Errorf("search block size must be positive")
	case s.window.MaxBlocks <= 0:
		return s, fmt.Errorf("search block count must be positive, got %d", s.window.MaxBlocks)
	case s.up < 0 || s.down < 0:
		return s, fmt.Errorf("channel index must not be negative")
	}
	return s, nil
}

// openProbe connects to the backend selected by s. The returned probe is
// safe for concurrent use; it runs until ctx is done for the sim backend.
func openProbe(ctx context.Context, s settings) (probe.Probe, error) {
	var p probe.Probe
	switch s.backend {
	case "gdb":
		gp, err := gdbserial.Dial(s.addr, s.arch)
		if err != nil {
			return nil, err
		}
		p = gp
	case "openocd":
		op, err := openocd.Dial(s.addr, s.arch)
		if err != nil {
			return nil, err
		}
		p = op
	case "sim":
		t, err := newSimTarget(ctx, s)
		if err != nil {
			return nil, err
		}
		p = t
	default:
		return nil, fmt.Errorf("unknown backend %q", s.backend)
	}
	if s.haltAround {
		p = probe.HaltAround(p)
	}
	return probe.Locked(p), nil
}

// newSimTarget returns a simulated target with echo firmware running until
// ctx is done.
func newSimTarget(ctx context.Context, s settings) (*sim.Target, error) {
	t, err := sim.New(s.arch)
	if err != nil {
		return nil, err
	}
	t.Map(s.window.Start, simRAMSize)
	fw := t.InstallRTT(s.window.Start+simRTTOffset, simLayout)
	if _, err := fw.Produce(0, []byte(simBanner)); err != nil {
		return nil, err
	}
	go fw.Echo(ctx, s.poll)
	return t, nil
}

// openSession connects to the probe and opens an RTT session on it. The
// probe is closed with the session.
func openSession(ctx context.Context, s settings) (probe.Probe, *rtt.Session, error) {
	p, err := openProbe(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	sess, err := rtt.Open(p, rtt.Config{
		Window:    s.window,
		UpIndex:   s.up,
		DownIndex: s.down,
		Locator:   rtt.NewLocator(s.strict),
	})
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return p, sess, nil
}
