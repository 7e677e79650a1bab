package cmds

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/rttview/rttview/pkg/config"
	"github.com/rttview/rttview/pkg/rtt"
)

func parse(t *testing.T, conf *config.Config, args ...string) (settings, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	root := New(true)
	cmd, _, err := root.Find([]string{"scan"})
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatal(err)
	}
	return resolve(cmd.Flags(), conf)
}

func u32(v uint32) *uint32 { return &v }

func TestResolve(t *testing.T) {
	defWindow := rtt.SearchWindow{Start: 0x20000000, BlockSize: 1024, MaxBlocks: 256}
	crlf := "\r\n"
	off := false

	tests := []struct {
		name string
		conf *config.Config
		args []string
		want settings
	}{
		{
			name: "defaults",
			want: settings{backend: "gdb", addr: "localhost:3333", arch: "cortex-m", window: defWindow, poll: 10 * time.Millisecond, newline: "\n"},
		},
		{
			name: "openocd halts by default",
			args: []string{"--backend", "openocd", "--strict", "--up", "1"},
			want: settings{backend: "openocd", addr: "localhost:4444", arch: "cortex-m", window: defWindow, strict: true, up: 1, poll: 10 * time.Millisecond, haltAround: true, newline: "\n"},
		},
		{
			name: "flags override the file",
			conf: &config.Config{Backend: "openocd", Address: "probe:4444", Arch: "riscv", SearchBase: u32(0x20010000), PollInterval: "50ms", LineEnding: &crlf},
			args: []string{"--base", "0x20020000", "--block-size", "512", "--halt-on-access=false"},
			want: settings{backend: "openocd", addr: "probe:4444", arch: "riscv", window: rtt.SearchWindow{Start: 0x20020000, BlockSize: 512, MaxBlocks: 256}, poll: 50 * time.Millisecond, newline: "\r\n"},
		},
		{
			name: "file address belongs to the file backend",
			conf: &config.Config{Backend: "openocd", Address: "probe:4444", HaltOnAccess: &off},
			args: []string{"--backend", "gdb"},
			want: settings{backend: "gdb", addr: "localhost:3333", arch: "cortex-m", window: defWindow, poll: 10 * time.Millisecond, newline: "\n"},
		},
		{
			name: "poll flag",
			conf: &config.Config{PollInterval: "1s", DownChannel: 2},
			args: []string{"--poll", "2ms", "-a", "10.0.0.2:2331"},
			want: settings{backend: "gdb", addr: "10.0.0.2:2331", arch: "cortex-m", window: defWindow, down: 2, poll: 2 * time.Millisecond, newline: "\n"},
		},
	}
	for _, tc := range tests {
		got, err := parse(t, tc.conf, tc.args...)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(settings{})); diff != "" {
			t.Errorf("%s (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		conf *config.Config
		args []string
	}{
		{nil, []string{"--backend", "jlink"}},
		{nil, []string{"--poll", "0s"}},
		{nil, []string{"--poll", "often"}},
		{nil, []string{"--max-blocks", "0"}},
		{nil, []string{"--up=-1"}},
		{&config.Config{PollInterval: "nope"}, nil},
		{&config.Config{Backend: "serial"}, nil},
	}
	for _, tc := range tests {
		if _, err := parse(t, tc.conf, tc.args...); err == nil {
			t.Errorf("%v %v: expected error", tc.conf, tc.args)
		}
	}
}

func TestScanSim(t *testing.T) {
	s, err := parse(t, nil, "--backend", "sim")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := scan(s, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 1+len(simLayout.UpSizes)+len(simLayout.DownSizes) {
		t.Fatalf("unexpected scan output:\n%s", out)
	}
	if want := `control block at 0x20000800, id "SEGGER RTT"`; lines[0] != want {
		t.Fatalf("expected %q; got %q", want, lines[0])
	}
	if !strings.HasPrefix(lines[1], "up ") || !strings.Contains(lines[1], "size=1024") || !strings.HasSuffix(lines[1], fmt.Sprintf("used=%d", len(simBanner))) {
		t.Fatalf("unexpected first up buffer %q", lines[1])
	}
	if !strings.HasPrefix(lines[3], "down ") || !strings.Contains(lines[3], "size=64") {
		t.Fatalf("unexpected down buffer %q", lines[3])
	}
}

func TestScanNotFound(t *testing.T) {
	s, err := parse(t, nil, "--backend", "sim", "--strict")
	if err != nil {
		t.Fatal(err)
	}
	// the window ends before the control block
	s.window.MaxBlocks = 1
	if err := scan(s, new(bytes.Buffer)); err == nil {
		t.Fatal("expected not found error")
	}
}

// syncBuffer is a bytes.Buffer safe for use by the polling loop and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDumpSim(t *testing.T) {
	s, err := parse(t, nil, "--backend", "sim", "--poll", "1ms")
	if err != nil {
		t.Fatal(err)
	}
	want := simBanner + "ping\nhello\n"
	out := &syncBuffer{}
	wait := func(done <-chan struct{}) {
		deadline := time.After(5 * time.Second)
		for out.String() != want {
			select {
			case <-done:
				return
			case <-deadline:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}
	if err := dump(s, out, strings.NewReader("ping\nhello\n"), wait); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != want {
		t.Fatalf("expected %q; got %q", want, got)
	}
}

func TestDumpBadChannel(t *testing.T) {
	s, err := parse(t, nil, "--backend", "sim", "--up", "5")
	if err != nil {
		t.Fatal(err)
	}
	wait := func(<-chan struct{}) { t.Fatal("dump started without a session") }
	if err := dump(s, new(bytes.Buffer), nil, wait); err == nil {
		t.Fatal("expected error for missing up buffer")
	}
}

func TestHelpTopics(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	root := New(true)
	for topic, want := range map[string]string{
		"commands": "## sendhex",
		"backend":  "openocd",
		"log":      "locator",
	} {
		cmd, _, err := root.Find([]string{topic})
		if err != nil {
			t.Fatalf("%s: %v", topic, err)
		}
		if !strings.Contains(cmd.Long, want) {
			t.Errorf("help %s lacks %q", topic, want)
		}
	}
}
