package cmds

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/rttview/rttview/pkg/config"
	"github.com/rttview/rttview/pkg/logflags"
	"github.com/rttview/rttview/pkg/monitor"
	"github.com/rttview/rttview/pkg/rtt"
	"github.com/rttview/rttview/pkg/terminal"
	"github.com/rttview/rttview/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// backend selection
	backend string
	// addr is the address of the GDB stub or of the OpenOCD telnet server.
	addr string
	// arch selects the register table of the target.
	arch string

	// searchBase, blockSize and maxBlocks describe the control block search window.
	searchBase hexUint32
	blockSize  uint32
	maxBlocks  int
	// strict makes the search skip matches with implausible buffer counts.
	strict bool

	// upIndex and downIndex select the channels of the session.
	upIndex   int
	downIndex int
	// poll is the period of the polling loop.
	poll string
	// haltOnAccess halts the target around every memory access.
	haltOnAccess bool

	// dumpOutput is the file the dump command writes to, stdout when empty.
	dumpOutput string
	// dumpStdin forwards standard input lines to the Down channel.
	dumpStdin bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const rttviewCommandLongDesc = `rttview talks to firmware through SEGGER Real-Time Transfer buffers.

It finds the RTT control block in target RAM through a debug probe, copies
everything the firmware writes to an Up buffer to the terminal and writes
what you type into a Down buffer, all by reading and writing target memory
while the firmware keeps running.

Flags given on the command line take precedence over the configuration file
(see 'rttview help backend').`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil && !docCall {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	// Main rttview root command.
	rootCommand = &cobra.Command{
		Use:   "rttview",
		Short: "rttview is a SEGGER RTT terminal for embedded targets.",
		Long:  rttviewCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'rttview help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'rttview help log').")

	rootCommand.PersistentFlags().StringVar(&backend, "backend", defaultBackend, `Backend selection (see 'rttview help backend').`)
	rootCommand.PersistentFlags().StringVarP(&addr, "addr", "a", "", "Address of the GDB stub or OpenOCD telnet server, the backend's usual port on localhost if empty.")
	rootCommand.PersistentFlags().StringVar(&arch, "arch", defaultArch, "Target architecture, cortex-m or riscv.")
	searchBase = defaultSearchBase
	rootCommand.PersistentFlags().Var(&searchBase, "base", "First address searched for the RTT control block.")
	rootCommand.PersistentFlags().Uint32Var(&blockSize, "block-size", rtt.DefaultBlockSize, "Bytes read per step of the control block search.")
	rootCommand.PersistentFlags().IntVar(&maxBlocks, "max-blocks", rtt.DefaultMaxBlocks, "Number of steps of the control block search.")
	rootCommand.PersistentFlags().BoolVar(&strict, "strict", false, "Skip control blocks whose buffer counts are outside 1..16 and keep searching.")
	rootCommand.PersistentFlags().IntVar(&upIndex, "up", 0, "Index of the Up buffer to read.")
	rootCommand.PersistentFlags().IntVar(&downIndex, "down", 0, "Index of the Down buffer to write.")
	rootCommand.PersistentFlags().StringVar(&poll, "poll", monitor.DefaultInterval.String(), "Period of the polling loop.")
	rootCommand.PersistentFlags().BoolVar(&haltOnAccess, "halt-on-access", false, "Halt the target around every memory access (default true for the openocd backend).")

	// 'console' subcommand.
	consoleCommand := &cobra.Command{
		Use:   "console",
		Short: "Open an interactive RTT console.",
		Long: `Opens an interactive RTT console.

Target output is printed as it arrives. Lines typed at the prompt are
commands, type 'help' to list them or see 'rttview help commands'.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(consoleCmd(cmd))
		},
	}
	rootCommand.AddCommand(consoleCommand)

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump",
		Short: "Copy target output to a file or to standard output.",
		Long: `Copies everything the target writes to the Up buffer to standard output,
or to the file given with -o, until interrupted with Ctrl-C or until the
probe connection fails.

With --stdin every line read from standard input is written to the Down
buffer followed by the configured line ending.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(dumpCmd(cmd))
		},
	}
	dumpCommand.Flags().StringVarP(&dumpOutput, "output", "o", "", "Output file, standard output if empty.")
	dumpCommand.Flags().BoolVar(&dumpStdin, "stdin", false, "Forward standard input lines to the Down buffer.")
	rootCommand.AddCommand(dumpCommand)

	// 'scan' subcommand.
	scanCommand := &cobra.Command{
		Use:   "scan",
		Short: "Locate the RTT control block and print its buffers.",
		Long: `Searches the configured window for the RTT control block and prints its
address followed by every Up and Down buffer descriptor. Nothing is written
to the target.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(scanCmd(cmd))
		},
	}
	rootCommand.AddCommand(scanCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rttview\n%s\n", version.RTTViewVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies which probe should be used, possible values
are:

	gdb		GDB remote serial protocol stub, for example OpenOCD,
			pyOCD or the J-Link GDB Server. --addr defaults to
			localhost:3333.
	openocd		OpenOCD telnet command interface. --addr defaults to
			localhost:4444.
	sim		Simulated target running firmware that echoes the Down
			buffer back to the Up buffer.

OpenOCD reads memory while the core runs on most targets but some need the
target halted, --halt-on-access halts the target around every memory access
and is on by default for the openocd backend.

The search window is --max-blocks steps of --block-size bytes starting at
--base. The first "SEGGER RTT" signature found is used unless --strict is
given.

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	rtt		Log channel reads and writes
	locator		Log the control block search
	gdbwire		Log connection to the gdb backend
	telnet		Log commands sent to the openocd backend
	monitor		Log the polling loop
	probe		Log halts and resumes around memory accesses

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	var commands strings.Builder
	terminal.ConsoleCommands().WriteMarkdown(&commands)
	rootCommand.AddCommand(&cobra.Command{
		Use:   "commands",
		Short: "Help about console commands.",
		Long:  commands.String(),
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func consoleCmd(cmd *cobra.Command) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	s, err := resolve(cmd.Flags(), conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, sess, err := openSession(ctx, s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer sess.Close()

	term := terminal.New(terminal.Target{Backend: s.backend, Session: sess, Probe: p}, conf)
	mon := monitor.Start(ctx, sess, term.Output(), monitor.Config{Interval: s.poll})
	term.SetDown(mon)

	status, err := term.Run(mon.Done())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := mon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "polling stopped: %v\n", err)
		if status == 0 {
			status = 1
		}
	}
	return status
}

func dumpCmd(cmd *cobra.Command) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	s, err := resolve(cmd.Flags(), conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var out io.Writer = os.Stdout
	if dumpOutput != "" {
		f, err := os.Create(dumpOutput)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer f.Close()
		out = f
	}
	var in io.Reader
	if dumpStdin {
		in = os.Stdin
	}
	if err := dump(s, out, in, waitForDisconnectSignal); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// dump copies the Up channel to out until wait returns. wait is handed a
// channel that is closed when the polling loop ends on its own.
func dump(s settings, out io.Writer, in io.Reader, wait func(<-chan struct{})) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, sess, err := openSession(ctx, s)
	if err != nil {
		return err
	}
	defer sess.Close()

	if isatty.IsTerminal(os.Stderr.Fd()) {
		cb := sess.ControlBlock()
		fmt.Fprintf(os.Stderr, "RTT control block at %#08x, press Ctrl-C to stop.\n", cb.Addr)
	}

	mon := monitor.Start(ctx, sess, out, monitor.Config{Interval: s.poll})
	if in != nil {
		go forwardLines(in, mon, s.newline)
	}
	wait(mon.Done())
	return mon.Stop()
}

// forwardLines queues every line of in, followed by newline, on m.
func forwardLines(in io.Reader, m *monitor.Monitor, newline string) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := make([]byte, 0, len(sc.Bytes())+len(newline))
		line = append(line, sc.Bytes()...)
		line = append(line, newline...)
		if err := m.Send(line); err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil {
		logflags.MonitorLogger().Errorf("reading standard input: %v", err)
	}
}

func scanCmd(cmd *cobra.Command) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	s, err := resolve(cmd.Flags(), conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := scan(s, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, rtt.ErrNotFound) {
			return 2
		}
		return 1
	}
	return 0
}

func scan(s settings, out io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := openProbe(ctx, s)
	if err != nil {
		return err
	}
	defer p.Close()

	cb, err := rtt.NewLocator(s.strict).Locate(p, s.window)
	if err != nil {
		return err
	}
	up, down, err := rtt.ReadDescriptors(p, cb)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "control block at %#08x, id %q\n", cb.Addr, strings.TrimRight(string(cb.ID[:]), "\x00"))
	w := new(tabwriter.Writer)
	w.Init(out, 0, 8, 1, ' ', 0)
	for i, d := range up {
		fmt.Fprintf(w, "up\t%d\t%v\tused=%d\n", i, d, d.Used())
	}
	for i, d := range down {
		fmt.Fprintf(w, "down\t%d\t%v\tused=%d\n", i, d, d.Used())
	}
	return w.Flush()
}

func waitForDisconnectSignal(disconnectChan <-chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}
