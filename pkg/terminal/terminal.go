package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/rttview/rttview/pkg/config"
	"github.com/rttview/rttview/pkg/probe"
	"github.com/rttview/rttview/pkg/rtt"
)

// Session is the part of rtt.Session used by the console. It must be safe
// to call while the poll loop runs.
type Session interface {
	ControlBlock() rtt.ControlBlock
	Descriptors() (up, down rtt.Descriptor, err error)
	Stats() rtt.Stats
	Relocate() (rtt.ControlBlock, error)
}

// Sender queues bytes for the Down channel, as monitor.Monitor does.
type Sender interface {
	Send(data []byte) error
	Pending() int
}

// Target is what the console drives.
type Target struct {
	Backend string
	Session Session
	Down    Sender
	// Probe must be safe for concurrent use, the poll loop shares it.
	Probe probe.Probe
}

// Term represents the interactive console.
type Term struct {
	tgt    Target
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer

	// outMu serializes console output with target output.
	outMu sync.Mutex
}

// New returns a new Term.
func New(tgt Target, conf *config.Config) *Term {
	t := newTerm(tgt, conf, nil)
	t.dumb = isDumb(os.Stdout)
	if t.dumb {
		t.stdout = os.Stdout
	} else {
		t.stdout = getColorableWriter()
	}
	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)
	return t
}

func newTerm(tgt Target, conf *config.Config, out io.Writer) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := ConsoleCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	return &Term{
		tgt:    tgt,
		conf:   conf,
		prompt: "(rtt) ",
		cmds:   cmds,
		dumb:   true,
		stdout: out,
	}
}

// SetDown sets the queue used by send and sendhex.
func (t *Term) SetDown(down Sender) {
	t.tgt.Down = down
}

// Output returns the writer target data should be copied to.
func (t *Term) Output() io.Writer {
	return termWriter{t}
}

type termWriter struct{ t *Term }

func (w termWriter) Write(p []byte) (int, error) {
	w.t.outMu.Lock()
	defer w.t.outMu.Unlock()
	return w.t.stdout.Write(p)
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// completer returns the command names starting with the word being typed.
func (t *Term) completer() liner.Completer {
	tr := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			tr.Add(alias, nil)
		}
	}
	return func(line string) []string {
		if strings.Contains(line, " ") {
			return nil
		}
		c := tr.PrefixSearch(strings.ToLower(line))
		sort.Strings(c)
		return c
	}
}

// Run reads and executes commands until exit or end of input. done, when
// not nil, ends the console as soon as it is closed.
func (t *Term) Run(done <-chan struct{}) (int, error) {
	defer t.Close()

	t.line.SetCompleter(t.completer())

	fullHistoryFile, err := config.HistoryFilePath()
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}
	if f, err := os.Open(fullHistoryFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	// the prompt runs on its own goroutine so that a lost connection can
	// end the console while it waits for input
	lines := make(chan string)
	next := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		for {
			l, err := t.promptForInput()
			if err != nil {
				errs <- err
				return
			}
			lines <- l
			if _, ok := <-next; !ok {
				return
			}
		}
	}()
	defer close(next)

	for {
		var cmdstr string
		select {
		case <-done:
			fmt.Fprintln(t.stdout, "\nconnection lost")
			return t.handleExit(1)
		case err := <-errs:
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit(0)
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		case cmdstr = <-lines:
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			var exit ExitRequestError
			if errors.As(err, &exit) {
				return t.handleExit(0)
			}
			t.Errorf("Command failed: %s\n", err)
		}
		next <- struct{}{}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err == liner.ErrPromptAborted {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}
	return l, nil
}

func (t *Term) handleExit(code int) (int, error) {
	fullHistoryFile, err := config.HistoryFilePath()
	if err != nil {
		fmt.Println("Error saving history file:", err)
		return code, nil
	}
	if f, err := os.Create(fullHistoryFile); err == nil {
		if _, err := t.line.WriteHistory(f); err != nil {
			fmt.Println("readline history error:", err)
		}
		f.Close()
	}
	return code, nil
}

func (t *Term) colorize(color int, s string) string {
	if t.dumb {
		return s
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + s + terminalResetEscapeCode
}

// Println prints a line to the terminal with a highlighted prefix.
func (t *Term) Println(prefix, str string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.stdout, "%s%s\n", t.colorize(ansiBlue, prefix), str)
}

// Printf prints to the terminal.
func (t *Term) Printf(format string, args ...interface{}) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprintf(t.stdout, format, args...)
}

// Errorf prints an error message in red.
func (t *Term) Errorf(format string, args ...interface{}) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	fmt.Fprint(t.stdout, t.colorize(ansiRed, fmt.Sprintf(format, args...)))
}
