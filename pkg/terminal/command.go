// Package terminal implements the interactive console: it reads user
// input and dispatches it to the RTT session and the probe.
package terminal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/rttview/rttview/pkg/rtt"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the console.
type Commands struct {
	cmds []command
}

// ConsoleCommands returns a Commands struct with default commands defined.
func ConsoleCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"send", "s"}, group: channelCmds, cmdFn: send, helpMsg: `Sends text to the target.

	send [-n] <text>

The text is queued for the Down channel and written as the target makes
room for it. The escape sequences \n, \r, \t, \0, \\ and \xNN are decoded
and the configured line ending is appended unless -n is given. Enclose the
text in quotes to keep leading or trailing spaces.`},
		{aliases: []string{"sendhex", "sx"}, group: channelCmds, cmdFn: sendhex, helpMsg: `Sends raw bytes to the target.

	sendhex <hex>

Spaces between the hex digits are ignored, for example "sendhex 01 02 ff".`},
		{aliases: []string{"pending"}, group: channelCmds, cmdFn: pending, helpMsg: `Prints the number of bytes waiting for room in the Down channel.`},
		{aliases: []string{"status", "st"}, group: channelCmds, cmdFn: status, helpMsg: `Prints the control block, both channel descriptors and session counters.`},
		{aliases: []string{"halt"}, group: targetCmds, cmdFn: halt, helpMsg: `Halts the target.`},
		{aliases: []string{"resume", "c"}, group: targetCmds, cmdFn: resume, helpMsg: `Resumes the target.`},
		{aliases: []string{"reset"}, group: targetCmds, cmdFn: reset, helpMsg: `Resets the target.

	reset [halt]

With halt the target stays halted after the reset, otherwise it runs. The
control block is located again afterwards, see relocate.`},
		{aliases: []string{"relocate"}, group: channelCmds, cmdFn: relocate, helpMsg: `Searches for the control block again and rebinds both channels.

Use it after the firmware was reflashed or restarted without a reset from
this console. The previous address is checked first and the search window
is only scanned when the control block is no longer there.`},
		{aliases: []string{"regs"}, group: targetCmds, cmdFn: regs, helpMsg: `Prints target registers.

	regs [name...]

Without arguments every register of the target is printed. Names may be
aliases, for example r13 or psr on Cortex-M and x1 on RISC-V.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the console.`},
	}

	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					t.Printf("%s\n", cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	t.Printf("The following commands are available:\n")

	for _, cgd := range commandGroupDescriptions {
		t.Printf("\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.Output(), 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	t.Printf("\nType help followed by a command for full documentation.\n")
	return nil
}

// decodeEscapes expands the backslash sequences accepted by send.
func decodeEscapes(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out = append(out, s[i])
			continue
		}
		i++
		if i >= len(s) {
			return nil, errors.New("trailing backslash")
		}
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '0':
			out = append(out, 0)
		case '\\':
			out = append(out, '\\')
		case 'x':
			if i+2 >= len(s) {
				return nil, fmt.Errorf("incomplete escape \\x%s", s[i+1:])
			}
			b, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid escape \\x%s", s[i+1:i+3])
			}
			out = append(out, byte(b))
			i += 2
		default:
			return nil, fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return out, nil
}

// splitArgs tokenizes command arguments with shell quoting rules.
func splitArgs(args string) ([]string, error) {
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	switch len(v) {
	case 0:
		return nil, nil
	case 1:
		return v[0], nil
	}
	return nil, fmt.Errorf("illegal command line '%s'", args)
}

// unquote removes a single pair of enclosing quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if q := s[0]; (q == '"' || q == '\'') && s[len(s)-1] == q {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// parseSendArgs splits the arguments of send into its flag and the text.
// The text is taken verbatim so that backslashes reach decodeEscapes.
func parseSendArgs(args string) (noNewline bool, text string) {
	if args == "-n" || strings.HasPrefix(args, "-n ") {
		noNewline = true
		args = strings.TrimLeft(args[2:], " ")
	}
	return noNewline, unquote(args)
}

func send(t *Term, args string) error {
	noNewline, text := parseSendArgs(args)
	data, err := decodeEscapes(text)
	if err != nil {
		return err
	}
	if !noNewline {
		data = append(data, t.conf.Newline()...)
	}
	if len(data) == 0 {
		return errors.New("nothing to send")
	}
	return t.tgt.Down.Send(data)
}

func sendhex(t *Term, args string) error {
	digits := strings.Join(strings.Fields(args), "")
	if digits == "" {
		return errors.New("not enough arguments")
	}
	data, err := hex.DecodeString(digits)
	if err != nil {
		return err
	}
	return t.tgt.Down.Send(data)
}

func pending(t *Term, args string) error {
	t.Printf("%d bytes pending\n", t.tgt.Down.Pending())
	return nil
}

func status(t *Term, args string) error {
	s := t.tgt.Session
	cb := s.ControlBlock()
	t.Println("backend:       ", t.tgt.Backend)
	printControlBlock(t, cb)
	up, down, err := s.Descriptors()
	if err != nil {
		return err
	}
	t.Println("up:            ", up.String())
	t.Println("down:          ", down.String())
	st := s.Stats()
	t.Println("traffic:       ", fmt.Sprintf("%d bytes up in %d polls, %d bytes down in %d writes", st.BytesUp, st.Polls, st.BytesDown, st.Sends))
	t.Println("pending:       ", strconv.Itoa(t.tgt.Down.Pending()))
	if st.Anomalies > 0 {
		t.Println("anomalies:     ", fmt.Sprintf("%d, last: %v", st.Anomalies, st.LastAnomaly))
	}
	if halted, err := t.tgt.Probe.Halted(); err == nil {
		state := "running"
		if halted {
			state = "halted"
		}
		t.Println("target:        ", state)
	}
	return nil
}

func halt(t *Term, args string) error {
	return t.tgt.Probe.Halt()
}

func resume(t *Term, args string) error {
	return t.tgt.Probe.Resume()
}

func reset(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	var stay bool
	switch {
	case len(v) == 0:
	case len(v) == 1 && v[0] == "halt":
		stay = true
	default:
		return fmt.Errorf("unknown argument to reset %q", args)
	}
	if err := t.tgt.Probe.Reset(stay); err != nil {
		return err
	}
	old := t.tgt.Session.ControlBlock()
	cb, err := t.tgt.Session.Relocate()
	if errors.Is(err, rtt.ErrNotFound) {
		t.Printf("control block not initialized yet, run relocate once the firmware is up\n")
		return nil
	}
	if err != nil {
		return err
	}
	if cb.Addr != old.Addr {
		printControlBlock(t, cb)
	}
	return nil
}

func relocate(t *Term, args string) error {
	cb, err := t.tgt.Session.Relocate()
	if err != nil {
		return err
	}
	printControlBlock(t, cb)
	return nil
}

func printControlBlock(t *Term, cb rtt.ControlBlock) {
	t.Println("control block: ", fmt.Sprintf("0x%08x (%d up, %d down)", cb.Addr, cb.MaxUpBuffers, cb.MaxDownBuffers))
}

func regs(t *Term, args string) error {
	names, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names = t.tgt.Probe.Registers()
	}
	w := new(tabwriter.Writer)
	w.Init(t.Output(), 0, 8, 1, ' ', 0)
	for _, name := range names {
		v, err := t.tgt.Probe.ReadRegister(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t0x%08x\t%d\n", name, v, v)
	}
	return w.Flush()
}

// ExitRequestError is returned when the user
// exits the console.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
