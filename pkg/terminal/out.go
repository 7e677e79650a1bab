package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed     = 31
	ansiGreen   = 32
	ansiYellow  = 33
	ansiBlue    = 34
	ansiMagenta = 35
)

// isDumb reports whether escape sequences must not be written to out,
// either because it is not a terminal or because TERM says so.
func isDumb(out *os.File) bool {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return true
	}
	return !isatty.IsTerminal(out.Fd())
}

// getColorableWriter returns a writer for stdout that interprets ANSI
// color escapes on consoles that do not.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
