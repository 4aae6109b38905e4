// Package console renders operator-facing output: colored result lines and a
// single rewritable status line used for spinners and transfer progress.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"

	clearLine = "\r\033[2K"
)

// Console writes human-readable output. It is safe for concurrent use.
type Console struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	inPlace  bool
	status   string
	open     bool
}

// New creates a Console on w. Color and in-place status rewriting are
// enabled only when w is a terminal and NO_COLOR is unset.
func New(w io.Writer) *Console {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	_, noColor := os.LookupEnv("NO_COLOR")
	return &Console{
		w:        w,
		useColor: tty && !noColor,
		inPlace:  tty,
	}
}

// Discard returns a Console that drops everything.
func Discard() *Console {
	return New(io.Discard)
}

// SetColor enables or disables color output.
func (c *Console) SetColor(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.useColor = enabled
}

func (c *Console) color(code, s string) string {
	if !c.useColor {
		return s
	}
	return code + s + colorReset
}

// Green wraps s in green when color is enabled.
func (c *Console) Green(s string) string { return c.color(colorGreen, s) }

// Yellow wraps s in yellow when color is enabled.
func (c *Console) Yellow(s string) string { return c.color(colorYellow, s) }

// Red wraps s in red when color is enabled.
func (c *Console) Red(s string) string { return c.color(colorRed, s) }

// Cyan wraps s in cyan when color is enabled.
func (c *Console) Cyan(s string) string { return c.color(colorCyan, s) }

// Gray wraps s in gray when color is enabled.
func (c *Console) Gray(s string) string { return c.color(colorGray, s) }

// Bold wraps s in bold when color is enabled.
func (c *Console) Bold(s string) string { return c.color(colorBold, s) }

// Status shows line as the current status. Repeating the current line is a
// no-op. On a terminal the line is rewritten in place; elsewhere each
// distinct line is printed once.
func (c *Console) Status(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open && line == c.status {
		return
	}
	c.status = line
	c.open = true
	if c.inPlace {
		fmt.Fprint(c.w, clearLine+line)
		return
	}
	fmt.Fprintln(c.w, line)
}

// Done replaces the open status line with line and ends it.
func (c *Console) Done(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStatus()
	fmt.Fprintln(c.w, line)
}

// endStatus terminates an open in-place status line. Callers hold mu.
func (c *Console) endStatus() {
	if c.open && c.inPlace {
		fmt.Fprint(c.w, clearLine)
	}
	c.open = false
	c.status = ""
}

func (c *Console) line(prefix, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endStatus()
	fmt.Fprintln(c.w, prefix+fmt.Sprintf(format, args...))
}

// Info prints a plain line.
func (c *Console) Info(format string, args ...any) {
	c.line("", format, args...)
}

// Header prints a bold section line.
func (c *Console) Header(format string, args ...any) {
	c.line("", "%s", c.Bold(fmt.Sprintf(format, args...)))
}

// Success prints a line with a green check mark.
func (c *Console) Success(format string, args ...any) {
	c.line(c.Green("✓")+" ", format, args...)
}

// Warn prints a line with a yellow warning sign.
func (c *Console) Warn(format string, args ...any) {
	c.line(c.Yellow("⚠")+" ", format, args...)
}

// Fail prints a line with a red cross.
func (c *Console) Fail(format string, args ...any) {
	c.line(c.Red("✗")+" ", format, args...)
}
