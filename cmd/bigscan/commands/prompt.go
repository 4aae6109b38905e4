package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// prompter asks the operator for missing input. It only prompts when stdin
// is a terminal.
type prompter struct {
	in          *bufio.Reader
	out         io.Writer
	fd          int
	interactive bool
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	fd := int(in.Fd())
	return &prompter{
		in:          bufio.NewReader(in),
		out:         out,
		fd:          fd,
		interactive: isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()),
	}
}

func (p *prompter) Interactive() bool {
	return p.interactive
}

// Line reads one trimmed line.
func (p *prompter) Line(label string) (string, error) {
	if !p.interactive {
		return "", errors.New("no terminal to prompt on")
	}
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Wrap(err, "failed to read input")
	}
	return strings.TrimSpace(line), nil
}

// Password reads a line without echo.
func (p *prompter) Password(label string) (string, error) {
	if !p.interactive {
		return "", errors.New("no terminal to prompt on")
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", errors.Wrap(err, "failed to read password")
	}
	return string(b), nil
}

// Confirm asks a yes/no question. Anything but y or yes is no.
func (p *prompter) Confirm(label string) bool {
	answer, err := p.Line(label)
	if err != nil {
		return false
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}
