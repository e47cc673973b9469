package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrAborted is returned when the user leaves a prompt empty or closes input.
var ErrAborted = errors.New("cli: aborted")

// Prompter reads answers from in and writes prompts to out. Secrets are read with echo
// disabled when in is a terminal.
type Prompter struct {
	in     *bufio.Reader
	out    io.Writer
	fd     int
	isTerm bool
}

// NewPrompter returns a Prompter over in and out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd, p.isTerm = int(f.Fd()), true
	}
	return p
}

// Line prompts with label and returns the trimmed answer. An empty answer or EOF
// returns ErrAborted.
func (p *Prompter) Line(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if line = strings.TrimSpace(line); line != "" {
		return line, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return "", ErrAborted
}

// Secret prompts with label and reads an answer without echo.
func (p *Prompter) Secret(label string) (string, error) {
	if !p.isTerm {
		return p.Line(label)
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("cli: read secret: %w", err)
	}
	if len(b) == 0 {
		return "", ErrAborted
	}
	return string(b), nil
}

// Lines streams the remaining input line by line until EOF or ctx is done. It is used
// by the shell once no more prompts will be issued.
func (p *Prompter) Lines(ctx context.Context) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for {
			line, err := p.in.ReadString('\n')
			if line = strings.TrimSpace(line); line != "" {
				select {
				case ch <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
