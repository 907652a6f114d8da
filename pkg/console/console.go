// Package console is the line-oriented terminal surface of the camera and
// viewer CLIs.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Console serializes output from the REPL and from async callbacks.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// New creates a Console writing to out.
func New(out io.Writer) *Console {
	return &Console{out: out}
}

// Printf writes one formatted line.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
	if !strings.HasSuffix(format, "\n") {
		fmt.Fprintln(c.out)
	}
}

// Status writes a status line.
func (c *Console) Status(msg string) {
	c.Printf("* %s", msg)
}

// Command is one parsed input line.
type Command struct {
	Name string
	Args []string
}

// Handler runs a command. Returning quit ends the REPL.
type Handler func(ctx context.Context, cmd Command) (quit bool, err error)

// REPL reads commands from in until ctx is done or a handler quits. End of
// input does not stop it: a camera started without a terminal keeps
// serving until it is signalled. Handler errors are printed, not returned.
func (c *Console) REPL(ctx context.Context, in io.Reader, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			cmd := Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}
			quit, err := handle(ctx, cmd)
			if err != nil {
				c.Printf("Error: %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}
