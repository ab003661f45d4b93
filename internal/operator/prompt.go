package operator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// Prompt is the terminal operator for interactive runs. It prints each
// escalation and turns lines read from its input into replies.
type Prompt struct {
	broker *Broker
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
}

// NewPrompt creates a prompt over in and out. Register Show on the broker
// with WithNotifier, then call Run.
func NewPrompt(b *Broker, in io.Reader, out io.Writer) *Prompt {
	return &Prompt{broker: b, in: in, out: out}
}

// Show prints e with its reply options.
func (p *Prompt) Show(e state.Escalation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "\nESCALATION %s: %s\n", e.ID, e.Reason)
	for _, ev := range e.Evidence {
		fmt.Fprintf(p.out, "  - %s\n", ev)
	}
	opts := make([]string, len(e.Options))
	for i, o := range e.Options {
		opts[i] = string(o)
	}
	fmt.Fprintf(p.out, "reply [%s]: ", strings.Join(opts, "/"))
}

// Run reads replies until the input ends or ctx is done. Lines typed with
// nothing pending are reported and ignored.
func (p *Prompt) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			p.handle(line)
		}
	}
}

func (p *Prompt) handle(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	reply, err := state.ParseReply(line)
	if err != nil {
		fmt.Fprintf(p.out, "%v\nreply: ", err)
		return
	}
	if err := p.broker.Reply("", reply); err != nil {
		if errors.Is(err, ErrNoEscalation) {
			fmt.Fprintln(p.out, "nothing to reply to")
			return
		}
		fmt.Fprintf(p.out, "%v\n", err)
	}
}
