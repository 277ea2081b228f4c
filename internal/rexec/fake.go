package rexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/distr1/fleet"
)

// Call records one RunOn/RunStringOn invocation, for assertions against the
// exact command sequences spec.md §8 scenarios S1-S6 specify.
type Call struct {
	Host    fleet.Host
	Command fleet.Command
	Capture bool
}

func (c Call) String() string {
	return fmt.Sprintf("%s: %s %v (elevate=%v capture=%v)", c.Host, c.Command.Program, c.Command.Args, c.Command.Elevate, c.Capture)
}

// Response is what Fake returns for one queued or pattern-matched call.
type Response struct {
	Stdout string
	Err    error
}

// Fake is an in-memory fleet.Executor for tests. Responses are looked up by
// exact (host, program) match via Handlers; calls are always recorded in
// Calls regardless of whether a handler matched.
type Fake struct {
	mu       sync.Mutex
	Calls    []Call
	Handlers map[string]func(Call) Response // key: host+" "+program
}

func NewFake() *Fake {
	return &Fake{Handlers: make(map[string]func(Call) Response)}
}

// On registers a handler for every call to program on host.
func (f *Fake) On(host fleet.Host, program string, fn func(Call) Response) {
	f.Handlers[string(host)+" "+program] = fn
}

// do records the call and runs the (host, program) handler; when no handler
// matches, the call succeeds with empty stdout.
func (f *Fake) do(host fleet.Host, cmd fleet.Command, capture bool) (string, error) {
	call := Call{Host: host, Command: cmd, Capture: capture}
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	handler := f.Handlers[string(host)+" "+cmd.Program]
	f.mu.Unlock()

	if handler == nil {
		return "", nil
	}
	resp := handler(call)
	return resp.Stdout, resp.Err
}

func (f *Fake) RunOn(ctx context.Context, host fleet.Host, cmd fleet.Command) error {
	_, err := f.do(host, cmd, false)
	return err
}

func (f *Fake) RunStringOn(ctx context.Context, host fleet.Host, cmd fleet.Command) (string, error) {
	return f.do(host, cmd, true)
}

// Sequence returns the recorded calls as "host:program" strings, in call
// order, for compact assertions.
func (f *Fake) Sequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = fmt.Sprintf("%s:%s", c.Host, c.Command.Program)
	}
	return out
}

var _ fleet.Executor = (*Fake)(nil)
