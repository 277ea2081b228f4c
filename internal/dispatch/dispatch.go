// Package dispatch implements the Fleet Dispatcher: it enumerates hosts,
// filters by skip policy, and runs one Deploy State Machine per host
// concurrently, collecting per-host outcomes without letting one host's
// failure abort the others — see spec.md §4.4.
//
// Adapted from internal/batch/batch.go's scheduler. That scheduler fans a
// fixed-size worker pool out over a dependency graph of packages, retrying
// nothing and aborting downstream packages on a failed dependency; this one
// spawns exactly one task per host (hosts have no implicit dependency graph),
// never aborts a sibling host on failure, and treats fleet.Config's optional
// HostOrder "after" constraints, when present, as a narrow per-host wait
// rather than a graph to schedule against. The live per-line status board
// and CPU/Mem trace event goroutines are kept close to the original.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/distr1/fleet"
	"github.com/distr1/fleet/internal/deploy"
	"github.com/distr1/fleet/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Outcome records one host's deploy result.
type Outcome struct {
	Host fleet.Host
	Err  error
}

// Ctx is one fleet dispatch run: the Config to enumerate hosts from, the
// Deploy State Machine every host runs, and the action passed to it.
type Ctx struct {
	Config fleet.Config
	Deploy *deploy.Ctx
	Action fleet.Action
	Log    *log.Logger
}

// orderedConfig is implemented by fleet.Config values (in practice
// *fleet.StaticConfig) that carry optional host-ordering constraints. A
// Config that doesn't implement it runs fully unordered, matching spec.md
// §4.4's default ("Ordering: none").
type orderedConfig interface {
	HostOrder() (map[fleet.Host][]fleet.Host, error)
}

// Run enumerates hosts, skips the ones ShouldSkip excludes, and runs one
// Deploy State Machine per remaining host concurrently. Per-host failures are
// captured in the returned Outcomes, never returned as Run's error; the only
// error Run returns is from validating host ordering (e.g. a
// *fleet.CyclicOrderingError), before any host starts. cmd/fleet is
// responsible for turning a failed Outcome into a nonzero process exit code.
func (c *Ctx) Run(ctx context.Context) ([]Outcome, error) {
	var hosts []fleet.Host
	for _, h := range c.Config.ListHosts() {
		if c.Config.ShouldSkip(h) {
			continue
		}
		hosts = append(hosts, h)
	}

	var waits map[fleet.Host][]fleet.Host
	if oc, ok := c.Config.(orderedConfig); ok {
		w, err := oc.HostOrder()
		if err != nil {
			return nil, err
		}
		waits = w
	}

	s := &scheduler{
		ctx:    c,
		hosts:  hosts,
		waits:  waits,
		status: make([]string, len(hosts)+1),
		done:   make(map[fleet.Host]chan struct{}, len(hosts)),
	}
	for _, h := range hosts {
		s.done[h] = make(chan struct{})
	}
	return s.run(ctx)
}

type scheduler struct {
	ctx   *Ctx
	hosts []fleet.Host
	waits map[fleet.Host][]fleet.Host
	done  map[fleet.Host]chan struct{}

	statusMu   sync.Mutex
	status     []string
	lastStatus time.Time

	outcomesMu sync.Mutex
	outcomes   []Outcome
}

var isTerminal = func() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdout.Fd()), unix.TCGETS)
	return err == nil
}()

func (s *scheduler) updateStatus(idx int, newStatus string) {
	if !isTerminal {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if diff := len(s.status[idx]) - len(newStatus); diff > 0 {
		newStatus += strings.Repeat(" ", diff) // overwrite stale characters with whitespace
	}
	s.status[idx] = newStatus
	if time.Since(s.lastStatus) < 100*time.Millisecond {
		// printing status too frequently slows down the program
		return
	}
	s.lastStatus = time.Now()
	for _, line := range s.status {
		fmt.Println(line)
	}
	fmt.Printf("\033[%dA", len(s.status)) // restore cursor position
}

func (s *scheduler) recordOutcome(o Outcome) {
	s.outcomesMu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.outcomesMu.Unlock()
}

func (s *scheduler) run(ctx context.Context) ([]Outcome, error) {
	eg, ctx := errgroup.WithContext(ctx)
	const freq = 1 * time.Second
	traceCtx, cancelTrace := context.WithCancel(ctx)
	defer cancelTrace()
	go func() {
		if err := trace.CPUEvents(traceCtx, freq); err != nil && traceCtx.Err() == nil {
			s.ctx.Log.Println(err)
		}
	}()
	go func() {
		if err := trace.MemEvents(traceCtx, freq); err != nil && traceCtx.Err() == nil {
			s.ctx.Log.Println(err)
		}
	}()

	doneReadOnly := make(map[fleet.Host]<-chan struct{}, len(s.done))
	for h, ch := range s.done {
		doneReadOnly[h] = ch
	}

	for i, h := range s.hosts {
		i, h := i, h
		eg.Go(func() error {
			defer close(s.done[h])

			if err := ctx.Err(); err != nil {
				s.recordOutcome(Outcome{Host: h, Err: err})
				return nil
			}

			if waits := s.waits[h]; len(waits) > 0 {
				s.updateStatus(i+1, fmt.Sprintf("%s: waiting for %v", h, waits))
				if err := fleet.WaitForPredecessors(ctx, waits, doneReadOnly); err != nil {
					s.recordOutcome(Outcome{Host: h, Err: err})
					return nil
				}
			}

			hostLog := log.New(s.ctx.Log.Writer(), fmt.Sprintf("[%s] ", h), s.ctx.Log.Flags())
			s.updateStatus(i+1, fmt.Sprintf("%s: deploying", h))

			begin := trace.Event(fmt.Sprintf("%s deploy", h), i)
			begin.Type = "B"
			begin.Done()

			err := s.ctx.Deploy.Deploy(ctx, h, s.ctx.Action, hostLog, i)

			end := trace.Event(fmt.Sprintf("%s deploy", h), i)
			end.Type = "E"
			end.Done()

			if err != nil {
				hostLog.Printf("deploy failed: %v", err)
				s.updateStatus(i+1, fmt.Sprintf("%s: failed (%v)", h, err))
			} else {
				s.updateStatus(i+1, fmt.Sprintf("%s: done", h))
			}
			s.recordOutcome(Outcome{Host: h, Err: err})
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	succeeded := 0
	for _, o := range s.outcomes {
		if o.Err == nil {
			succeeded++
		}
	}
	s.ctx.Log.Printf("%d of %d hosts succeeded", succeeded, len(s.outcomes))

	return s.outcomes, nil
}
