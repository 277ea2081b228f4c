package fleet

import (
	"context"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Config is a read-mostly view over fleet-wide deployment configuration. It
// is immutable for the duration of a deployment run and is cheap to clone
// across per-host tasks (StaticConfig satisfies this by holding only
// already-resolved slices/maps and a shared Executor).
//
// Constructing a Config from a declarative source (evaluating Nix
// expressions into attribute paths and host lists) is outside this module's
// scope — see spec.md §1. Callers bring their own Config, typically backed
// by StaticConfig populated from an external evaluator's output.
type Config interface {
	// ListHosts returns every host known to the fleet, in the order the
	// Fleet Dispatcher should consider them (irrelevant unless HostOrder
	// constraints are configured; see StaticConfig.After).
	ListHosts() []Host

	// IsLocal reports whether host resolves to the machine this process is
	// running on. When true, the Executor runs commands in-process instead
	// of over SSH.
	IsLocal(host Host) bool

	// ShouldSkip reports whether host should be excluded from this run
	// entirely (e.g. a user-supplied --only/--skip filter upstream of this
	// module).
	ShouldSkip(host Host) bool

	// ExtraBuildArgs returns additional arguments appended to every `nix
	// build` invocation (e.g. --option substituters ...).
	ExtraBuildArgs() []string

	// ConfigurationAttrName resolves a logical attribute path suffix (e.g.
	// "buildSystems.toplevel.myhost") to the concrete build target string
	// passed to `nix build`/`nix-env`.
	ConfigurationAttrName(suffix string) string

	// Executor returns the Remote Executor shared by every per-host task.
	Executor() Executor
}

// StaticConfig is a Config backed by values fixed at construction time. It
// is the Config implementation this module ships; a future evaluator
// integration can either populate one directly or implement Config itself.
type StaticConfig struct {
	Hosts       []Host
	LocalHosts  map[Host]bool
	SkipHosts   map[Host]bool
	BuildArgs   []string
	AttrPrefix  string // prepended to every ConfigurationAttrName suffix
	Exec        Executor
	// After records optional "host A must not start until hosts B, C, ...
	// have finished" constraints. It is empty by default, matching the
	// spec's "no cross-host ordering guarantees" default; the Fleet
	// Dispatcher only waits on a host's predecessors when this is
	// non-empty for that host.
	After map[Host][]Host
}

var _ Config = (*StaticConfig)(nil)

func (c *StaticConfig) ListHosts() []Host { return c.Hosts }

func (c *StaticConfig) IsLocal(host Host) bool { return c.LocalHosts[host] }

func (c *StaticConfig) ShouldSkip(host Host) bool { return c.SkipHosts[host] }

func (c *StaticConfig) ExtraBuildArgs() []string { return c.BuildArgs }

func (c *StaticConfig) ConfigurationAttrName(suffix string) string {
	if c.AttrPrefix == "" {
		return suffix
	}
	return c.AttrPrefix + "." + suffix
}

func (c *StaticConfig) Executor() Executor { return c.Exec }

// CyclicOrderingError is returned by HostOrder when the After relation
// contains a cycle, which would otherwise deadlock the Fleet Dispatcher.
type CyclicOrderingError struct {
	Hosts []Host
}

func (e *CyclicOrderingError) Error() string {
	return xerrors.Errorf("cyclic host ordering involving %v", e.Hosts).Error()
}

type hostNode struct {
	id   int64
	host Host
}

func (n hostNode) ID() int64 { return n.id }

// HostOrder validates the After relation and returns, for each host, the set
// of hosts it must wait for. An empty After map yields an empty result for
// every host (no waits), reproducing the package default of unordered
// fan-out exactly.
//
// Modeled on internal/batch/batch.go's use of gonum's directed graph +
// topological sort to order package builds by declared dependency; here the
// "packages" are hosts and the edges are the user-declared After relation
// instead of a derived build-dependency graph.
func (c *StaticConfig) HostOrder() (map[Host][]Host, error) {
	if len(c.After) == 0 {
		return nil, nil
	}

	g := simple.NewDirectedGraph()
	nodes := make(map[Host]hostNode, len(c.Hosts))
	var nextID int64
	nodeFor := func(h Host) hostNode {
		if n, ok := nodes[h]; ok {
			return n
		}
		n := hostNode{id: nextID, host: h}
		nextID++
		nodes[h] = n
		g.AddNode(n)
		return n
	}
	for _, h := range c.Hosts {
		nodeFor(h)
	}
	for h, deps := range c.After {
		hn := nodeFor(h)
		for _, dep := range deps {
			dn := nodeFor(dep)
			// Edge direction: dependency -> dependent, so that a
			// topological sort visits dependencies first.
			g.SetEdge(g.NewEdge(dn, hn))
		}
	}

	if _, err := topo.Sort(g); err != nil {
		if uo, ok := err.(topo.Unorderable); ok {
			var hosts []Host
			for _, component := range uo {
				for _, n := range component {
					hosts = append(hosts, n.(hostNode).host)
				}
			}
			return nil, &CyclicOrderingError{Hosts: hosts}
		}
		return nil, xerrors.Errorf("sorting host order: %w", err)
	}

	waits := make(map[Host][]Host, len(c.After))
	for h, deps := range c.After {
		waits[h] = append([]Host(nil), deps...)
	}
	return waits, nil
}

// WaitForPredecessors blocks until every host in waits has a result recorded
// in done, or ctx is canceled. It is used by the Fleet Dispatcher when
// HostOrder constraints are present.
func WaitForPredecessors(ctx context.Context, waits []Host, done map[Host]<-chan struct{}) error {
	for _, w := range waits {
		ch, ok := done[w]
		if !ok {
			continue // predecessor not part of this run (e.g. skipped)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var _ graph.Node = hostNode{}
