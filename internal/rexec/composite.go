package rexec

import (
	"context"

	"github.com/distr1/fleet"
)

// Composite dispatches each call to Local or SSH depending on whether
// IsLocal reports the target host as local, so that cmd/fleet can hand
// fleet.StaticConfig a single Executor covering both cases instead of
// picking per-host at every call site. Grounded on the Config.IsLocal
// contract in config.go, the same predicate internal/deploy already
// branches on for the rollback-marker write.
type Composite struct {
	IsLocal func(fleet.Host) bool
	Local   fleet.Executor
	Remote  fleet.Executor
}

// NewComposite returns a Composite backed by the given local-host predicate,
// an in-process Local executor, and an SSH executor for everything else.
func NewComposite(isLocal func(fleet.Host) bool, ssh *SSH) *Composite {
	return &Composite{IsLocal: isLocal, Local: Local{}, Remote: ssh}
}

func (c *Composite) pick(host fleet.Host) fleet.Executor {
	if c.IsLocal != nil && c.IsLocal(host) {
		return c.Local
	}
	return c.Remote
}

func (c *Composite) RunOn(ctx context.Context, host fleet.Host, cmd fleet.Command) error {
	return c.pick(host).RunOn(ctx, host, cmd)
}

func (c *Composite) RunStringOn(ctx context.Context, host fleet.Host, cmd fleet.Command) (string, error) {
	return c.pick(host).RunStringOn(ctx, host, cmd)
}

var _ fleet.Executor = (*Composite)(nil)
