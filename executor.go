package fleet

import "context"

// Executor is the Remote Executor contract this module consumes. It is
// implemented by internal/rexec (Local, for the host-is-local case, and SSH,
// for everything else); callers needing a fake for tests implement it too.
//
// Host is passed on every call rather than baked into the Executor at
// construction time, so that a single Executor can serve many hosts — the
// Fleet Dispatcher shares one Config (and therefore one Executor) across all
// per-host deploy tasks.
type Executor interface {
	// RunOn executes cmd on host, discarding stdout, and returns nil iff the
	// command exited zero. A non-zero exit yields *NonZeroExit; an inability
	// to reach the host yields *TransportError; a local spawn failure yields
	// *SpawnError.
	RunOn(ctx context.Context, host Host, cmd Command) error

	// RunStringOn executes cmd on host and returns its captured stdout,
	// decoded as UTF-8, on success. Error behavior matches RunOn.
	RunStringOn(ctx context.Context, host Host, cmd Command) (string, error)
}
