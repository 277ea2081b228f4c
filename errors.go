package fleet

import (
	"fmt"
	"strings"
)

// TransportError means the Remote Executor could not reach the host at all
// (SSH dial/handshake/session-setup failure). It carries no exit code
// because the remote command never ran.
type TransportError struct {
	Host Host
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error talking to %s: %v", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NonZeroExit means the remote (or local) command ran and exited with a
// non-zero status. Stderr is truncated to a bounded tail so that a runaway
// command cannot balloon an error value.
type NonZeroExit struct {
	Host   Host
	Argv   []string
	Code   int
	Stderr string
}

const stderrTailLines = 20

func (e *NonZeroExit) Error() string {
	return fmt.Sprintf("%v on %s: exit code %d: %s", e.Argv, e.Host, e.Code, e.Stderr)
}

// TailStderr truncates s to at most stderrTailLines trailing lines, matching
// the bounded-error-surface convention used elsewhere in this repository's
// build tooling (full logs go to a file; the error carries only a tail).
func TailStderr(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= stderrTailLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-stderrTailLines:], "\n")
}

// SpawnError means a local command could not even be started (e.g. the
// binary was not found in $PATH).
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not start %v: %v", e.Argv, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
