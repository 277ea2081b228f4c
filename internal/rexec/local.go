// Package rexec implements the fleet.Executor contract: running a
// fleet.Command either in-process (Local) or over SSH (SSH), matching
// spec.md §4.1/§6's "run_on / run_string_on, decided by the Executor based
// on whether the host is local" contract.
package rexec

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/distr1/fleet"
	"golang.org/x/xerrors"
)

// Local runs commands in-process via os/exec, for hosts Config.IsLocal
// reports as local. Modeled on cmd/autobuilder/autobuilder.go's
// exec.CommandContext usage and cmd/distri/pack.go's elevate-via-sudo
// wrapping.
type Local struct{}

func (Local) argv(cmd fleet.Command) []string {
	if !cmd.Elevate {
		return append([]string{cmd.Program}, cmd.Args...)
	}
	return append([]string{"sudo", "-n", cmd.Program}, cmd.Args...)
}

func (l Local) RunOn(ctx context.Context, host fleet.Host, cmd fleet.Command) error {
	argv := l.argv(cmd)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return classifyLocalErr(host, argv, &stderr, err)
	}
	return nil
}

func (l Local) RunStringOn(ctx context.Context, host fleet.Host, cmd fleet.Command) (string, error) {
	argv := l.argv(cmd)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return "", classifyLocalErr(host, argv, &stderr, err)
	}
	return stdout.String(), nil
}

func classifyLocalErr(host fleet.Host, argv []string, stderr *bytes.Buffer, err error) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &fleet.NonZeroExit{
			Host:   host,
			Argv:   argv,
			Code:   exitErr.ExitCode(),
			Stderr: fleet.TailStderr(stderr.String()),
		}
	}
	return &fleet.SpawnError{Argv: argv, Err: xerrors.Errorf("spawn %v: %w", argv, err)}
}

var _ fleet.Executor = Local{}
