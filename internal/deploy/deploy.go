// Package deploy implements the per-host Deploy State Machine: build,
// upload, arm rollback, switch profile, activate, finalize (confirm or
// trigger rollback), disarm — see spec.md §4.3.
//
// Modeled on internal/install/install.go's Ctx-plus-phase-methods shape
// (configuration fields up top, one method per logical step, errors
// wrapped with golang.org/x/xerrors) and internal/build/build.go's
// temp-out-link-then-canonicalize build pattern.
package deploy

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/distr1/fleet"
	"github.com/distr1/fleet/internal/generation"
	"github.com/distr1/fleet/internal/trace"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

const (
	rollbackMarkerPath = "/etc/fleet_rollback_marker"
	deployLockPath     = "/etc/fleet_deploy.lock"
	systemProfile      = "/nix/var/nix/profiles/system"

	uploadRetries    = 3
	uploadRetryDelay = 5 * time.Second
)

// Ctx is a deploy context, containing configuration shared across every
// host's deploy task (itself shared via the fleet.Config it wraps).
type Ctx struct {
	Config          fleet.Config
	DisableRollback bool
	PrivilegedBuild bool
	FailFast        bool // only meaningful for Package actions: omit --keep-going

	// RollbackMarkerPath and DeployLockPath override the default remote
	// paths (rollbackMarkerPath, deployLockPath) when non-empty. Tests set these to a scratch directory so
	// that a local-host run's direct filesystem write (writeRollbackMarkerLocal)
	// never touches the real /etc.
	RollbackMarkerPath string
	DeployLockPath     string

	// UploadRetryDelay overrides uploadRetryDelay when non-zero; tests set
	// this to keep the retry-exhaustion scenario fast.
	UploadRetryDelay time.Duration
}

func (c *Ctx) markerPath() string {
	if c.RollbackMarkerPath != "" {
		return c.RollbackMarkerPath
	}
	return rollbackMarkerPath
}

func (c *Ctx) lockPath() string {
	if c.DeployLockPath != "" {
		return c.DeployLockPath
	}
	return deployLockPath
}

func (c *Ctx) retryDelay() time.Duration {
	if c.UploadRetryDelay != 0 {
		return c.UploadRetryDelay
	}
	return uploadRetryDelay
}

// ErrRollbackMarkerExists is returned when a rollback marker from a
// previous, presumably aborted, deploy is already present on the host.
// Resolves spec.md §9's open question in favor of failing fast, before the
// (expensive) build step, rather than building only to immediately latch
// into an unconditional rollback.
type ErrRollbackMarkerExists struct{ Host fleet.Host }

func (e *ErrRollbackMarkerExists) Error() string {
	return fmt.Sprintf("%s: rollback marker already present; a previous deploy may have been interrupted", e.Host)
}

// ErrDeployLocked is returned when another deploy already holds the
// advisory lock for this host. Resolves spec.md §9's "no lockfile" gap.
type ErrDeployLocked struct{ Host fleet.Host }

func (e *ErrDeployLocked) Error() string {
	return fmt.Sprintf("%s: deploy lock already held", e.Host)
}

// Deploy runs action against host. tid identifies this host's slot for
// trace event attribution (see internal/trace), matching
// internal/batch/batch.go's per-worker trace tid convention.
func (c *Ctx) Deploy(ctx context.Context, host fleet.Host, action fleet.Action, logger *log.Logger, tid int) error {
	switch action.Kind {
	case fleet.ActionUpload:
		return c.deployUpload(ctx, host, action.UploadMode, logger, tid)
	case fleet.ActionPackage:
		return c.deployPackage(ctx, host, action.PackageKind, logger, tid)
	default:
		return xerrors.Errorf("unknown action kind %d", action.Kind)
	}
}

func (c *Ctx) exec() fleet.Executor { return c.Config.Executor() }

// phase wraps fn in a Chrome trace duration event named "<host> <name>" on
// tid's track, matching internal/trace's Event-then-defer-Done convention
// used elsewhere in this repository for build-step profiling.
func (c *Ctx) phase(host fleet.Host, tid int, name string, fn func() error) error {
	ev := trace.Event(fmt.Sprintf("%s %s", host, name), tid)
	defer ev.Done()
	return fn()
}

// deployUpload implements spec.md §4.3.1.
func (c *Ctx) deployUpload(ctx context.Context, host fleet.Host, mode fleet.UploadMode, logger *log.Logger, tid int) error {
	hasMode := mode != fleet.UploadOnly
	acquireLock := hasMode && !c.DisableRollback

	if acquireLock {
		if err := c.phase(host, tid, "preflight", func() error {
			return c.preflight(ctx, host, logger)
		}); err != nil {
			return err
		}
		// The lock must be released on every exit path from here on, not
		// just the successful-deploy path through disarm — otherwise a
		// build or upload failure leaves it held forever and permanently
		// locks this host out of redeploys (ErrDeployLocked).
		defer func() {
			c.phase(host, tid, "unlock", func() error {
				c.releaseLock(ctx, host, logger)
				return nil
			})
		}()
	}

	var built string
	if err := c.phase(host, tid, "build", func() error {
		var err error
		built, err = c.build(ctx, host, fleet.UploadAction(mode), logger)
		return err
	}); err != nil {
		return err
	}

	if !c.Config.IsLocal(host) {
		if err := c.phase(host, tid, "upload", func() error {
			return c.upload(ctx, host, built, logger)
		}); err != nil {
			return err
		}
	}

	if !hasMode {
		return nil
	}

	failed := false

	if !c.DisableRollback {
		c.phase(host, tid, "arm-rollback", func() error {
			if err := c.armRollback(ctx, host, mode, logger); err != nil {
				logger.Printf("arm rollback: %v", err)
				failed = true
			}
			return nil
		})
	}

	if mode.ShouldSwitchProfile() && !failed {
		err := c.phase(host, tid, "switch-profile", func() error {
			return c.switchProfile(ctx, host, built)
		})
		if err != nil {
			logger.Printf("failed to switch generation: %v", err)
			failed = true
		}
	}

	if mode.ShouldActivate() && !failed {
		err := c.phase(host, tid, "activate", func() error {
			return c.activate(ctx, host, built, mode)
		})
		if err != nil {
			logger.Printf("failed to activate: %v", err)
			failed = true
		}
	}

	if !c.DisableRollback {
		c.phase(host, tid, "finalize", func() error {
			c.finalize(ctx, host, failed, logger)
			return nil
		})
		c.phase(host, tid, "disarm", func() error {
			c.disarm(ctx, host, mode, logger)
			return nil
		})
	}

	return nil
}

// preflight fails fast, before Build, if a previous deploy left a rollback
// marker behind or still holds the advisory deploy lock.
func (c *Ctx) preflight(ctx context.Context, host fleet.Host, logger *log.Logger) error {
	exists, err := remoteFileExists(ctx, c.exec(), host, c.markerPath())
	if err != nil {
		return xerrors.Errorf("checking for pre-existing rollback marker: %w", err)
	}
	if exists {
		return &ErrRollbackMarkerExists{Host: host}
	}

	lockCmd := fleet.NewCommand("mkdir").Arg(c.lockPath()).Sudo().Build()
	if err := c.exec().RunOn(ctx, host, lockCmd); err != nil {
		if _, ok := err.(*fleet.NonZeroExit); ok {
			return &ErrDeployLocked{Host: host}
		}
		return xerrors.Errorf("acquiring deploy lock: %w", err)
	}
	return nil
}

func remoteFileExists(ctx context.Context, exec fleet.Executor, host fleet.Host, path string) (bool, error) {
	cmd := fleet.NewCommand("test").Arg("-e").Arg(path).Build()
	err := exec.RunOn(ctx, host, cmd)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*fleet.NonZeroExit); ok {
		return false, nil
	}
	return false, err
}

// build runs `nix build` into a fresh out-link and returns the canonicalized
// store path. Grounded on internal/build/build.go's temp-dir-out-link,
// then-canonicalize pattern.
func (c *Ctx) build(ctx context.Context, host fleet.Host, action fleet.Action, logger *log.Logger) (string, error) {
	tmpDir, err := ioutil.TempDir("", "fleet-build")
	if err != nil {
		return "", xerrors.Errorf("creating build tempdir: %w", err)
	}
	outLink := filepath.Join(tmpDir, "result")

	b := fleet.NewCommand("nix").
		Args("build", "--impure", "--json", "--no-link", "--option", "log-lines", "200").
		ComparableArg("--out-link", outLink).
		Arg(c.Config.ConfigurationAttrName(action.BuildAttrSuffix(host))).
		Args(c.Config.ExtraBuildArgs()...)
	if c.PrivilegedBuild {
		b.Sudo()
	}

	if err := c.exec().RunOn(ctx, host, b.Build()); err != nil {
		return "", xerrors.Errorf("build: %w", err)
	}

	canon, err := filepath.EvalSymlinks(outLink)
	if err != nil {
		return "", xerrors.Errorf("canonicalizing build output: %w", err)
	}
	return canon, nil
}

// upload copies the closure to host, retrying transient failures.
// Grounded on spec.md §4.3.1 step 2 and this repository's general
// retry-with-fixed-delay convention for the single most flaky remote step.
func (c *Ctx) upload(ctx context.Context, host fleet.Host, storePath string, logger *log.Logger) error {
	cmd := fleet.NewCommand("nix").
		Arg("copy").
		Arg("--substitute-on-destination").
		ComparableArg("--to", "ssh://root@"+string(host)).
		Arg(storePath).
		Build()

	var lastErr error
	for attempt := 0; attempt <= uploadRetries; attempt++ {
		lastErr = c.exec().RunOn(ctx, host, cmd)
		if lastErr == nil {
			return nil
		}
		if attempt < uploadRetries {
			logger.Printf("copy failure (%d/%d): %v", attempt+1, uploadRetries, lastErr)
			select {
			case <-time.After(c.retryDelay()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return xerrors.Errorf("upload failed after %d attempts: %w", uploadRetries+1, lastErr)
}

// armRollback inspects the current generation, writes the rollback marker
// and, for modes that request it, arms the independent watchdog timer.
// Every failure here is latch-and-continue: the caller sets `failed` and
// keeps going to Finalize/Disarm.
func (c *Ctx) armRollback(ctx context.Context, host fleet.Host, mode fleet.UploadMode, logger *log.Logger) error {
	gen, err := generation.GetCurrentGeneration(ctx, c.exec(), host, logger)
	if err != nil {
		return xerrors.Errorf("inspecting current generation: %w", err)
	}
	logger.Printf("rollback target would be %d %s", gen.ID, gen.DateTime)

	if err := c.writeRollbackMarker(ctx, host, gen.ID); err != nil {
		return xerrors.Errorf("writing rollback marker: %w", err)
	}

	if mode.ShouldScheduleRollbackRun() {
		cmd := fleet.NewCommand("systemd-run").
			ComparableArg("--on-active", "3min").
			ComparableArg("--unit", "rollback-watchdog-run").
			Arg("systemctl").Arg("start").Arg("rollback-watchdog.service").
			Sudo().Build()
		if err := c.exec().RunOn(ctx, host, cmd); err != nil {
			return xerrors.Errorf("scheduling rollback run: %w", err)
		}
	}
	return nil
}

func (c *Ctx) writeRollbackMarker(ctx context.Context, host fleet.Host, id uint32) error {
	if c.Config.IsLocal(host) {
		return writeRollbackMarkerLocal(c.markerPath(), id)
	}
	script := fmt.Sprintf(
		"mark=$(mktemp -p %s -t fleet_rollback_marker.XXXXX) && echo -n %d > $mark && mv --no-clobber $mark %s",
		filepath.Dir(c.markerPath()), id, c.markerPath())
	cmd := fleet.NewCommand("sh").Arg("-c").Arg(script).Sudo().Build()
	return c.exec().RunOn(ctx, host, cmd)
}

// writeRollbackMarkerLocal implements the same atomic-write-then-no-clobber
// rename as the remote shell pipeline, using github.com/google/renameio to
// get a temp file guaranteed to live on the same filesystem as the target
// (a precondition for the hardlink-based no-clobber trick to be atomic).
func writeRollbackMarkerLocal(markerPath string, id uint32) error {
	t, err := renameio.TempFile("", markerPath)
	if err != nil {
		return xerrors.Errorf("creating marker tempfile: %w", err)
	}
	defer t.Cleanup()

	if _, err := t.Write([]byte(fmt.Sprintf("%d", id))); err != nil {
		return xerrors.Errorf("writing marker tempfile: %w", err)
	}
	if err := t.Sync(); err != nil {
		return xerrors.Errorf("syncing marker tempfile: %w", err)
	}

	if err := os.Link(t.Name(), markerPath); err != nil {
		return xerrors.Errorf("mv --no-clobber equivalent (link) failed, marker may already exist: %w", err)
	}
	return nil
}

func (c *Ctx) switchProfile(ctx context.Context, host fleet.Host, builtPath string) error {
	cmd := fleet.NewCommand("nix-env").
		ComparableArg("--profile", systemProfile).
		ComparableArg("--set", builtPath).
		Sudo().Build()
	return c.exec().RunOn(ctx, host, cmd)
}

func (c *Ctx) activate(ctx context.Context, host fleet.Host, builtPath string, mode fleet.UploadMode) error {
	script := filepath.Join(builtPath, "bin", "switch-to-configuration")
	cmd := fleet.NewCommand(script).Arg(mode.ActivationName()).Sudo().Build()
	return c.exec().RunOn(ctx, host, cmd)
}

// finalize either triggers the watchdog (failed deploy) or removes the
// marker (successful deploy) so the watchdog becomes a no-op.
func (c *Ctx) finalize(ctx context.Context, host fleet.Host, failed bool, logger *log.Logger) {
	if failed {
		cmd := fleet.NewCommand("systemctl").Arg("start").Arg("rollback-watchdog.service").Sudo().Build()
		if err := c.exec().RunOn(ctx, host, cmd); err != nil {
			logger.Printf("failed to trigger rollback: %v", err)
		}
		return
	}
	cmd := fleet.NewCommand("rm").Arg("-f").Arg(c.markerPath()).Sudo().Build()
	if err := c.exec().RunOn(ctx, host, cmd); err != nil {
		logger.Printf("failed to remove rollback marker; host will be rolled back by watchdog despite success: %v", err)
	}
}

// disarm stops the watchdog timers (and, for modes that scheduled one, the
// independent rollback-run timer). Releasing the advisory deploy lock is
// handled separately by releaseLock, deferred in deployUpload, since the
// lock must come off on failure paths that never reach disarm.
func (c *Ctx) disarm(ctx context.Context, host fleet.Host, mode fleet.UploadMode, logger *log.Logger) {
	stopTimer := fleet.NewCommand("systemctl").Arg("stop").Arg("rollback-watchdog.timer").Sudo().Build()
	_ = c.exec().RunOn(ctx, host, stopTimer) // expected to fail when no reboot occurred yet

	if mode.ShouldScheduleRollbackRun() {
		stopRunTimer := fleet.NewCommand("systemctl").Arg("stop").Arg("rollback-watchdog-run.timer").Sudo().Build()
		if err := c.exec().RunOn(ctx, host, stopRunTimer); err != nil {
			logger.Printf("failed to disarm rollback run: %v", err)
		}
	}
}

// releaseLock drops the advisory deploy lock acquired in preflight. Errors
// are logged, not fatal, matching the rest of disarm's best-effort cleanup.
func (c *Ctx) releaseLock(ctx context.Context, host fleet.Host, logger *log.Logger) {
	unlock := fleet.NewCommand("rmdir").Arg(c.lockPath()).Sudo().Build()
	if err := c.exec().RunOn(ctx, host, unlock); err != nil {
		logger.Printf("failed to release deploy lock: %v", err)
	}
}

// deployPackage implements spec.md §4.3.2: a pure build, no upload, no
// activation, no rollback interaction.
func (c *Ctx) deployPackage(ctx context.Context, host fleet.Host, kind fleet.PackageKind, logger *log.Logger, tid int) error {
	return c.phase(host, tid, "build-package", func() error {
		cwd, err := os.Getwd()
		if err != nil {
			return xerrors.Errorf("getwd: %w", err)
		}
		out := filepath.Join(cwd, kind.OutputPrefix()+"-"+string(host))

		b := fleet.NewCommand("nix").
			Args("build", "--impure", "--no-link").
			ComparableArg("--out-link", out).
			Arg(c.Config.ConfigurationAttrName(fleet.PackageAction(kind).BuildAttrSuffix(host))).
			Args(c.Config.ExtraBuildArgs()...)
		if !c.FailFast {
			b.Arg("--keep-going")
		}
		if c.PrivilegedBuild {
			b.Sudo()
		}

		if err := c.exec().RunOn(ctx, host, b.Build()); err != nil {
			if kind == fleet.SdImage {
				logger.Printf("sd-image build failed")
				logger.Printf("make sure the declarative configuration imports the sd-image installer module for this host's architecture")
			}
			return xerrors.Errorf("building %s: %w", kind, err)
		}
		logger.Printf("built %s to %s", kind, out)
		return nil
	})
}
