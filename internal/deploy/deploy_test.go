package deploy_test

import (
	"context"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distr1/fleet"
	"github.com/distr1/fleet/internal/deploy"
	"github.com/distr1/fleet/internal/rexec"
	"github.com/google/go-cmp/cmp"
)

func testLogger() *log.Logger {
	return log.New(ioutil.Discard, "", 0)
}

// argAfter returns the value following flag in args, or "" if absent.
func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func contains(args []string, needle string) bool {
	for _, a := range args {
		if a == needle {
			return true
		}
	}
	return false
}

// buildHandler fakes `nix build --out-link <path> ...` by symlinking path to
// storeDir, so that the caller's filepath.EvalSymlinks succeeds exactly as it
// would against a real Nix store.
func buildHandler(storeDir string) func(rexec.Call) rexec.Response {
	return func(call rexec.Call) rexec.Response {
		if len(call.Command.Args) == 0 || call.Command.Args[0] != "build" {
			return rexec.Response{}
		}
		outLink := argAfter(call.Command.Args, "--out-link")
		if outLink != "" {
			os.Symlink(storeDir, outLink)
		}
		return rexec.Response{}
	}
}

// markerAbsent fakes `test -e <marker>` for a host with no pre-existing
// rollback marker (exit 1, same as the real test(1) utility).
func markerAbsent(host fleet.Host) rexec.Response {
	return rexec.Response{Err: &fleet.NonZeroExit{Host: host, Argv: []string{"test"}, Code: 1}}
}

func newStoreDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

// S1: switch, host h1 (remote), rollback enabled, everything succeeds.
func TestDeployUpload_S1_SwitchSucceeds(t *testing.T) {
	store := newStoreDir(t)
	activateScript := filepath.Join(store, "bin", "switch-to-configuration")

	fake := rexec.NewFake()
	fake.On("h1", "test", func(rexec.Call) rexec.Response { return markerAbsent("h1") })
	fake.On("h1", "nix", buildHandler(store))
	fake.On("h1", "nix-env", func(call rexec.Call) rexec.Response {
		if contains(call.Command.Args, "--list-generations") {
			return rexec.Response{Stdout: "42 2024-01-01 12:00:00 (current)"}
		}
		return rexec.Response{}
	})
	fake.On("h1", activateScript, func(rexec.Call) rexec.Response { return rexec.Response{} })

	cfg := &fleet.StaticConfig{Hosts: []fleet.Host{"h1"}, Exec: fake}
	ctx := &deploy.Ctx{Config: cfg}

	if err := ctx.Deploy(context.Background(), "h1", fleet.UploadAction(fleet.Switch), testLogger(), 0); err != nil {
		t.Fatalf("Deploy() = %v, want nil", err)
	}

	want := []string{
		"h1:test", "h1:mkdir",
		"h1:nix", "h1:nix",
		"h1:nix-env", "h1:sh", "h1:systemd-run",
		"h1:nix-env", "h1:" + activateScript,
		"h1:rm", "h1:systemctl", "h1:systemctl", "h1:rmdir",
	}
	if diff := cmp.Diff(want, fake.Sequence()); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
	}
}

// S2: test, host h2, activation fails. Deploy still reports success (the
// failure is logged and latched, not propagated) but RemoveMarker is skipped
// in favor of starting the rollback service.
func TestDeployUpload_S2_ActivationFails(t *testing.T) {
	store := newStoreDir(t)
	activateScript := filepath.Join(store, "bin", "switch-to-configuration")

	fake := rexec.NewFake()
	fake.On("h2", "test", func(rexec.Call) rexec.Response { return markerAbsent("h2") })
	fake.On("h2", "nix", buildHandler(store))
	fake.On("h2", "nix-env", func(call rexec.Call) rexec.Response {
		if contains(call.Command.Args, "--list-generations") {
			return rexec.Response{Stdout: "17 2024-02-02 08:00:00 (current)"}
		}
		return rexec.Response{}
	})
	fake.On("h2", activateScript, func(rexec.Call) rexec.Response {
		return rexec.Response{Err: &fleet.NonZeroExit{Host: "h2", Argv: []string{activateScript, "test"}, Code: 1, Stderr: "activation failed"}}
	})

	cfg := &fleet.StaticConfig{Hosts: []fleet.Host{"h2"}, Exec: fake}
	ctx := &deploy.Ctx{Config: cfg}

	if err := ctx.Deploy(context.Background(), "h2", fleet.UploadAction(fleet.Test), testLogger(), 0); err != nil {
		t.Fatalf("Deploy() = %v, want nil (activation failure is latched, not returned)", err)
	}

	want := []string{
		"h2:test", "h2:mkdir",
		"h2:nix", "h2:nix",
		"h2:nix-env", "h2:sh", "h2:systemd-run",
		"h2:" + activateScript,
		"h2:systemctl", "h2:systemctl", "h2:systemctl", "h2:rmdir",
	}
	if diff := cmp.Diff(want, fake.Sequence()); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
	}
}

// S3: boot, host h3, disable_rollback. No activation, no watchdog work.
func TestDeployUpload_S3_BootDisableRollback(t *testing.T) {
	store := newStoreDir(t)

	fake := rexec.NewFake()
	fake.On("h3", "nix", buildHandler(store))

	cfg := &fleet.StaticConfig{Hosts: []fleet.Host{"h3"}, Exec: fake}
	ctx := &deploy.Ctx{Config: cfg, DisableRollback: true}

	if err := ctx.Deploy(context.Background(), "h3", fleet.UploadAction(fleet.Boot), testLogger(), 0); err != nil {
		t.Fatalf("Deploy() = %v, want nil", err)
	}

	want := []string{"h3:nix", "h3:nix", "h3:nix-env"}
	if diff := cmp.Diff(want, fake.Sequence()); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
	}
}

// S4: upload, host h4, no mode. Build and copy only.
func TestDeployUpload_S4_UploadOnly(t *testing.T) {
	store := newStoreDir(t)

	fake := rexec.NewFake()
	fake.On("h4", "nix", buildHandler(store))

	cfg := &fleet.StaticConfig{Hosts: []fleet.Host{"h4"}, Exec: fake}
	ctx := &deploy.Ctx{Config: cfg}

	if err := ctx.Deploy(context.Background(), "h4", fleet.UploadAction(fleet.UploadOnly), testLogger(), 0); err != nil {
		t.Fatalf("Deploy() = %v, want nil", err)
	}

	want := []string{"h4:nix", "h4:nix"}
	if diff := cmp.Diff(want, fake.Sequence()); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
	}
}

// S5: switch, host "local" where IsLocal holds. Copy is skipped; the
// rollback marker is written directly to the filesystem rather than via a
// remote shell command.
func TestDeployUpload_S5_LocalHostSkipsCopy(t *testing.T) {
	store := newStoreDir(t)
	activateScript := filepath.Join(store, "bin", "switch-to-configuration")
	markerPath := filepath.Join(t.TempDir(), "rollback-marker")

	fake := rexec.NewFake()
	fake.On("local", "test", func(rexec.Call) rexec.Response { return markerAbsent("local") })
	fake.On("local", "nix", buildHandler(store))
	fake.On("local", "nix-env", func(call rexec.Call) rexec.Response {
		if contains(call.Command.Args, "--list-generations") {
			return rexec.Response{Stdout: "7 2024-03-03 09:00:00 (current)"}
		}
		return rexec.Response{}
	})
	fake.On("local", activateScript, func(rexec.Call) rexec.Response { return rexec.Response{} })

	cfg := &fleet.StaticConfig{
		Hosts:      []fleet.Host{"local"},
		LocalHosts: map[fleet.Host]bool{"local": true},
		Exec:       fake,
	}
	ctx := &deploy.Ctx{Config: cfg, RollbackMarkerPath: markerPath}

	if err := ctx.Deploy(context.Background(), "local", fleet.UploadAction(fleet.Switch), testLogger(), 0); err != nil {
		t.Fatalf("Deploy() = %v, want nil", err)
	}

	// No "nix copy" in the sequence, and no "sh" marker-write command either
	// (the local path bypasses the executor for that one step).
	want := []string{
		"local:test", "local:mkdir",
		"local:nix", // build only, no second nix call for copy
		"local:nix-env", "local:systemd-run",
		"local:nix-env", "local:" + activateScript,
		"local:rm", "local:systemctl", "local:systemctl", "local:rmdir",
	}
	if diff := cmp.Diff(want, fake.Sequence()); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(markerPath); err != nil {
		t.Errorf("expected rollback marker to be written to %s: %v", markerPath, err)
	}
}

// S6: switch, upload fails on every attempt. Preflight still runs (it
// precedes Build regardless of what Build/Upload later do) and acquires the
// advisory deploy lock; build runs once; copy is attempted 4 times total
// (1 + 3 retries) with the configured delay between attempts. Because
// preflight acquired the lock, it must come off even though Upload
// never lets the deploy reach Finalize/Disarm — no marker or watchdog
// command is ever issued, but the lock release (rmdir) still is.
func TestDeployUpload_S6_UploadExhaustsRetries(t *testing.T) {
	store := newStoreDir(t)

	fake := rexec.NewFake()
	fake.On("h6", "test", func(rexec.Call) rexec.Response { return markerAbsent("h6") })
	copyAttempts := 0
	fake.On("h6", "nix", func(call rexec.Call) rexec.Response {
		if len(call.Command.Args) > 0 && call.Command.Args[0] == "build" {
			return buildHandler(store)(call)
		}
		copyAttempts++
		return rexec.Response{Err: &fleet.TransportError{Host: "h6", Err: os.ErrDeadlineExceeded}}
	})

	cfg := &fleet.StaticConfig{Hosts: []fleet.Host{"h6"}, Exec: fake}
	ctx := &deploy.Ctx{Config: cfg, UploadRetryDelay: time.Millisecond}

	err := ctx.Deploy(context.Background(), "h6", fleet.UploadAction(fleet.Switch), testLogger(), 0)
	if err == nil {
		t.Fatal("Deploy() = nil, want error after exhausting upload retries")
	}

	if copyAttempts != 4 {
		t.Errorf("copy attempts = %d, want 4 (1 + 3 retries)", copyAttempts)
	}

	want := []string{
		"h6:test", "h6:mkdir",
		"h6:nix", "h6:nix", "h6:nix", "h6:nix", "h6:nix",
		"h6:rmdir",
	}
	if diff := cmp.Diff(want, fake.Sequence()); diff != "" {
		t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
	}
}
