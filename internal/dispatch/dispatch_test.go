package dispatch_test

import (
	"context"
	"io/ioutil"
	"log"
	"os"
	"testing"

	"github.com/distr1/fleet"
	"github.com/distr1/fleet/internal/deploy"
	"github.com/distr1/fleet/internal/dispatch"
	"github.com/distr1/fleet/internal/rexec"
)

func testLogger() *log.Logger {
	return log.New(ioutil.Discard, "", 0)
}

// buildHandler fakes `nix build --out-link <path> ...` by symlinking path to
// storeDir, so that deploy's canonicalization step (filepath.EvalSymlinks)
// has something real to resolve, exactly as it would against a live Nix
// store.
func buildHandler(storeDir string) func(rexec.Call) rexec.Response {
	return func(call rexec.Call) rexec.Response {
		for i, a := range call.Command.Args {
			if a == "--out-link" && i+1 < len(call.Command.Args) {
				os.Symlink(storeDir, call.Command.Args[i+1])
				break
			}
		}
		return rexec.Response{}
	}
}

// TestRun_IsolatesFailures verifies that one host's build failure does not
// prevent sibling hosts from completing, and that the aggregate Outcome set
// reports both results.
func TestRun_IsolatesFailures(t *testing.T) {
	fake := rexec.NewFake()
	fake.On("good", "nix", buildHandler(t.TempDir()))
	fake.On("bad", "nix", func(rexec.Call) rexec.Response {
		return rexec.Response{Err: &fleet.NonZeroExit{Host: "bad", Argv: []string{"nix", "build"}, Code: 1}}
	})

	cfg := &fleet.StaticConfig{
		Hosts: []fleet.Host{"good", "bad"},
		Exec:  fake,
	}
	dctx := &dispatch.Ctx{
		Config: cfg,
		Deploy: &deploy.Ctx{Config: cfg},
		Action: fleet.UploadAction(fleet.UploadOnly),
		Log:    testLogger(),
	}

	outcomes, err := dctx.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}

	byHost := make(map[fleet.Host]error, len(outcomes))
	for _, o := range outcomes {
		byHost[o.Host] = o.Err
	}
	if byHost["good"] != nil {
		t.Errorf("good host outcome = %v, want nil", byHost["good"])
	}
	if byHost["bad"] == nil {
		t.Errorf("bad host outcome = nil, want an error")
	}
}

// TestRun_SkipsExcludedHosts verifies ShouldSkip filtering happens before any
// task is spawned.
func TestRun_SkipsExcludedHosts(t *testing.T) {
	fake := rexec.NewFake()
	fake.On("keep", "nix", buildHandler(t.TempDir()))
	cfg := &fleet.StaticConfig{
		Hosts:     []fleet.Host{"keep", "skip-me"},
		SkipHosts: map[fleet.Host]bool{"skip-me": true},
		Exec:      fake,
	}
	dctx := &dispatch.Ctx{
		Config: cfg,
		Deploy: &deploy.Ctx{Config: cfg},
		Action: fleet.UploadAction(fleet.UploadOnly),
		Log:    testLogger(),
	}

	outcomes, err := dctx.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if len(outcomes) != 1 || outcomes[0].Host != "keep" {
		t.Fatalf("outcomes = %+v, want exactly one outcome for host \"keep\"", outcomes)
	}
}

// TestRun_HostOrderWaits verifies that a host with an After constraint does
// not get its outcome recorded as having started before its predecessor's
// outcome exists — a coarse proxy for "waited", since the two run
// concurrently and only ordering of completion is observable from outside.
func TestRun_HostOrderWaits(t *testing.T) {
	fake := rexec.NewFake()
	fake.On("first", "nix", buildHandler(t.TempDir()))
	fake.On("second", "nix", buildHandler(t.TempDir()))
	cfg := &fleet.StaticConfig{
		Hosts: []fleet.Host{"first", "second"},
		Exec:  fake,
		After: map[fleet.Host][]fleet.Host{"second": {"first"}},
	}
	dctx := &dispatch.Ctx{
		Config: cfg,
		Deploy: &deploy.Ctx{Config: cfg},
		Action: fleet.UploadAction(fleet.UploadOnly),
		Log:    testLogger(),
	}

	outcomes, err := dctx.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Errorf("host %s outcome = %v, want nil", o.Host, o.Err)
		}
	}
	if outcomes[0].Host != "first" || outcomes[1].Host != "second" {
		t.Errorf("outcome order = [%s %s], want [first second]", outcomes[0].Host, outcomes[1].Host)
	}
}
