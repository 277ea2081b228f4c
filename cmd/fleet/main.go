// Command fleet deploys Nix-built system closures across a set of hosts,
// driving the per-host Deploy State Machine (internal/deploy) concurrently
// via the Fleet Dispatcher (internal/dispatch).
//
// Verb dispatch table and global profiling/tracing flags grounded on
// cmd/distri/distri.go's funcmain.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/distr1/fleet"
	internaltrace "github.com/distr1/fleet/internal/trace"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		internaltrace.Sink(f)
	}

	verbs := map[string]cmd{
		"upload":          {deployVerb("upload", func() fleet.Action { return fleet.UploadAction(fleet.UploadOnly) })},
		"test":            {deployVerb("test", func() fleet.Action { return fleet.UploadAction(fleet.Test) })},
		"boot":            {deployVerb("boot", func() fleet.Action { return fleet.UploadAction(fleet.Boot) })},
		"switch":          {deployVerb("switch", func() fleet.Action { return fleet.UploadAction(fleet.Switch) })},
		"sd-image":        {deployVerb("sd-image", func() fleet.Action { return fleet.PackageAction(fleet.SdImage) })},
		"installation-cd": {deployVerb("installation-cd", func() fleet.Action { return fleet.PackageAction(fleet.InstallationCd) })},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "fleet [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tupload           - build and upload the system closure, nothing more\n")
		fmt.Fprintf(os.Stderr, "\ttest             - upload, activate now, do not persist across reboot\n")
		fmt.Fprintf(os.Stderr, "\tboot             - upload, switch the profile for next boot, do not activate now\n")
		fmt.Fprintf(os.Stderr, "\tswitch           - upload, switch the profile and activate now\n")
		fmt.Fprintf(os.Stderr, "\tsd-image         - build a bootable SD card image\n")
		fmt.Fprintf(os.Stderr, "\tinstallation-cd  - build a bootable installation CD image\n")
		os.Exit(2)
	}
	verb, args := args[0], args[1:]

	ctx, canc := fleet.InterruptibleContext()
	defer canc()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: fleet <command> [options]\n")
		os.Exit(2)
	}

	verbErr := v.fn(ctx, args)
	if *memprofile != "" {
		f, ferr := os.Create(*memprofile)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		runtime.GC()
		if werr := pprof.WriteHeapProfile(f); werr != nil {
			return werr
		}
	}

	// Run registered cleanup (e.g. closing cached SSH connections) whether
	// or not the verb succeeded, so a failed deploy still tears connections
	// down instead of leaking them until process exit.
	atExitErr := fleet.RunAtExit()

	if verbErr != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, verbErr)
		}
		return fmt.Errorf("%s: %v", verb, verbErr)
	}
	return atExitErr
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
