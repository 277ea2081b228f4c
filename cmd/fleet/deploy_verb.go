package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/distr1/fleet"
	"github.com/distr1/fleet/internal/deploy"
	"github.com/distr1/fleet/internal/dispatch"
	"github.com/distr1/fleet/internal/oninterrupt"
	"github.com/distr1/fleet/internal/rexec"
)

// deployVerb implements the upload/test/boot/switch/sd-image/installation-cd
// verbs, which all differ only in the fleet.Action they build and run
// through the same dispatch.Ctx. Flag shape grounded on
// cmd/distri/batch.go's per-verb flag.NewFlagSet("batch", ...) pattern.
func deployVerb(name string, action func() fleet.Action) func(ctx context.Context, args []string) error {
	return func(ctx context.Context, args []string) error {
		fset := flag.NewFlagSet(name, flag.ExitOnError)
		var (
			configPath      = fset.String("config", "", "path to a fleet manifest (JSON) listing hosts to deploy")
			failFast        = fset.Bool("fail_fast", false, "stop building further packages for a host's Package action on the first failure")
			disableRollback = fset.Bool("disable_rollback", false, "do not arm the rollback watchdog for this run")
			privilegedBuild = fset.Bool("privileged_build", false, "elevate the `nix build` invocation via sudo")
			sshUser         = fset.String("ssh_user", "", "remote user for SSH hosts (default root, or ssh_user from -config)")
		)
		fset.Parse(args)

		if *configPath == "" {
			return fmt.Errorf("%s: -config is required", name)
		}
		m, err := loadManifest(*configPath)
		if err != nil {
			return fmt.Errorf("loading %s: %w", *configPath, err)
		}

		user := m.SSHUser
		if *sshUser != "" {
			user = *sshUser
		}
		if user == "" {
			user = "root"
		}

		ssh := rexec.NewSSH()
		ssh.User = user
		oninterrupt.Register(func() { ssh.Close() })
		fleet.RegisterAtExit(ssh.Close)

		localHosts := setFromSlice(m.LocalHosts)
		cfg := &fleet.StaticConfig{
			Hosts:      m.Hosts,
			LocalHosts: localHosts,
			SkipHosts:  setFromSlice(m.SkipHosts),
			BuildArgs:  m.BuildArgs,
			AttrPrefix: m.AttrPrefix,
			After:      m.After,
			Exec:       rexec.NewComposite(func(h fleet.Host) bool { return localHosts[h] }, ssh),
		}

		dctx := &dispatch.Ctx{
			Config: cfg,
			Deploy: &deploy.Ctx{
				Config:          cfg,
				DisableRollback: *disableRollback,
				PrivilegedBuild: *privilegedBuild,
				FailFast:        *failFast,
			},
			Action: action(),
			Log:    log.New(os.Stderr, "", log.LstdFlags),
		}

		outcomes, err := dctx.Run(ctx)
		if err != nil {
			return err
		}

		failed := 0
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d hosts failed", failed, len(outcomes))
		}
		return nil
	}
}
