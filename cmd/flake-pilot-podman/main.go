// Command flake-pilot-podman is the binary a flake's host symlink
// points at: it resolves which flake it was invoked as, loads that
// flake's podman configuration, and creates/resumes/attaches to the
// backing container before exec'ing the registered program inside it.
package main

import (
	"context"
	"os"

	"github.com/Elektrobit/flake-pilot-sub000/commands"
	"github.com/Elektrobit/flake-pilot-sub000/internal/apperr"
	"github.com/Elektrobit/flake-pilot-sub000/internal/config"
	"github.com/Elektrobit/flake-pilot-sub000/internal/container"
	"github.com/Elektrobit/flake-pilot-sub000/internal/flog"
	"github.com/Elektrobit/flake-pilot-sub000/internal/identity"
	"github.com/Elektrobit/flake-pilot-sub000/internal/instance"
	"github.com/Elektrobit/flake-pilot-sub000/internal/runcmd"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	flakeDir = "/usr/share/flakes"
	cidDir   = "/var/lib/containers/storage/tmp/flakes"
)

func main() {
	log := flog.New()
	root := commands.NewRoot(
		"flake-pilot-podman",
		"podman-backed flake launcher",
		commands.VersionInfo{Version: version, Commit: commit, Date: date},
		func(argv []string) error { return run(argv, log) },
	)
	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(apperr.ExitCode(err))
	}
}

func run(argv []string, log *flog.Logger) error {
	inv, err := identity.Resolve(argv)
	if err != nil {
		return err
	}

	cfg, sources, err := config.Load(flakeDir, inv.ConfigBasename())
	if err != nil {
		return err
	}
	section, err := cfg.Engine(config.Container, inv.ProgramName, sources)
	if err != nil {
		return err
	}

	reg, err := instance.New(cidDir)
	if err != nil {
		return err
	}

	opt := container.Options{
		MetaName:   inv.MetaName(),
		TargetPath: container.TargetAppPath(section, inv.ProgramName),
		PassArgs:   inv.PassArgs,
		Section:    section,
		User:       engineUser(section.Runtime.Runas),
		Log:        log,
	}

	ctx := context.Background()
	inst, err := container.Create(ctx, reg, opt)
	if err != nil {
		return err
	}
	if inst.Created {
		if err := container.ProvisionWithIncludes(ctx, opt, inst.CID, cfg.Tars()); err != nil {
			return err
		}
	}
	return container.Start(ctx, opt, inst)
}

func engineUser(runas string) runcmd.User {
	if runas == "" {
		return runcmd.Root
	}
	return runcmd.As(runas)
}
