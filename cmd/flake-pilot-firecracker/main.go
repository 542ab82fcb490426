// Command flake-pilot-firecracker is the binary a flake's host symlink
// points at for VM-backed flakes: it resolves which flake it was
// invoked as, loads that flake's firecracker configuration, boots (or
// resumes) the backing microVM, and runs the registered program in
// the guest: dispatched over vsock for a resumable VM, taken from the
// kernel command line for a one-shot one.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Elektrobit/flake-pilot-sub000/commands"
	"github.com/Elektrobit/flake-pilot-sub000/internal/apperr"
	"github.com/Elektrobit/flake-pilot-sub000/internal/config"
	"github.com/Elektrobit/flake-pilot-sub000/internal/container"
	"github.com/Elektrobit/flake-pilot-sub000/internal/flog"
	"github.com/Elektrobit/flake-pilot-sub000/internal/identity"
	"github.com/Elektrobit/flake-pilot-sub000/internal/instance"
	"github.com/Elektrobit/flake-pilot-sub000/internal/runcmd"
	"github.com/Elektrobit/flake-pilot-sub000/internal/vm"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	flakeDir   = "/usr/share/flakes"
	vmidDir    = "/var/lib/firecracker/storage/tmp/flakes"
	overlayDir = "/var/lib/firecracker/storage"
)

func main() {
	log := flog.New()
	root := commands.NewRoot(
		"flake-pilot-firecracker",
		"firecracker-backed flake launcher",
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
	section, err := cfg.Engine(config.VM, inv.ProgramName, sources)
	if err != nil {
		return err
	}

	reg, err := instance.New(vmidDir)
	if err != nil {
		return err
	}

	_, debug := os.LookupEnv("PILOT_DEBUG")
	opt := vm.Options{
		MetaName:   inv.MetaName(),
		TargetPath: container.TargetAppPath(section, inv.ProgramName),
		PassArgs:   inv.PassArgs,
		Section:    section,
		User:       engineUser(section.Runtime.Runas),
		Log:        log,
		VMIDDir:    vmidDir,
		OverlayDir: overlayDir,
		Debug:      debug,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := vm.Create(ctx, reg, opt)
	if err != nil {
		return err
	}
	if inst.Created {
		if err := vm.ProvisionIncludes(ctx, opt, cfg.Tars()); err != nil {
			return err
		}
	}
	return vm.Start(ctx, opt, inst)
}

func engineUser(runas string) runcmd.User {
	if runas == "" {
		return runcmd.Root
	}
	return runcmd.As(runas)
}
