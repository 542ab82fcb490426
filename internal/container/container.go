// Package container implements the podman engine pilot: creating a
// container instance (optionally composing a delta of a base
// container plus layers), and starting/attaching/exec'ing the
// program inside it.
package container

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/Elektrobit/flake-pilot-sub000/internal/apperr"
	"github.com/Elektrobit/flake-pilot-sub000/internal/config"
	"github.com/Elektrobit/flake-pilot-sub000/internal/flog"
	"github.com/Elektrobit/flake-pilot-sub000/internal/instance"
	"github.com/Elektrobit/flake-pilot-sub000/internal/runcmd"
)

// HostDependencies is the filename, relative to a mounted container's
// root, that accumulates the paths a delta layer removed relative to
// its base and therefore needs re-materialized from the host.
const HostDependencies = "removed"

// Options bundles everything Create/Start need to drive podman for
// one flake invocation.
type Options struct {
	MetaName    string // CID file basename, program name plus any @NAME suffix
	TargetPath  string // resolved target_app_path
	PassArgs    []string
	Section     *config.EngineSection
	User        runcmd.User
	Log         *flog.Logger
}

// Instance identifies a created (or resumed) container. Created is
// false when Create returned an already-running instance reused via
// resume/attach, telling the caller to skip delta/include
// provisioning since it already happened on the original create.
type Instance struct {
	CID     string
	CIDFile string
	Created bool
}

// Create creates a container for later execution, or returns the
// existing one when resume/attach applies and it is still alive. The
// sequencing here — early-return check, occasional GC, sanity check,
// then the actual podman create — follows the original podman-pilot
// exactly. Delta composition and tar includes are not done here; the
// caller runs ProvisionWithIncludes for a newly created instance.
func Create(ctx context.Context, reg *instance.Registry, opt Options) (Instance, error) {
	cidFile := reg.File(opt.MetaName, "cid")
	rt := opt.Section.Runtime

	if reg.Exists(cidFile) {
		alive, err := reg.Reap(cidFile, livenessCheck(ctx, opt.User))
		if err != nil {
			return Instance{}, err
		}
		if alive && (rt.Resume || rt.Attach) {
			cid, err := reg.Read(cidFile)
			if err != nil {
				return Instance{}, err
			}
			return Instance{CID: cid, CIDFile: cidFile}, nil
		}
	}

	if err := reg.Sweep(livenessCheck(ctx, opt.User)); err != nil {
		opt.Log.Debugf("gc sweep of container cid directory failed: %v", err)
	}

	if reg.Exists(cidFile) {
		return Instance{}, apperr.ErrAlreadyRunning
	}

	cmd := opt.User.Command(ctx, "podman", "create", "--cidfile", cidFile)
	applyRuntimeArgs(cmd, rt)

	delta := opt.Section.BaseContainer != ""
	target := opt.Section.BaseContainer
	if !delta {
		target = opt.Section.Name
	}
	cmd.Args = append(cmd.Args, target)

	if rt.Resume {
		cmd.Args = append(cmd.Args, "sleep", "4294967295d")
	} else {
		if opt.TargetPath != "/" {
			cmd.Args = append(cmd.Args, opt.TargetPath)
		}
		cmd.Args = append(cmd.Args, opt.PassArgs...)
	}

	opt.Log.Debugf("podman %v", cmd.Args[1:])
	res, err := runcmd.Perform(cmd)
	if err != nil {
		return Instance{}, err
	}
	cid := strings.TrimRight(string(res.Stdout), "\n")

	// podman create --cidfile has already written cid to cidFile (and
	// refuses to run if that file exists), so it is not written again.

	return Instance{CID: cid, CIDFile: cidFile, Created: true}, nil
}

func applyRuntimeArgs(cmd *exec.Cmd, rt config.RuntimeSection) {
	if len(rt.Podman) > 0 {
		for _, arg := range rt.Podman {
			parts := strings.SplitN(arg, " ", 2)
			cmd.Args = append(cmd.Args, parts...)
		}
		return
	}
	if rt.Resume {
		cmd.Args = append(cmd.Args, "-ti")
	} else {
		cmd.Args = append(cmd.Args, "--rm", "-ti")
	}
}

// ProvisionWithIncludes runs the full delta-composition and include
// sync pipeline from podman-pilot's run_podman_creation: mount the
// instance, drain its own removed-files manifest, then for every
// layer (plus the main app container last) mount it as an image, fold
// its removed-files manifest in, rsync it onto the instance, and
// unmount it; finally rsync the accumulated host dependencies onto
// the instance and sync any tar includes.
func ProvisionWithIncludes(ctx context.Context, opt Options, cid string, tars []string) error {
	delta := opt.Section.BaseContainer != ""
	if !delta && len(tars) == 0 {
		return nil
	}

	opt.Log.Debugf("mounting instance for provisioning workload")
	instanceMount, err := mountContainer(ctx, opt.User, cid, false)
	if err != nil {
		return err
	}
	defer func() { _ = umountContainer(ctx, opt.User, cid, false) }()

	if delta {
		removed, err := os.CreateTemp("", "flake-pilot-removed-*")
		if err != nil {
			return err
		}
		defer os.Remove(removed.Name())
		defer removed.Close()

		if err := updateRemovedFiles(instanceMount, removed); err != nil {
			return err
		}

		layers := append(append([]string{}, opt.Section.Layers...), opt.Section.Name)
		for _, layer := range layers {
			if err := func() error {
				opt.Log.Debugf("syncing delta dependency %q", layer)
				layerMount, err := mountContainer(ctx, opt.User, layer, true)
				if err != nil {
					return err
				}
				defer func() { _ = umountContainer(ctx, opt.User, layer, true) }()

				if err := updateRemovedFiles(layerMount, removed); err != nil {
					return err
				}
				return syncDelta(ctx, opt.User, layerMount, instanceMount)
			}(); err != nil {
				return err
			}
		}

		opt.Log.Debugf("syncing host dependencies")
		if err := syncHost(ctx, opt.User, instanceMount, removed); err != nil {
			return err
		}
	}

	if len(tars) > 0 {
		opt.Log.Debugf("syncing includes")
		if err := syncIncludes(ctx, opt.User, instanceMount, tars); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the program inside an existing container instance,
// covering all four dispatch modes from podman-pilot's start(): attach
// to a running interactive session, exec into a running container,
// resume a stopped sleep-entrypoint container and exec into it, or
// plain start.
func Start(ctx context.Context, opt Options, inst Instance) error {
	rt := opt.Section.Runtime
	running, err := containerRunning(ctx, opt.User, inst.CID)
	if err != nil {
		return err
	}

	switch {
	case running && rt.Attach:
		return callInstance(ctx, opt, "attach", inst.CID)
	case running:
		return callInstance(ctx, opt, "exec", inst.CID)
	case rt.Resume:
		if err := callInstance(ctx, opt, "start", inst.CID); err != nil {
			return err
		}
		return callInstance(ctx, opt, "exec", inst.CID)
	default:
		return callInstance(ctx, opt, "start", inst.CID)
	}
}

func callInstance(ctx context.Context, opt Options, action, cid string) error {
	cmd := opt.User.Command(ctx, "podman", action)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	if action == "exec" {
		cmd.Args = append(cmd.Args, "--interactive", "--tty")
	}
	if action == "start" {
		if !opt.Section.Runtime.Resume {
			cmd.Args = append(cmd.Args, "--attach")
		} else {
			cmd.Stdout = io.Discard
		}
	}
	cmd.Args = append(cmd.Args, cid)
	if action == "exec" {
		cmd.Args = append(cmd.Args, opt.TargetPath)
		cmd.Args = append(cmd.Args, opt.PassArgs...)
	}

	opt.Log.Debugf("podman %v", cmd.Args[1:])
	return runcmd.PerformStatus(cmd)
}

func mountContainer(ctx context.Context, user runcmd.User, name string, asImage bool) (string, error) {
	var cmd *exec.Cmd
	if asImage {
		exists, err := containerImageExists(ctx, user, name)
		if err != nil {
			return "", err
		}
		if !exists {
			if err := pull(ctx, user, name); err != nil {
				return "", err
			}
		}
		cmd = user.Command(ctx, "podman", "image", "mount", name)
	} else {
		cmd = user.Command(ctx, "podman", "mount", name)
	}
	res, err := runcmd.Perform(cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(res.Stdout), "\n"), nil
}

func umountContainer(ctx context.Context, user runcmd.User, name string, asImage bool) error {
	var cmd *exec.Cmd
	if asImage {
		cmd = user.Command(ctx, "podman", "image", "umount", name)
	} else {
		cmd = user.Command(ctx, "podman", "umount", name)
	}
	_, err := runcmd.Perform(cmd)
	return err
}

func syncIncludes(ctx context.Context, user runcmd.User, target string, tars []string) error {
	for _, tar := range tars {
		cmd := user.Command(ctx, "tar", "-C", target, "-xf", tar)
		if _, err := runcmd.Perform(cmd); err != nil {
			return err
		}
	}
	return nil
}

func syncDelta(ctx context.Context, user runcmd.User, source, target string) error {
	cmd := user.Command(ctx, "rsync", "-av", source+"/", target+"/")
	_, err := runcmd.Perform(cmd)
	return err
}

func syncHost(ctx context.Context, user runcmd.User, target string, removed *os.File) error {
	if _, err := removed.Seek(0, io.SeekStart); err != nil {
		return err
	}
	contents, err := io.ReadAll(removed)
	if err != nil {
		return err
	}
	if len(contents) == 0 {
		return nil
	}

	hostDeps := target + "/" + HostDependencies
	if err := os.WriteFile(hostDeps, contents, 0o644); err != nil {
		return err
	}

	cmd := user.Command(ctx, "rsync", "-av", "--ignore-missing-args",
		"--files-from", hostDeps, "/", target+"/")
	_, err = runcmd.Perform(cmd)
	return err
}

func updateRemovedFiles(mountedTarget string, accumulated *os.File) error {
	hostDeps := mountedTarget + "/" + HostDependencies
	data, err := os.ReadFile(hostDeps)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	// Each layer's manifest is appended independently; without forcing
	// a trailing newline, a manifest missing one would run its last
	// path into the next layer's first path in the accumulated file.
	if data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	_, err = accumulated.Write(data)
	return err
}

func containerRunning(ctx context.Context, user runcmd.User, cid string) (bool, error) {
	cmd := user.Command(ctx, "podman", "ps", "--format", "{{.ID}}")
	res, err := runcmd.Perform(cmd)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line != "" && strings.HasPrefix(cid, line) {
			return true, nil
		}
	}
	return false, nil
}

func containerImageExists(ctx context.Context, user runcmd.User, name string) (bool, error) {
	cmd := user.Command(ctx, "podman", "image", "exists", name)
	return cmd.Run() == nil, nil
}

func pull(ctx context.Context, user runcmd.User, uri string) error {
	cmd := user.Command(ctx, "podman", "pull", uri)
	if _, err := runcmd.Perform(cmd); err != nil {
		return err
	}
	prune := user.Command(ctx, "podman", "image", "prune", "--force")
	_ = prune.Run()
	return nil
}

// livenessCheck adapts "podman container exists <cid>" into an
// instance.LivenessCheck.
func livenessCheck(ctx context.Context, user runcmd.User) instance.LivenessCheck {
	return func(cid string) (bool, error) {
		cmd := user.Command(ctx, "podman", "container", "exists", cid)
		return cmd.Run() == nil, nil
	}
}

// TargetAppPath resolves the program path to call inside the
// container: the configured target_app_path, or programName itself
// when none is configured.
func TargetAppPath(section *config.EngineSection, programName string) string {
	if section.TargetAppPath != "" {
		return section.TargetAppPath
	}
	return programName
}
