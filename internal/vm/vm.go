// Package vm implements the firecracker engine pilot: composing a
// firecracker-go-sdk configuration from a flake's vm section, booting
// the microVM (or reusing a resumed one), and dispatching the
// program's invocation to the guest over vsock.
package vm

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/Elektrobit/flake-pilot-sub000/internal/apperr"
	"github.com/Elektrobit/flake-pilot-sub000/internal/config"
	"github.com/Elektrobit/flake-pilot-sub000/internal/flog"
	"github.com/Elektrobit/flake-pilot-sub000/internal/instance"
	"github.com/Elektrobit/flake-pilot-sub000/internal/overlay"
	"github.com/Elektrobit/flake-pilot-sub000/internal/runcmd"
	"github.com/Elektrobit/flake-pilot-sub000/internal/vsock"
	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// GuestCID is the fixed vsock context ID every guest agent listens on,
// matching defaults::VM_CID from the original pilot.
const GuestCID = 3

// ControlPort is the vsock port the sci/sce guest agent accepts the
// initial CONNECT handshake on, matching defaults::VM_PORT.
const ControlPort = 52

// Options bundles everything Create/Start need for one invocation.
type Options struct {
	MetaName   string
	TargetPath string
	PassArgs   []string
	Section    *config.EngineSection
	User       runcmd.User
	Log        *flog.Logger
	VMIDDir    string
	OverlayDir string
	Debug      bool
}

// Instance identifies a VM: its VMID file and, once started, the PID
// firecracker reports (or "0" as the not-yet-started placeholder the
// original pilot writes before the real PID is known).
type Instance struct {
	VMID     string
	VMIDFile string
	Created  bool
}

func vsockPath(metaName string) string {
	return fmt.Sprintf("/run/sci_cmd_%s.sock", metaName)
}

func overlayImagePath(dir, metaName string) string {
	return fmt.Sprintf("%s/%s.ext2", dir, metaName)
}

// Create prepares a VM instance: reuses a live, resumable one if
// present, otherwise allocates the VMID file placeholder and the
// overlay image (if configured). Tar includes are not provisioned
// here; the caller runs ProvisionIncludes for a newly created instance.
func Create(ctx context.Context, reg *instance.Registry, opt Options) (Instance, error) {
	// config.Engine(VM, ...) rejects a section with a nil or incomplete
	// Firecracker block before it ever reaches here, so this is never nil.
	fc := opt.Section.Runtime.Firecracker
	rt := opt.Section.Runtime
	vmidFile := reg.File(opt.MetaName, "vmid")

	if reg.Exists(vmidFile) {
		alive, err := reg.Reap(vmidFile, livenessCheck())
		if err != nil {
			return Instance{}, err
		}
		if alive && rt.Resume {
			vmid, err := reg.Read(vmidFile)
			if err != nil {
				return Instance{}, err
			}
			return Instance{VMID: vmid, VMIDFile: vmidFile}, nil
		}
	}

	if err := reg.Sweep(livenessCheck()); err != nil {
		opt.Log.Debugf("gc sweep of vmid directory failed: %v", err)
	}

	if reg.Exists(vmidFile) {
		return Instance{}, apperr.ErrAlreadyRunning
	}

	if err := reg.Write(vmidFile, "0"); err != nil {
		return Instance{}, err
	}

	overlayPath := overlayImagePath(opt.OverlayDir, opt.MetaName)
	if fc.OverlaySize != "" {
		size, err := parseByteSize(fc.OverlaySize)
		if err != nil {
			return Instance{}, fmt.Errorf("parsing overlay_size %q: %w", fc.OverlaySize, err)
		}
		if err := overlay.CreateImage(ctx, opt.User, overlay.Image{Path: overlayPath, Size: size}, rt.Resume); err != nil {
			return Instance{}, err
		}
	}

	return Instance{VMID: "0", VMIDFile: vmidFile, Created: true}, nil
}

// ProvisionIncludes mounts the rootfs (plus overlay, if configured)
// under a scratch directory just long enough to sync tar includes
// into it, the way firecracker-pilot's create() does before ever
// invoking the firecracker binary.
func ProvisionIncludes(ctx context.Context, opt Options, tars []string) error {
	if len(tars) == 0 {
		return nil
	}
	fc := opt.Section.Runtime.Firecracker
	if fc.OverlaySize == "" {
		return fmt.Errorf("tar includes require runtime.firecracker.overlay_size to be set")
	}

	tmp, err := os.MkdirTemp("", "flake-pilot-vm-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	layout := &overlay.Layout{Root: tmp}
	overlayPath := overlayImagePath(opt.OverlayDir, opt.MetaName)
	mountPoint, err := overlay.Mount(ctx, opt.User, layout, fc.RootfsImagePath, overlayPath)
	if err != nil {
		return err
	}
	defer overlay.Unmount(ctx, opt.User, layout)

	for _, tar := range tars {
		cmd := opt.User.Command(ctx, "tar", "-C", mountPoint, "-xf", tar)
		if _, err := runcmd.Perform(cmd); err != nil {
			return err
		}
	}
	return nil
}

// BuildMachineConfig renders the firecracker-go-sdk configuration for
// one invocation, reproducing create_firecracker_config's field
// assignment order: kernel/initrd, boot args, rootfs drive, optional
// overlay drive, tap device, vsock, machine sizing.
func BuildMachineConfig(opt Options) firecracker.Config {
	fc := opt.Section.Runtime.Firecracker
	rt := opt.Section.Runtime

	drives := []models.Drive{rootDrive(fc.RootfsImagePath)}
	if fc.OverlaySize != "" {
		drives = append(drives, overlayDrive(overlayImagePath(opt.OverlayDir, opt.MetaName)))
	}

	cfg := firecracker.Config{
		SocketPath:      fmt.Sprintf("/run/firecracker-%s.sock", opt.MetaName),
		KernelImagePath: fc.KernelImagePath,
		InitrdPath:      fc.InitrdPath,
		KernelArgs:      BootArgs(fc, rt.Resume, opt.Debug, RunCmdline(opt.TargetPath, opt.PassArgs, true)),
		Drives:          drives,
		NetworkInterfaces: []firecracker.NetworkInterface{{
			StaticConfiguration: &firecracker.StaticNetworkConfiguration{
				HostDevName: fmt.Sprintf("tap-%s", opt.MetaName),
			},
		}},
		VsockDevices: []firecracker.VsockDevice{{
			Path: vsockPath(opt.MetaName),
			CID:  GuestCID,
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(2),
			MemSizeMib: firecracker.Int64(4096),
		},
	}
	if fc.VCPUCount != nil {
		cfg.MachineCfg.VcpuCount = fc.VCPUCount
	}
	if fc.MemSizeMib != nil {
		cfg.MachineCfg.MemSizeMib = fc.MemSizeMib
	}
	return cfg
}

func rootDrive(path string) models.Drive {
	return models.Drive{
		DriveID:      firecracker.String("rootfs"),
		PathOnHost:   firecracker.String(path),
		IsRootDevice: firecracker.Bool(true),
		IsReadOnly:   firecracker.Bool(true),
	}
}

func overlayDrive(path string) models.Drive {
	return models.Drive{
		DriveID:      firecracker.String("overlay"),
		PathOnHost:   firecracker.String(path),
		IsRootDevice: firecracker.Bool(false),
		IsReadOnly:   firecracker.Bool(false),
	}
}

// BootArgs composes the kernel command line: the engine's configured
// boot_args with console= blanked out on a non-debug resume (vsock
// replaces the serial console), plus PILOT_DEBUG/overlay_root markers
// and the final run= directive selecting vsock dispatch or a literal
// one-shot command.
func BootArgs(fc *config.FirecrackerSection, resume, debug bool, run []string) string {
	var parts []string
	if debug {
		parts = append(parts, "PILOT_DEBUG=1")
	}
	if fc.OverlaySize != "" {
		parts = append(parts, "overlay_root=/dev/vdb")
	}
	for _, arg := range fc.BootArgs {
		if resume && !debug && strings.HasPrefix(arg, "console=") {
			parts = append(parts, "console=")
			continue
		}
		parts = append(parts, arg)
	}

	boot := strings.Join(parts, " ")
	if resume {
		boot += " run=vsock"
	} else {
		// A literal quote-wrap, not %q: RunCmdline has already
		// hyphen-escaped the guest's own argv for the kernel cmdline
		// parser, and %q's Go string-escaping would double up those
		// backslashes instead of leaving them as the guest expects.
		boot += fmt.Sprintf(` run="%s"`, strings.Join(run, " "))
	}
	return boot
}

// RunCmdline builds the command line the guest agent must execute:
// the target app path followed by every passthrough argument. When
// quoteForKernel is set, hyphens are escaped so the kernel command
// line parser doesn't mistake an argument for one of its own options.
func RunCmdline(targetPath string, args []string, quoteForKernel bool) []string {
	run := make([]string, 0, len(args)+1)
	run = append(run, targetPath)
	for _, a := range args {
		if quoteForKernel {
			a = strings.ReplaceAll(a, "-", "\\-")
		}
		run = append(run, a)
	}
	return run
}

// GetExecPort picks a random ephemeral vsock port for one command
// dispatch, the same unguarded range the original uses (it notes in a
// FIXME that collisions with an already-running socket aren't
// detected, and this keeps that behavior rather than inventing a
// stabilization scheme the original never shipped).
func GetExecPort() int {
	return 49200 + rand.Intn(60000-49200)
}

// Start runs the program inside the VM: if it's already running,
// dispatch over vsock directly; otherwise boot it. A resumable VM is
// then dispatched to over vsock; a one-shot VM runs the program from
// its kernel command line and Start blocks until the machine exits.
func Start(ctx context.Context, opt Options, inst Instance) error {
	rt := opt.Section.Runtime

	if running, err := vmRunning(inst.VMID); err != nil {
		return err
	} else if running {
		return dispatch(ctx, opt)
	}

	cfg := BuildMachineConfig(opt)
	machine, err := firecracker.NewMachine(ctx, cfg)
	if err != nil {
		return err
	}

	if err := machine.Start(ctx); err != nil {
		return err
	}
	pid, err := machine.PID()
	if err != nil {
		return err
	}

	reg, err := instance.New(opt.VMIDDir)
	if err != nil {
		return err
	}
	if err := reg.Update(inst.VMIDFile, strconv.Itoa(pid)); err != nil {
		return err
	}

	if rt.Resume {
		return dispatch(ctx, opt)
	}

	// A one-shot VM's guest program runs as firecracker's init and its
	// exit status is firecracker's own process exit status: the pilot
	// forwards it the same way runcmd.Perform forwards a sub-command's,
	// so apperr.ExitCode can recognize it instead of falling through to
	// a generic failure.
	if err := machine.Wait(ctx); err != nil {
		return &apperr.CommandError{Args: []string{"firecracker", "--id", inst.VMID}, Base: err}
	}
	return nil
}

// dispatch delivers the invocation to the guest and waits for its exit
// status. The listener must be bound before the command is sent, not
// after, or the guest's callback could race ahead of our own Accept.
func dispatch(ctx context.Context, opt Options) error {
	path := vsockPath(opt.MetaName)
	if err := vsock.CheckConnected(ctx, path, ControlPort); err != nil {
		return err
	}

	port := GetExecPort()
	ln, err := vsock.Listen(path, port)
	if err != nil {
		return err
	}
	defer ln.Close()

	type statusResult struct {
		code int
		err  error
	}
	statusCh := make(chan statusResult, 1)
	go func() {
		code, err := vsock.ReadStatus(ctx, ln)
		statusCh <- statusResult{code, err}
	}()

	run := strings.Join(RunCmdline(opt.TargetPath, opt.PassArgs, false), " ")
	if err := vsock.SendCommand(ctx, path, port, run); err != nil {
		return err
	}

	result := <-statusCh
	if result.err != nil {
		return result.err
	}
	if result.code != 0 {
		return &apperr.ExitStatusError{Code: result.code}
	}
	return nil
}

func vmRunning(vmid string) (bool, error) {
	if vmid == "0" {
		return false, nil
	}
	pid, err := strconv.Atoi(vmid)
	if err != nil {
		return false, nil
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false, nil
	}
	return true, nil
}

func livenessCheck() instance.LivenessCheck {
	return func(vmid string) (bool, error) {
		return vmRunning(vmid)
	}
}

// parseByteSize understands the plain suffixes the original
// overlay_size setting accepts ("20g", "512m", a bare byte count).
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch suffix := s[len(s)-1]; suffix {
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
