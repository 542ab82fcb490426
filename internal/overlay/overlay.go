// Package overlay creates and mounts the ext2 overlay images that
// give a firecracker VM instance writable, per-instance storage on
// top of its read-only rootfs. Podman delta composition is not done
// here; it lives in internal/container.
package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Elektrobit/flake-pilot-sub000/internal/runcmd"
	"github.com/containerd/containerd/mount"
)

// attachLoop binds path to a free loop device and returns its path
// (e.g. "/dev/loop0"). mount(2) takes a block device for ext2/ext4/
// overlay sources, not a plain file, so a rootfs or overlay image must
// be loop-attached before mount.Mount can touch it.
func attachLoop(ctx context.Context, user runcmd.User, path string) (string, error) {
	cmd := user.Command(ctx, "losetup", "-f", "--show", path)
	res, err := runcmd.Perform(cmd)
	if err != nil {
		return "", fmt.Errorf("attaching loop device for %s: %w", path, err)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// detachLoop releases a loop device obtained from attachLoop.
func detachLoop(ctx context.Context, user runcmd.User, dev string) error {
	cmd := user.Command(ctx, "losetup", "-d", dev)
	_, err := runcmd.Perform(cmd)
	return err
}

// Image is a sparse ext2 filesystem image used as a VM's writable
// overlay. CreateImage only touches disk the first time (or whenever
// resume is false); a resumed VM reuses whatever the previous
// invocation left on the overlay.
type Image struct {
	Path string
	Size int64 // bytes
}

// CreateImage allocates a sparse file of img.Size bytes and formats
// it ext2, unless it already exists and keep is true (the resume
// case). mkfs runs as user because image files under
// /var/lib/firecracker/storage are root-owned.
func CreateImage(ctx context.Context, user runcmd.User, img Image, keep bool) error {
	if keep {
		if _, err := os.Stat(img.Path); err == nil {
			return nil
		}
	}

	f, err := os.Create(img.Path)
	if err != nil {
		return err
	}
	if err := f.Truncate(img.Size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	cmd := user.Command(ctx, "mkfs.ext2", "-F", img.Path)
	if _, err := runcmd.Perform(cmd); err != nil {
		os.Remove(img.Path)
		return fmt.Errorf("formatting overlay image %s: %w", img.Path, err)
	}
	return nil
}

// Layout is the directory structure CreateImage's caller mounts a VM
// rootfs plus overlay image beneath, mirroring the four-level
// image/overlayroot/rootfs/rootfs_upper/rootfs_work tree the original
// pilot builds under a temporary directory before syncing includes.
// loopDevs records the devices Mount attached, so Unmount can detach
// exactly what this Layout set up.
type Layout struct {
	Root     string // a fresh temp dir
	loopDevs []string
}

func (l Layout) imageMount() string   { return filepath.Join(l.Root, "image") }
func (l Layout) overlayMount() string { return filepath.Join(l.Root, "overlayroot") }
func (l Layout) rootMount() string    { return filepath.Join(l.Root, "overlayroot", "rootfs") }
func (l Layout) upperDir() string     { return filepath.Join(l.Root, "overlayroot", "rootfs_upper") }
func (l Layout) workDir() string      { return filepath.Join(l.Root, "overlayroot", "rootfs_work") }

// Mount mounts rootfsImage read-only, overlayImage read-write, and
// composes the two into an overlayfs at the returned path, ready for
// syncing include data into before the VM itself boots. rootfsImage
// and overlayImage are plain files, so each is loop-attached first;
// mount(2) requires a block device for ext2/ext4 sources.
func Mount(ctx context.Context, user runcmd.User, l *Layout, rootfsImage, overlayImage string) (string, error) {
	for _, dir := range []string{l.imageMount(), l.overlayMount()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	rootfsLoop, err := attachLoop(ctx, user, rootfsImage)
	if err != nil {
		return "", err
	}
	l.loopDevs = append(l.loopDevs, rootfsLoop)

	overlayLoop, err := attachLoop(ctx, user, overlayImage)
	if err != nil {
		return "", err
	}
	l.loopDevs = append(l.loopDevs, overlayLoop)

	if err := (&mount.Mount{Type: "ext4", Source: rootfsLoop}).Mount(l.imageMount()); err != nil {
		return "", fmt.Errorf("mounting rootfs image: %w", err)
	}
	if err := (&mount.Mount{Type: "ext2", Source: overlayLoop}).Mount(l.overlayMount()); err != nil {
		return "", fmt.Errorf("mounting overlay image: %w", err)
	}
	// The overlayfs directories live on the overlay image itself, so
	// they are created only once that image is mounted.
	for _, dir := range []string{l.rootMount(), l.upperDir(), l.workDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	overlayOpts := []string{
		fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", l.imageMount(), l.upperDir(), l.workDir()),
	}
	if err := (&mount.Mount{Type: "overlay", Source: "overlay", Options: overlayOpts}).Mount(l.rootMount()); err != nil {
		return "", fmt.Errorf("mounting overlayfs: %w", err)
	}
	return l.rootMount(), nil
}

// Unmount tears down every mount Mount created, in reverse order, and
// detaches the loop devices Mount attached. A failed step does not
// stop the remaining ones; the first error is returned.
func Unmount(ctx context.Context, user runcmd.User, l *Layout) error {
	var firstErr error
	for _, dir := range []string{l.rootMount(), l.overlayMount(), l.imageMount()} {
		if err := mount.UnmountAll(dir, 0); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmounting %s: %w", dir, err)
		}
	}
	for _, dev := range l.loopDevs {
		if err := detachLoop(ctx, user, dev); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("detaching %s: %w", dev, err)
		}
	}
	return firstErr
}
