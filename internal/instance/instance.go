// Package instance manages the on-disk CID/VMID files that track a
// flake's running container or VM instance across invocations, plus
// the opportunistic garbage collection of stale ones.
package instance

import (
	"os"
	"path/filepath"
)

// GCThreshold is the number of id files a directory may accumulate
// before a sweep is triggered, matching the original pilots'
// GC_THRESHOLD constant for both the podman and firecracker case.
const GCThreshold = 20

// LivenessCheck reports whether the instance named by id is still
// alive. Implementations differ by engine: podman asks "podman
// container exists <cid>", firecracker signals the recorded PID with
// kill -0.
type LivenessCheck func(id string) (bool, error)

// Registry tracks id files for a single engine (podman CID files or
// firecracker VMID files) under one directory.
type Registry struct {
	Dir string
}

// New returns a Registry rooted at dir, creating the directory with
// world-writable permissions if it doesn't exist yet — the pilots run
// elevated and the directory must remain writable by every user that
// can invoke the flake.
func New(dir string) (*Registry, error) {
	_, statErr := os.Stat(dir)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	if os.IsNotExist(statErr) {
		// MkdirAll's mode is filtered through the umask; set it explicitly.
		if err := os.Chmod(dir, 0o777); err != nil {
			return nil, err
		}
	}
	return &Registry{Dir: dir}, nil
}

// File returns the path of the id file for metaName.
func (r *Registry) File(metaName, ext string) string {
	return filepath.Join(r.Dir, metaName+"."+ext)
}

// Read returns the id recorded in path.
func (r *Registry) Read(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

// Write records id in path for the first time. It opens with
// O_CREATE|O_EXCL, treating the id file as a mutex as much as a
// payload: a caller reaches Write only after confirming the file is
// absent, and O_EXCL turns a lost race against a concurrent invocation
// into a hard error instead of a silent clobber.
func (r *Registry) Write(path, id string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(id)
	return err
}

// Update overwrites the id already recorded in path, for the one case
// where a legitimately-owned id file's payload changes after creation:
// firecracker's VMID file starts as the "0" placeholder and is updated
// with the real PID once the machine has booted.
func (r *Registry) Update(path, id string) error {
	return os.WriteFile(path, []byte(id), 0o644)
}

// Exists reports whether path is present.
func (r *Registry) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Reap checks path against live, and removes it if the instance it
// names is no longer alive. It returns whether the instance is still
// alive (true) or the file was reclaimed (false). A read failure is
// treated as "not alive" so a corrupt id file doesn't wedge creation.
func (r *Registry) Reap(path string, live LivenessCheck) (bool, error) {
	id, err := r.Read(path)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return false, rmErr
		}
		return false, nil
	}
	alive, err := live(id)
	if err != nil {
		return false, err
	}
	if alive {
		return true, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return false, nil
}

// Sweep garbage collects every id file in the registry once the
// directory holds more than GCThreshold entries, exactly the
// occasional collective cleanup the original pilots run on every
// create call. Reap failures for individual files are ignored, the
// way the originals swallow them and move on to the next file.
func (r *Registry) Sweep(live LivenessCheck) error {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return err
	}
	if len(entries) <= GCThreshold {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_, _ = r.Reap(filepath.Join(r.Dir, e.Name()), live)
	}
	return nil
}
