// Package runcmd wraps sub-process execution the way the pilots call
// out to podman, firecracker, rsync, mount and friends: every
// invocation is optionally elevated via sudo, every failure is
// wrapped together with the argv that produced it.
package runcmd

import (
	"bytes"
	"context"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/Elektrobit/flake-pilot-sub000/internal/apperr"
)

// User identifies which identity a command should run as. The zero
// value runs as the caller. A named user is elevated via sudo, the
// same mechanism the original pilots use ("the call of the container
// engine is performed by sudo").
type User struct {
	name string
}

// Root is the "runas: root" user from a flake's runtime section.
var Root = User{name: "root"}

// As names a non-root elevation target, either a user name or a
// numeric UID string prefixed with '#' (sudo's own convention).
func As(name string) User {
	return User{name: name}
}

// IsCaller reports whether this User represents "run as myself",
// i.e. no elevation is required.
func (u User) IsCaller() bool {
	return u.name == ""
}

// Command builds an *exec.CommandContext for name/args, elevated via
// sudo --user <name> when u names someone other than the caller.
func (u User) Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if u.IsCaller() {
		return exec.CommandContext(ctx, name, args...)
	}
	sudoArgs := append([]string{"--user", u.name, name}, args...)
	return exec.CommandContext(ctx, "sudo", sudoArgs...)
}

// Result carries the captured output of a completed command.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// Perform runs cmd, capturing stdout and stderr, and returns a
// *apperr.CommandError on spawn failure or non-zero exit. The error
// carries the full argv so callers never need to re-derive it for a
// log line.
func Perform(cmd *exec.Cmd) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return Result{}, wrap(cmd, err)
	}
	return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// PerformStatus runs cmd without capturing its output: whatever
// stdin/stdout/stderr the caller wired up are used as they are, the
// way the pilots invoke podman for their final attach/exec/start step,
// with the parent's terminal attached so output reaches it.
func PerformStatus(cmd *exec.Cmd) error {
	if err := cmd.Run(); err != nil {
		return wrap(cmd, err)
	}
	return nil
}

func wrap(cmd *exec.Cmd, err error) *apperr.CommandError {
	return &apperr.CommandError{
		Args: append([]string{cmd.Path}, cmd.Args[1:]...),
		Base: err,
	}
}

// LookupUID resolves a configured "runas" value, which may be a user
// name or a "#<uid>" numeric form, to the matching *user.User the way
// sudo itself would.
func LookupUID(runas string) (*user.User, error) {
	if strings.HasPrefix(runas, "#") {
		return user.LookupId(strings.TrimPrefix(runas, "#"))
	}
	return user.Lookup(runas)
}

// Credential turns a resolved system user into a syscall.Credential
// suitable for SysProcAttr, for the rare case a pilot needs to drop
// privileges natively instead of shelling out through sudo.
func Credential(u *user.User) (*syscall.Credential, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
