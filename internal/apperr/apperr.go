// Package apperr defines the error taxonomy shared by the podman and
// firecracker pilots and the mapping from an error value to a process
// exit code.
package apperr

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrAlreadyRunning is returned when a pilot is asked to create an
// instance for a flake that already has a live CID/VMID file and
// neither resume nor attach mode applies.
var ErrAlreadyRunning = errors.New("container id in use by another instance, consider @NAME argument")

// CommandError wraps the failure of a sub-process invocation together
// with the argv that produced it, mirroring the original pilots' habit
// of always surfacing the full command line next to the failure.
type CommandError struct {
	Args []string
	Base error
}

func (e *CommandError) Error() string {
	return strings.Join(e.Args, " ") + " " + e.Base.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Base
}

// ExitCode reports the exit status carried by the wrapped error, if
// any. ok is false when the failure never produced a process exit
// status (spawn failure, I/O error).
func (e *CommandError) ExitCode() (code int, ok bool) {
	var exitErr *exec.ExitError
	if errors.As(e.Base, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

// ExitStatusError reports an exit status that arrived over the vsock
// guest channel rather than as a local process's own termination: the
// guest runs the dispatched command out-of-process, so there is no
// *exec.ExitError to unwrap, only the integer it reported back.
type ExitStatusError struct {
	Code int
}

func (e *ExitStatusError) Error() string {
	return fmt.Sprintf("guest process exited with status %d", e.Code)
}

// ConfigMergeErrorKind enumerates the ways a merged flake configuration
// can fail post-merge validation.
type ConfigMergeErrorKind int

const (
	// MissingName means no container/vm name resolved after all
	// drop-ins were merged in.
	MissingName ConfigMergeErrorKind = iota
	// MissingHostPath means host_app_path never resolved.
	MissingHostPath
	// MissingEngineType means neither "container" nor "vm" was present
	// (or a v2 engine.pilot names no known engine).
	MissingEngineType
	// ConversionMismatch means the merged engine_type does not match
	// the pilot performing the load (e.g. a firecracker pilot loading
	// a podman-only flake).
	ConversionMismatch
	// UnmatchedProgramName means a v2 path_map has entries but none of
	// them export the name the flake was invoked as.
	UnmatchedProgramName
	// MissingFirecrackerParams means a vm: section (or a v2 document
	// whose engine.pilot is firecracker-pilot) never populated its
	// firecracker runtime parameters.
	MissingFirecrackerParams
)

func (k ConfigMergeErrorKind) String() string {
	switch k {
	case MissingName:
		return "missing name"
	case MissingHostPath:
		return "missing host_app_path"
	case MissingEngineType:
		return "missing engine type"
	case ConversionMismatch:
		return "engine type mismatch"
	case UnmatchedProgramName:
		return "no path_map entry for invoked program"
	case MissingFirecrackerParams:
		return "missing firecracker runtime parameters"
	default:
		return "unknown config merge error"
	}
}

// ConfigMergeError reports that a flake configuration, after merging
// its base file with every drop-in, is missing a required field or
// targets the wrong engine.
type ConfigMergeError struct {
	Kind    ConfigMergeErrorKind
	Configs []string
}

func (e *ConfigMergeError) Error() string {
	return fmt.Sprintf("%s (from %v)", e.Kind, e.Configs)
}

// ExitCode determines the process exit code a top-level error should
// produce. A failed sub command forwards its own exit code so callers
// see the same status the underlying podman/firecracker/rsync call
// produced; every other error is reported as a generic failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		if code, ok := cmdErr.ExitCode(); ok {
			return code
		}
	}
	var statusErr *ExitStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 1
}
