// Package identity resolves how a pilot was invoked: which flake it
// is acting on, and which of the arguments are the special @NAME
// instance-selector tokens rather than arguments meant for the
// program running inside the container or VM.
package identity

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrEmptyArgv is returned when Resolve is handed an empty argument
// list, which should never happen under a real process invocation.
var ErrEmptyArgv = errors.New("identity: empty argv")

// Invocation captures everything derived from argv[0] and the raw
// argument list before any flake configuration is consulted.
type Invocation struct {
	// ProgramName is the basename the pilot was invoked as, e.g. the
	// symlink name flake-ctl created during registration.
	ProgramName string
	// InstanceSuffix accumulates every "@NAME" token seen on the
	// command line, in order, the way the original pilots fold them
	// into the CID/VMID file name so distinct instances of the same
	// flake don't collide.
	InstanceSuffix string
	// PassArgs is argv[1:] with every "@..." token removed, the set
	// of arguments that are actually forwarded to the program inside
	// the container/VM.
	PassArgs []string
}

// Resolve inspects argv to build an Invocation. The flake's identity
// comes from argv[0] itself — the symlink name flake-ctl created
// during registration — not from the pilot binary the symlink points
// at, matching the original pilots' `basename(which(argv[0]))`: a
// `which` lookup finds argv[0] on PATH but never follows it to the
// real binary, so the name a flake was invoked as survives intact.
// Deliberately does not call os.Executable()/filepath.EvalSymlinks,
// which would resolve straight through to the real binary and lose
// the invoked name entirely.
func Resolve(argv []string) (Invocation, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Invocation{}, ErrEmptyArgv
	}

	inv := Invocation{ProgramName: filepath.Base(argv[0])}
	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, "@") {
			inv.InstanceSuffix += arg
			continue
		}
		inv.PassArgs = append(inv.PassArgs, arg)
	}
	return inv, nil
}

// MetaName is the basename used for CID/VMID/overlay file names: the
// registered program name plus any @NAME suffix, so "myapp @ci" and
// "myapp @staging" never share an instance.
func (i Invocation) MetaName() string {
	return i.ProgramName + i.InstanceSuffix
}

// ConfigBasename is the flake name used to locate the YAML
// configuration file and its .d drop-in directory; unlike MetaName it
// never includes the @NAME suffix, since every named instance of a
// flake shares one configuration.
func (i Invocation) ConfigBasename() string {
	return i.ProgramName
}
