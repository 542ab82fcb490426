// Package commands provides the shared cobra scaffolding both pilot
// binaries build their root command from: a single silent RunE and
// nothing else. Flag parsing is disabled because every argument on
// the command line belongs to the flake invocation, not to us, so
// there is no subcommand or flag surface exposed to the host user —
// matching the original pilots, which never took subcommands either.
// Build metadata is still attached via Command.Version so `go build
// -ldflags` injection has somewhere to land, even though the disabled
// flag parsing means cobra's automatic --version handling never fires.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// VersionInfo holds the ldflags-injected build metadata.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", v.Version, v.Commit, v.Date)
}

// NewRoot builds the root command for a pilot binary. runE receives
// the process's real argv (not cobra's parsed flags, and not the
// fixed command name `use` — flake-pilot binaries are invoked through
// a per-flake symlink, so argv[0] carries the flake's identity and
// must survive untouched for internal/identity to resolve it).
func NewRoot(use, short string, version VersionInfo, runE func(argv []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Version: version.String(),
		// Don't print usage on errors - exit codes and pilot logging
		// carry the diagnosis, the way the original pilots behave.
		SilenceUsage: true,
		SilenceErrors: true,
		// Every argument belongs to the flake invocation, not to us.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runE(os.Args)
		},
	}
	return cmd
}
