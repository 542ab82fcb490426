package commands

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRootForwardsRealArgv(t *testing.T) {
	// argv[0] must survive as the real process argv, e.g. a per-flake
	// symlink name like "myapp", never the fixed cobra Use string —
	// identity resolution depends on seeing the invoked name.
	oldArgs := os.Args
	os.Args = []string{"myapp", "--flag", "value"}
	defer func() { os.Args = oldArgs }()

	var got []string
	cmd := NewRoot("flake-pilot-podman", "test", VersionInfo{Version: "1.2.3"}, func(argv []string) error {
		got = argv
		return nil
	})
	cmd.SetArgs([]string{"--flag", "value"})
	assert.NoError(t, cmd.Execute())
	assert.Equal(t, []string{"myapp", "--flag", "value"}, got)
}

func TestVersionInfoString(t *testing.T) {
	v := VersionInfo{Version: "1.0.0", Commit: "abcd", Date: "2026-01-01"}
	assert.Equal(t, "1.0.0 (commit: abcd, built: 2026-01-01)", v.String())
}
