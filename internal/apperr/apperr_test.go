package apperr

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandErrorExitCodeFromExitError(t *testing.T) {
	cmd := exec.CommandContext(context.Background(), "sh", "-c", "exit 7")
	err := cmd.Run()
	require.Error(t, err)

	cmdErr := &CommandError{Args: []string{"sh", "-c", "exit 7"}, Base: err}
	code, ok := cmdErr.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 7, code)
	assert.ErrorIs(t, cmdErr, err)
}

// A shell "exit N" wraps N into a byte, so 256 loops back to 0 — this
// exercises the whole range ExitCode ever has to forward, not just a
// couple of spot checks.
func TestExitCodeForwardsFullByteRange(t *testing.T) {
	for n := 0; n < 256; n++ {
		n := n
		cmd := exec.CommandContext(context.Background(), "sh", "-c", fmt.Sprintf("exit %d", n))
		err := cmd.Run()
		if n == 0 {
			require.NoError(t, err)
			continue
		}
		require.Error(t, err)

		got := ExitCode(&CommandError{Args: []string{"sh"}, Base: err})
		assert.Equal(t, n, got, "exit code %d", n)
	}
}

func TestCommandErrorExitCodeNotAnExitError(t *testing.T) {
	cmdErr := &CommandError{Args: []string{"podman"}, Base: errors.New("boom")}
	_, ok := cmdErr.ExitCode()
	assert.False(t, ok)
}

func TestExitCodeForwardsCommandExitStatus(t *testing.T) {
	cmd := exec.CommandContext(context.Background(), "sh", "-c", "exit 3")
	err := cmd.Run()
	require.Error(t, err)

	got := ExitCode(&CommandError{Args: []string{"sh"}, Base: err})
	assert.Equal(t, 3, got)
}

func TestExitCodeDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, ExitCode(ErrAlreadyRunning))
	assert.Equal(t, 0, ExitCode(nil))
}

func TestExitCodeForwardsGuestExitStatus(t *testing.T) {
	got := ExitCode(&ExitStatusError{Code: 42})
	assert.Equal(t, 42, got)
}

func TestConfigMergeErrorMessage(t *testing.T) {
	err := &ConfigMergeError{Kind: MissingHostPath, Configs: []string{"a.yaml"}}
	assert.Contains(t, err.Error(), "missing host_app_path")
}

func TestConfigMergeErrorDistinguishesUnmatchedProgramName(t *testing.T) {
	err := &ConfigMergeError{Kind: UnmatchedProgramName, Configs: []string{"toolbox.yaml"}}
	assert.Contains(t, err.Error(), "no path_map entry for invoked program")
}
