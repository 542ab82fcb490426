package runcmd

import (
	"context"
	"errors"
	"testing"

	"github.com/Elektrobit/flake-pilot-sub000/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserCommandNoElevation(t *testing.T) {
	cmd := User{}.Command(context.Background(), "echo", "hi")
	assert.Equal(t, "echo", cmd.Args[0])
	assert.Equal(t, []string{"echo", "hi"}, cmd.Args)
}

func TestUserCommandElevated(t *testing.T) {
	cmd := Root.Command(context.Background(), "podman", "ps")
	assert.Equal(t, "sudo", cmd.Args[0])
	assert.Equal(t, []string{"sudo", "--user", "root", "podman", "ps"}, cmd.Args)
}

func TestPerformSuccess(t *testing.T) {
	cmd := User{}.Command(context.Background(), "echo", "-n", "hello")
	res, err := Perform(cmd)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(res.Stdout))
}

func TestPerformFailureWrapsArgs(t *testing.T) {
	cmd := User{}.Command(context.Background(), "false")
	_, err := Perform(cmd)
	require.Error(t, err)

	var cmdErr *apperr.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Contains(t, cmdErr.Error(), "false")

	code, ok := cmdErr.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 1, code)
}

func TestLookupUIDNumeric(t *testing.T) {
	u, err := LookupUID("#0")
	require.NoError(t, err)
	assert.Equal(t, "0", u.Uid)
}
