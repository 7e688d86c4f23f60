package errno

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrnoString(t *testing.T) {
	for _, c := range []struct {
		errno    Errno
		expected string
	}{
		{NoError, "no error"},
		{ThreadNotFound, "runtime error: thread not found"},
		{ThreadJoinFailure, "runtime error: thread join failed"},
		{ThreadRuntimeFailure, "runtime error: thread failed in runtime context"},
		{MemoryOutOfBounds, "runtime error: shared memory access out of bounds"},
		{TIDPointerConversionFailed, "runtime error: could not convert tid pointer to host offset"},
		{TmgmtLockPoisoned, "runtime error: thread manager lock was poisoned"},
		{LibNoResultAfterJoin, "library error: no result available after thread join"},
		{LibMultipleRefsAfterJoin, "library error: multiple references to result after thread join"},
		{Errno(42), "unknown error"},
	} {
		require.Equal(t, c.expected, c.errno.String())
		require.Equal(t, c.expected, c.errno.Error())
	}
}

func TestPanicError(t *testing.T) {
	p := &Panic{Code: ThreadNotFound}
	var err error = p
	require.ErrorContains(t, err, "runtime error: thread not found")

	var target *Panic
	require.True(t, errors.As(err, &target))
	require.Equal(t, ThreadNotFound, target.Code)
}
