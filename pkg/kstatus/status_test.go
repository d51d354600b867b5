package kstatus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOk(t *testing.T) {
	require.True(t, OK.Ok())
	require.False(t, NotFound.Ok())
}

func TestErrorsIs(t *testing.T) {
	var err error = NotFound
	require.True(t, errors.Is(err, NotFound))
	require.False(t, errors.Is(err, InUse))
}

func TestAsStatus(t *testing.T) {
	require.Equal(t, OK, AsStatus(nil))
	require.Equal(t, InUse, AsStatus(InUse))
	require.Equal(t, Corrupt, AsStatus(errors.New("boom")))
}
