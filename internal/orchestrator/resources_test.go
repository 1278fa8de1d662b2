package orchestrator

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScope_ReleasesInLIFOOrder(t *testing.T) {
	scope := NewScope()

	var order []string
	scope.Defer(func() error { order = append(order, "first"); return nil })
	scope.Defer(func() error { order = append(order, "second"); return nil })
	scope.Defer(func() error { order = append(order, "third"); return nil })

	scope.Close()
	require.Equal(t, []string{"third", "second", "first"}, order)
}

func TestScope_ReleaseFailureDoesNotStopRemaining(t *testing.T) {
	scope := NewScope()

	var released bool
	scope.Defer(func() error { released = true; return nil })
	scope.Defer(func() error { return errors.New("unlink failed") })

	scope.Close()
	require.True(t, released)
}

func TestScope_CloseIsIdempotent(t *testing.T) {
	scope := NewScope()

	calls := 0
	scope.Defer(func() error { calls++; return nil })

	scope.Close()
	scope.Close()
	require.Equal(t, 1, calls)
}

func TestScope_DeferAfterCloseReleasesImmediately(t *testing.T) {
	scope := NewScope()
	scope.Close()

	released := false
	scope.Defer(func() error { released = true; return nil })
	require.True(t, released)
}

func TestScope_TempDirRemovedOnClose(t *testing.T) {
	parent := t.TempDir()
	scope := NewScope()

	dir, err := scope.TempDir(parent, "work-*")
	require.NoError(t, err)
	require.DirExists(t, dir)

	require.NoError(t, os.WriteFile(dir+"/scratch.dat", []byte("x"), 0o644))

	scope.Close()
	require.NoDirExists(t, dir)
}
