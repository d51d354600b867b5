package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type obj48 struct {
	data [48]byte
}

func newCache(t *testing.T, cpus int, flags Flags) *Cache {
	t.Helper()
	c, err := Create("obj48", func() interface{} { return &obj48{} }, nil, nil, nil, NewHeapArena(), cpus, flags, nil)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

func TestAllocFreeChurn(t *testing.T) {
	c := newCache(t, 4, 0)

	objs := make([]interface{}, 0, 1000)
	for i := 0; i < 1000; i++ {
		o, err := c.Alloc(i % 4)
		require.NoError(t, err)
		require.NotNil(t, o)
		objs = append(objs, o)
	}
	require.Equal(t, 1000, c.AllocatedCount())

	for i := len(objs) - 1; i >= 0; i-- {
		c.Free(i%4, objs[i])
	}
	require.Equal(t, 0, c.AllocatedCount())
}

func TestDestroyPanicsOnOutstandingAlloc(t *testing.T) {
	c, err := Create("leaky", func() interface{} { return &obj48{} }, nil, nil, nil, NewHeapArena(), 1, 0, nil)
	require.NoError(t, err)
	_, err = c.Alloc(0)
	require.NoError(t, err)

	require.PanicsWithValue(t, `slab: cache "leaky" destroyed with 1 allocations outstanding`, func() {
		c.Destroy()
	})
	// clean up the registry entry so other tests' Reclaim() isn't affected
	unregisterCache(c)
}

func TestConstructorFailureReturnsBufferToSlab(t *testing.T) {
	calls := 0
	c, err := Create("ctorfail", func() interface{} { return &obj48{} }, func(obj interface{}) error {
		calls++
		if calls == 1 {
			return errInjected
		}
		return nil
	}, nil, nil, NewHeapArena(), 1, FlagNoMagazine, nil)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	_, err = c.Alloc(0)
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, 0, c.AllocatedCount())

	// the buffer should be reusable afterwards
	o, err := c.Alloc(0)
	require.NoError(t, err)
	require.NotNil(t, o)
	c.Free(0, o)
}

func TestLateMagazineEnablement(t *testing.T) {
	c, err := Create("late", func() interface{} { return &obj48{} }, nil, nil, nil, NewHeapArena(), 0, 0, nil)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	require.Nil(t, c.cpus)

	c.EnableMagazines(4)
	require.Len(t, c.cpus, 4)

	o, err := c.Alloc(2)
	require.NoError(t, err)
	c.Free(2, o)
}

func TestReclaimDrainsMagazines(t *testing.T) {
	c := newCache(t, 2, 0)
	var objs []interface{}
	for i := 0; i < 40; i++ {
		o, err := c.Alloc(0)
		require.NoError(t, err)
		objs = append(objs, o)
	}
	for _, o := range objs {
		c.Free(0, o)
	}
	require.True(t, Reclaim())
	require.Equal(t, 0, c.AllocatedCount())
}

var errInjected = &ctorError{}

type ctorError struct{}

func (*ctorError) Error() string { return "ctor failed" }
