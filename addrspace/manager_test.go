package addrspace_test

import (
	"testing"

	"github.com/cagekit/cage/addrspace"
	"github.com/stretchr/testify/require"
)

func TestManagerHandleLifecycle(t *testing.T) {
	var manager addrspace.AddressPoolManager

	baseA := uintptr(0x1000_0000_0000)
	baseB := uintptr(0x2000_0000_0000)

	handleA := manager.Add(baseA, 4*superPage)
	handleB := manager.Add(baseB, 4*superPage)
	require.Equal(t, addrspace.Handle(1), handleA)
	require.Equal(t, addrspace.Handle(2), handleB)

	require.Equal(t, baseA, manager.Alloc(handleA, superPage))
	require.Equal(t, baseB, manager.Alloc(handleB, superPage))

	manager.Free(handleA, baseA, superPage)
	require.Equal(t, baseA, manager.Alloc(handleA, superPage))

	// Removing a pool frees its handle slot for reuse.
	manager.Remove(handleA)
	handleC := manager.Add(baseA, 2*superPage)
	require.Equal(t, handleA, handleC)

	manager.ResetForTesting()
	require.Panics(t, func() {
		manager.Alloc(handleB, superPage)
	})
}

func TestManagerInvalidHandlePanics(t *testing.T) {
	var manager addrspace.AddressPoolManager

	require.Panics(t, func() {
		manager.Alloc(0, superPage)
	})
	require.Panics(t, func() {
		manager.Alloc(addrspace.Handle(99), superPage)
	})
	require.Panics(t, func() {
		// Registered nowhere.
		manager.Free(addrspace.Handle(1), 0x1000_0000_0000, superPage)
	})
}

func TestManagerTryReserve(t *testing.T) {
	var manager addrspace.AddressPoolManager

	base := uintptr(0x3000_0000_0000)
	handle := manager.Add(base, 8*superPage)

	require.True(t, manager.TryReserve(handle, base+4*superPage, 2*superPage))
	require.False(t, manager.TryReserve(handle, base+4*superPage, superPage))

	require.Equal(t, base, manager.Alloc(handle, 4*superPage))
	require.Equal(t, base+6*superPage, manager.Alloc(handle, 2*superPage))
	require.Equal(t, uintptr(0), manager.Alloc(handle, superPage))

	manager.Free(handle, base+4*superPage, 2*superPage)
	require.Equal(t, base+4*superPage, manager.Alloc(handle, 2*superPage))
}

func TestManagerExhaustedPoolReturnsZero(t *testing.T) {
	var manager addrspace.AddressPoolManager

	base := uintptr(0x4000_0000_0000)
	handle := manager.Add(base, 2*superPage)

	require.Equal(t, base, manager.Alloc(handle, 2*superPage))
	require.Equal(t, uintptr(0), manager.Alloc(handle, superPage))
}

func TestManagerSingletonIsStable(t *testing.T) {
	require.Same(t, addrspace.Instance(), addrspace.Instance())
}
