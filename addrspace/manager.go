package addrspace

import (
	"fmt"
	"sync"

	"github.com/cagekit/cage/memutils"
)

// AddressPoolManager owns the occupancy bitmaps for every registered pool and
// resolves pool handles. Alloc and Free trampoline to the pool behind the handle;
// the pool's own lock is the only synchronization on those paths.
//
// The manager is a process-wide singleton constructed on first use and never torn
// down, so destructor-ordering races at process exit cannot observe a dead
// manager.
type AddressPoolManager struct {
	registrationLock sync.Mutex
	pools            [maxPools]Pool
}

var (
	managerInstance *AddressPoolManager
	managerOnce     sync.Once
)

// Instance returns the process-wide pool manager, constructing it on first use.
// The instance is intentionally leaked.
func Instance() *AddressPoolManager {
	managerOnce.Do(func() {
		managerInstance = &AddressPoolManager{}
	})
	return managerInstance
}

// Add registers a new pool covering [ptr, ptr+length) and returns its handle.
// Running out of handle slots is a contract violation and panics.
func (m *AddressPoolManager) Add(ptr uintptr, length uintptr) Handle {
	memutils.DebugCheckAligned(ptr, SuperPageSize, "pool base")
	memutils.DebugCheckAligned(length, SuperPageSize, "pool length")

	m.registrationLock.Lock()
	defer m.registrationLock.Unlock()

	for i := 0; i < maxPools; i++ {
		if !m.pools[i].IsInitialized() {
			m.pools[i].Initialize(ptr, length)
			return Handle(i + 1)
		}
	}
	panic(fmt.Sprintf("all %d pool handles are occupied", maxPools))
}

// Remove destroys the pool behind handle. Its handle slot becomes reusable. The
// address space the pool covered is not unmapped.
func (m *AddressPoolManager) Remove(handle Handle) {
	m.getPool(handle).Reset()
}

// Alloc returns the base address of a chunk of length bytes from the pool behind
// handle, or 0 when the pool is exhausted.
func (m *AddressPoolManager) Alloc(handle Handle, length int) uintptr {
	return m.getPool(handle).FindChunk(length)
}

// Free returns a chunk to the pool behind handle.
func (m *AddressPoolManager) Free(handle Handle, address uintptr, length int) {
	m.getPool(handle).FreeChunk(address, length)
}

// TryReserve claims the specific run [address, address+length) from the pool
// behind handle if every super page in it is free.
func (m *AddressPoolManager) TryReserve(handle Handle, address uintptr, length int) bool {
	return m.getPool(handle).TryReserveChunk(address, length)
}

// ResetForTesting destroys every registered pool.
func (m *AddressPoolManager) ResetForTesting() {
	m.registrationLock.Lock()
	defer m.registrationLock.Unlock()

	for i := range m.pools {
		m.pools[i].Reset()
	}
}

// AddDetailedStatistics sums the occupancy of every registered pool into stats.
func (m *AddressPoolManager) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for i := range m.pools {
		m.pools[i].AddDetailedStatistics(stats)
	}
}

func (m *AddressPoolManager) getPool(handle Handle) *Pool {
	if handle <= 0 || handle > maxPools {
		panic(fmt.Sprintf("invalid pool handle %d", handle))
	}
	pool := &m.pools[handle-1]
	if !pool.IsInitialized() {
		panic(fmt.Sprintf("pool handle %d is not registered", handle))
	}
	return pool
}
