package addrspace

const (
	kiB = 1024
	miB = 1024 * kiB
	giB = 1024 * miB

	// SuperPageShift is the log2 of SuperPageSize.
	SuperPageShift = 21
	// SuperPageSize is the granularity unit of pool-level allocation. Every chunk a
	// pool hands out is a whole number of super pages.
	SuperPageSize = 1 << SuperPageShift
	// SuperPageOffsetMask selects the offset of an address within its super page.
	SuperPageOffsetMask uintptr = SuperPageSize - 1
	// SuperPageBaseMask selects the base of the super page containing an address.
	SuperPageBaseMask uintptr = ^SuperPageOffsetMask

	// PartitionPageSize is the size of the metadata area at the front of each super
	// page. Freelist links may never point into it.
	PartitionPageSize = 16 * kiB

	// PoolMaxSize is the size of each pool carved from the cage reservation. Pools
	// are aligned on their own size so that membership of an address reduces to a
	// single mask and compare.
	PoolMaxSize = 16 * giB

	NonBRPPoolSize = PoolMaxSize
	BRPPoolSize    = PoolMaxSize

	// ConfigurablePoolMaxSize bounds the embedder-provided pool. It sits outside
	// the cage reservation.
	ConfigurablePoolMaxSize = 4 * giB
	// ConfigurablePoolMinSize is the smallest configurable pool an embedder may
	// install. InitConfigurablePool rejects anything smaller.
	ConfigurablePoolMinSize = 2 * SuperPageSize

	// ForbiddenZoneSize is the hole carved out of the front of the BRP pool's
	// allocatable range. A one-past-end pointer into the preceding pool lands here
	// instead of on a live BRP allocation.
	ForbiddenZoneSize = SuperPageSize

	// desiredSize is the address space the pools actually cover; the reservation is
	// oversized by one pool so that an interior PoolMaxSize alignment always exists.
	desiredSize  = NonBRPPoolSize + BRPPoolSize
	reservedSize = desiredSize + PoolMaxSize

	nonBRPPoolOffsetMask uintptr = NonBRPPoolSize - 1
	nonBRPPoolBaseMask   uintptr = ^nonBRPPoolOffsetMask
	brpPoolOffsetMask    uintptr = BRPPoolSize - 1
	brpPoolBaseMask      uintptr = ^brpPoolOffsetMask

	// MaxPoolBits is the occupancy bitmap capacity: one bit per super page of the
	// largest supported pool.
	MaxPoolBits = PoolMaxSize / SuperPageSize

	maxPools = 4
)

// Handle identifies a registered pool. Handle 0 is reserved to mean "none"; real
// handles are stable for the pool's lifetime.
type Handle int
