package quarantine

import "unsafe"

// Bucket describes the size class a slot span belongs to.
type Bucket struct {
	SlotSize     int
	DirectMapped bool
}

// SlotSpan is the per-span metadata the allocator root keeps for a run of slots
// of one bucket.
type SlotSpan struct {
	Bucket *Bucket
}

// PartitionRoot is the slot-span allocator the quarantine sits in front of. The
// quarantine only ever defers frees; every actual release goes through
// FreeNoHooksImmediate, which must be synchronous and must not call back into the
// quarantine.
type PartitionRoot interface {
	ObjectToSlotStart(object unsafe.Pointer) uintptr
	SlotStartToObject(slotStart uintptr) unsafe.Pointer

	// SlotSpanFromObject and SlotSpanFromSlotStart must agree for an object and
	// its slot start.
	SlotSpanFromObject(object unsafe.Pointer) *SlotSpan
	SlotSpanFromSlotStart(slotStart uintptr) *SlotSpan

	GetSlotUsableSize(span *SlotSpan) int
	IsDirectMappedBucket(bucket *Bucket) bool

	// BRPEnabled reports whether allocations in this root carry an in-slot
	// reference count. When it does, PreReleaseFromAllocator is invoked for each
	// slot the quarantine retains, right after the slot has been inserted.
	BRPEnabled() bool
	PreReleaseFromAllocator(slotStart uintptr, span *SlotSpan)

	FreeNoHooksImmediate(object unsafe.Pointer, span *SlotSpan, slotStart uintptr)
}
