package quarantine_test

import (
	"sync"
	"unsafe"

	"github.com/cagekit/cage/quarantine"
)

// fakeSlot is one allocation handed out by the fake allocator root.
type fakeSlot struct {
	buf  []byte
	span *quarantine.SlotSpan
	live bool
}

// fakePartitionRoot is a functional allocator root for tests: it hands out real
// Go buffers, resolves spans and records every free so double frees are caught.
type fakePartitionRoot struct {
	mu sync.Mutex

	brpEnabled bool

	slots       map[uintptr]*fakeSlot
	freeCount   int
	doubleFrees int
	preReleases int
}

func newFakePartitionRoot() *fakePartitionRoot {
	return &fakePartitionRoot{slots: map[uintptr]*fakeSlot{}}
}

// NewObject allocates a slot of the given usable size and returns the object
// pointer. The buffer stays referenced by the root so its address is stable.
func (r *fakePartitionRoot) NewObject(usableSize int, directMapped bool) unsafe.Pointer {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := make([]byte, usableSize)
	slot := &fakeSlot{
		buf:  buf,
		span: &quarantine.SlotSpan{Bucket: &quarantine.Bucket{SlotSize: usableSize, DirectMapped: directMapped}},
		live: true,
	}
	slotStart := uintptr(unsafe.Pointer(&buf[0]))
	r.slots[slotStart] = slot
	return unsafe.Pointer(&buf[0])
}

func (r *fakePartitionRoot) Span(object unsafe.Pointer) *quarantine.SlotSpan {
	return r.SlotSpanFromObject(object)
}

func (r *fakePartitionRoot) ObjectToSlotStart(object unsafe.Pointer) uintptr {
	return uintptr(object)
}

func (r *fakePartitionRoot) SlotStartToObject(slotStart uintptr) unsafe.Pointer {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[slotStart]
	if slot == nil {
		panic("slot start does not resolve to a known slot")
	}
	return unsafe.Pointer(&slot.buf[0])
}

func (r *fakePartitionRoot) SlotSpanFromObject(object unsafe.Pointer) *quarantine.SlotSpan {
	return r.SlotSpanFromSlotStart(uintptr(object))
}

func (r *fakePartitionRoot) SlotSpanFromSlotStart(slotStart uintptr) *quarantine.SlotSpan {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[slotStart]
	if slot == nil {
		panic("slot start does not resolve to a known slot")
	}
	return slot.span
}

func (r *fakePartitionRoot) GetSlotUsableSize(span *quarantine.SlotSpan) int {
	return span.Bucket.SlotSize
}

func (r *fakePartitionRoot) IsDirectMappedBucket(bucket *quarantine.Bucket) bool {
	return bucket.DirectMapped
}

func (r *fakePartitionRoot) BRPEnabled() bool {
	return r.brpEnabled
}

func (r *fakePartitionRoot) PreReleaseFromAllocator(slotStart uintptr, span *quarantine.SlotSpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preReleases++
}

func (r *fakePartitionRoot) FreeNoHooksImmediate(object unsafe.Pointer, span *quarantine.SlotSpan, slotStart uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[slotStart]
	if slot == nil {
		panic("free of an unknown slot")
	}
	if !slot.live {
		r.doubleFrees++
		return
	}
	slot.live = false
	r.freeCount++
}

func (r *fakePartitionRoot) frees() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeCount
}

func (r *fakePartitionRoot) doubleFreeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doubleFrees
}

func (r *fakePartitionRoot) preReleaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preReleases
}

func (r *fakePartitionRoot) isLive(object unsafe.Pointer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[uintptr(object)].live
}

// resurrect marks every slot live again so a fresh round of quarantining can
// reuse the same allocations.
func (r *fakePartitionRoot) resurrect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, slot := range r.slots {
		slot.live = true
	}
	r.freeCount = 0
}
