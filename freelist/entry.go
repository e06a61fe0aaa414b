// Package freelist implements the in-slot free list link used inside slot spans.
// The "next" pointer is stored as a pool-relative tagged offset rather than a raw
// address, so a corrupted link can at worst steer within its own pool, and a
// companion shadow word (the bitwise inverse of the offset) catches single-word
// overwrites before the link is followed.
package freelist

import (
	"fmt"
	"unsafe"

	"github.com/cagekit/cage/addrspace"
)

// PtrTagMask selects the memory-tagging (MTE) bits of a pointer. On hardware
// without tagging these bits are always zero; encoding preserves them verbatim
// either way.
const PtrTagMask uintptr = 0x0f00_0000_0000_0000

const encodedNull uintptr = 0

// EntrySize is the number of bytes an Entry occupies at the front of a freed
// slot. Slots smaller than this cannot carry a freelist link.
const EntrySize = 2 * unsafe.Sizeof(uintptr(0))

// CorruptionError carries the raw link words of a malformed entry for the crash
// payload. The encoded offset and shadow are reported untouched so the overwrite
// that caused the fault can be diagnosed from a dump.
type CorruptionError struct {
	EncodedNext uintptr
	Shadow      uintptr
	SlotSize    int
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("freelist corruption detected: encoded next %#x, shadow %#x, slot size %d",
		e.EncodedNext, e.Shadow, e.SlotSize)
}

// Entry is a freelist link living in the first bytes of a freed slot. It is
// never constructed as a Go value; use the Emplace functions to lay one over raw
// slot memory.
type Entry struct {
	encodedNext uintptr
	// Inverse of encodedNext. A use-after-free or a linear overflow from the
	// previous slot rewrites one word and not its inverse.
	shadow uintptr
}

func entryAt(slotStart uintptr) *Entry {
	return (*Entry)(unsafe.Pointer(slotStart))
}

// EmplaceAndInitNull lays a null-terminated freelist entry over the first bytes
// of the slot at slotStart.
func EmplaceAndInitNull(slotStart uintptr) *Entry {
	entry := entryAt(slotStart)
	entry.encodedNext = encodedNull
	entry.shadow = ^encodedNull
	return entry
}

// EmplaceAndInitForThreadCache lays a freelist entry over the slot at slotStart
// pointing at next. Thread cache chains may cross super pages, so the same-super-
// page check that SetNext performs is skipped here.
func EmplaceAndInitForThreadCache(slotStart uintptr, next *Entry) *Entry {
	entry := entryAt(slotStart)
	entry.setNextInternal(next)
	return entry
}

// EmplaceAndInitForTest lays an entry over the slot at slotStart with an
// arbitrary next address. makeShadowMatch selects whether the shadow is written
// correctly or as trash. Tests only.
func EmplaceAndInitForTest(slotStart uintptr, next uintptr, makeShadowMatch bool) *Entry {
	entry := entryAt(slotStart)
	entry.encodedNext = encode(next)
	if makeShadowMatch {
		entry.shadow = ^entry.encodedNext
	} else {
		entry.shadow = 12345
	}
	return entry
}

// CorruptNextForTesting overwrites the encoded link with an arbitrary value,
// leaving the shadow untouched. Tests only.
func (e *Entry) CorruptNextForTesting(v uintptr) {
	e.encodedNext = v
}

// encode represents addr as a tagged offset within its pool: the pool-relative
// offset OR'd with the address's MTE tag bits, preserved verbatim. The null
// address encodes to 0 and nothing else does, since offset 0 in a pool is the
// pool base, never a slot.
func encode(addr uintptr) uintptr {
	if addr == 0 {
		return encodedNull
	}
	info := addrspace.GetPoolInfo(addr &^ PtrTagMask)
	if info.Pool == addrspace.PoolNone {
		panic(fmt.Sprintf("freelist target %#x is not managed by any pool", addr))
	}
	return addr & (PtrTagMask | ^info.BaseMask)
}

func (e *Entry) setNextInternal(next *Entry) {
	var addr uintptr
	if next != nil {
		addr = uintptr(unsafe.Pointer(next))
	}
	e.encodedNext = encode(addr)
	e.shadow = ^e.encodedNext
}

// SetNext links next after this entry. Regular freelists always stay within one
// super page; a cross-super-page target indicates a corrupted caller and panics.
func (e *Entry) SetNext(next *Entry) {
	if next != nil {
		hereAddr := uintptr(unsafe.Pointer(e)) &^ PtrTagMask
		nextAddr := uintptr(unsafe.Pointer(next)) &^ PtrTagMask
		if hereAddr&addrspace.SuperPageBaseMask != nextAddr&addrspace.SuperPageBaseMask {
			panic(&CorruptionError{EncodedNext: e.encodedNext, Shadow: e.shadow})
		}
	}
	e.setNextInternal(next)
}

// ClearForAllocation zeroes the link words before the slot is handed to the
// user, and returns the slot start address. An all-zero offset together with an
// all-zero shadow appears only through this path.
func (e *Entry) ClearForAllocation() uintptr {
	e.encodedNext = 0
	e.shadow = 0
	return uintptr(unsafe.Pointer(e))
}

// IsEncodedNextZero reports whether the stored link is the null encoding.
func (e *Entry) IsEncodedNextZero() bool {
	return e.encodedNext == encodedNull
}

// GetNext decodes and returns the next entry, or nil at the end of the chain.
// A malformed link panics with a CorruptionError; continuing to allocate through
// a corrupt freelist risks arbitrary writes.
func (e *Entry) GetNext(slotSize int) *Entry {
	return e.getNextInternal(slotSize, true, false)
}

// GetNextForThreadCache is GetNext for chains that may cross super pages. When
// crashOnCorruption is false a malformed link decodes to nil instead of
// panicking, for probe paths that can degrade gracefully.
func (e *Entry) GetNextForThreadCache(slotSize int, crashOnCorruption bool) *Entry {
	return e.getNextInternal(slotSize, crashOnCorruption, true)
}

// CheckFreeList walks the chain until its null terminator, verifying every link.
func (e *Entry) CheckFreeList(slotSize int) {
	for entry := e; entry != nil; entry = entry.GetNext(slotSize) {
		// GetNext validates each hop.
	}
}

// CheckFreeListForThreadCache walks a thread cache chain, verifying every link.
func (e *Entry) CheckFreeListForThreadCache(slotSize int) {
	for entry := e; entry != nil; entry = entry.GetNextForThreadCache(slotSize, true) {
		// GetNextForThreadCache validates each hop.
	}
}

func (e *Entry) getNextInternal(slotSize int, crashOnCorruption, forThreadCache bool) *Entry {
	// Decommitted memory reads back as zeroes; a zero link is a terminator, not
	// corruption, and none of the checks below apply.
	if e.IsEncodedNextZero() {
		return nil
	}

	hereAddr := uintptr(unsafe.Pointer(e)) &^ PtrTagMask
	info := addrspace.GetPoolInfo(hereAddr)
	if info.Pool == addrspace.PoolNone {
		// An entry outside every pool has no base to decode against.
		if crashOnCorruption {
			panic(&CorruptionError{EncodedNext: e.encodedNext, Shadow: e.shadow, SlotSize: slotSize})
		}
		return nil
	}
	nextAddr := info.Base | e.encodedNext
	nextUntagged := nextAddr &^ PtrTagMask

	if !e.isWellFormed(info, hereAddr, nextUntagged, forThreadCache) {
		if crashOnCorruption {
			panic(&CorruptionError{EncodedNext: e.encodedNext, Shadow: e.shadow, SlotSize: slotSize})
		}
		return nil
	}
	return entryAt(nextAddr)
}

// isWellFormed refuses to let the freelist be blindly followed to an arbitrary
// location:
//   - the shadow must be the inverse of the stored offset
//   - the offset must carry no pool-base bits beyond the MTE tag
//   - the target must not sit in the super page's metadata area
//   - outside thread cache chains, the target shares this entry's super page
func (e *Entry) isWellFormed(info addrspace.PoolInfo, hereAddr, nextUntagged uintptr, forThreadCache bool) bool {
	shadowOK := ^e.encodedNext == e.shadow

	poolBaseMaskMatches := e.encodedNext&^PtrTagMask&info.BaseMask == 0

	notInMetadata := nextUntagged&addrspace.SuperPageOffsetMask >= addrspace.PartitionPageSize

	if forThreadCache {
		return shadowOK && poolBaseMaskMatches && notInMetadata
	}

	sameSuperPage := hereAddr&addrspace.SuperPageBaseMask == nextUntagged&addrspace.SuperPageBaseMask

	return shadowOK && poolBaseMaskMatches && notInMetadata && sameSuperPage
}
