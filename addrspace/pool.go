package addrspace

import (
	"fmt"
	"sync"

	"github.com/cagekit/cage/memutils"
	"github.com/pkg/errors"
)

// Pool tracks occupancy of a contiguous run of super pages with one bit per page:
// 1 = allocated, 0 = free. All mutation happens under the pool lock.
type Pool struct {
	lock sync.Mutex

	allocBitset [MaxPoolBits / 64]uint64
	// Index before which every bit is known to be 1. Best-effort: there may be more
	// 1s past it, but no free chunk before it.
	bitHint int

	totalBits    int
	addressBegin uintptr
	addressEnd   uintptr
}

// Initialize prepares the pool to hand out chunks from [ptr, ptr+length). Both ptr
// and length must be super-page-aligned.
func (p *Pool) Initialize(ptr uintptr, length uintptr) {
	if length/SuperPageSize > MaxPoolBits {
		panic(fmt.Sprintf("pool of %d bytes exceeds the %d super page bitmap capacity", length, MaxPoolBits))
	}
	if err := memutils.CheckAligned(ptr, SuperPageSize, "pool base"); err != nil {
		panic(err)
	}
	if err := memutils.CheckAligned(length, SuperPageSize, "pool length"); err != nil {
		panic(err)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.totalBits = int(length / SuperPageSize)
	p.addressBegin = ptr
	p.addressEnd = ptr + length
	p.bitHint = 0
	for i := range p.allocBitset {
		p.allocBitset[i] = 0
	}
}

func (p *Pool) IsInitialized() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.addressBegin != 0
}

// Reset returns the pool to its uninitialized state. The address space it covered
// is not released; that is the reservation's problem.
func (p *Pool) Reset() {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.totalBits = 0
	p.addressBegin = 0
	p.addressEnd = 0
	p.bitHint = 0
	for i := range p.allocBitset {
		p.allocBitset[i] = 0
	}
}

func (p *Pool) testBit(index int) bool {
	return p.allocBitset[index/64]&(1<<(index%64)) != 0
}

func (p *Pool) setBit(index int) {
	p.allocBitset[index/64] |= 1 << (index % 64)
}

func (p *Pool) clearBit(index int) {
	p.allocBitset[index/64] &= ^(uint64(1) << (index % 64))
}

// FindChunk locates a run of free super pages covering requestedSize bytes, marks
// it allocated and returns its base address. Returns 0 when no run fits.
//
// First-fit, scanning forward from the bit hint. Whenever the scan walks over a
// set bit that sits exactly at the hint, the hint advances past it, so runs of
// known-allocated pages near the front of the pool are never rescanned.
func (p *Pool) FindChunk(requestedSize int) uintptr {
	p.lock.Lock()
	defer p.lock.Unlock()

	requiredSize := memutils.AlignUp(requestedSize, SuperPageSize)
	needBits := requiredSize >> SuperPageShift

	begBit := p.bitHint
	currBit := p.bitHint
	for {
		// endBit points one past the last bit that needs to be 0. Past totalBits
		// means the pool cannot satisfy the request.
		endBit := begBit + needBits
		if endBit > p.totalBits {
			return 0
		}

		found := true
		for ; currBit < endBit; currBit++ {
			if p.testBit(currBit) {
				// This chunk isn't entirely free. Move begBit just past the set bit,
				// but keep the inner scan running to endBit so the next outer pass
				// does not re-check these bits.
				begBit = currBit + 1
				found = false
				if p.bitHint == currBit {
					p.bitHint++
				}
			}
		}

		if found {
			for i := begBit; i < endBit; i++ {
				p.setBit(i)
			}
			if p.bitHint == begBit {
				p.bitHint = endBit
			}
			address := p.addressBegin + uintptr(begBit)<<SuperPageShift
			if address+uintptr(requiredSize) > p.addressEnd {
				panic(fmt.Sprintf("chunk at %#x overruns the pool end %#x", address, p.addressEnd))
			}
			return address
		}
	}
}

// FreeChunk releases a chunk previously returned by FindChunk or TryReserveChunk.
// Address and size must match the original request exactly at super-page
// granularity; freeing pages that are not allocated is a caller bug.
func (p *Pool) FreeChunk(address uintptr, size int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := memutils.CheckAligned(address, SuperPageSize, "chunk address"); err != nil {
		panic(err)
	}

	alignedSize := memutils.AlignUp(size, SuperPageSize)
	if address < p.addressBegin || address+uintptr(alignedSize) > p.addressEnd {
		panic(fmt.Sprintf("chunk [%#x, %#x) is outside the pool [%#x, %#x)",
			address, address+uintptr(alignedSize), p.addressBegin, p.addressEnd))
	}

	begBit := int((address - p.addressBegin) >> SuperPageShift)
	endBit := begBit + alignedSize>>SuperPageShift
	for i := begBit; i < endBit; i++ {
		if !p.testBit(i) {
			panic(fmt.Sprintf("double free of super page %d in chunk at %#x", i, address))
		}
		p.clearBit(i)
	}
	if begBit < p.bitHint {
		p.bitHint = begBit
	}
}

// TryReserveChunk attempts to claim the specific run [address, address+size). It
// returns false, changing nothing, if any super page in the run is already
// allocated.
func (p *Pool) TryReserveChunk(address uintptr, size int) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := memutils.CheckAligned(address, SuperPageSize, "chunk address"); err != nil {
		panic(err)
	}

	alignedSize := memutils.AlignUp(size, SuperPageSize)
	if address < p.addressBegin || address+uintptr(alignedSize) > p.addressEnd {
		return false
	}

	begBit := int((address - p.addressBegin) >> SuperPageShift)
	endBit := begBit + alignedSize>>SuperPageShift
	for i := begBit; i < endBit; i++ {
		if p.testBit(i) {
			return false
		}
	}
	for i := begBit; i < endBit; i++ {
		p.setBit(i)
	}
	if p.bitHint == begBit {
		p.bitHint = endBit
	}
	return true
}

// Validate performs internal consistency checks on the pool.
func (p *Pool) Validate() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.addressBegin == 0 {
		if p.totalBits != 0 {
			return errors.Errorf("uninitialized pool claims %d bits", p.totalBits)
		}
		return nil
	}

	if uintptr(p.totalBits)<<SuperPageShift != p.addressEnd-p.addressBegin {
		return errors.Errorf("pool range [%#x, %#x) does not match %d bits", p.addressBegin, p.addressEnd, p.totalBits)
	}
	if p.bitHint > p.totalBits {
		return errors.Errorf("bit hint %d is past the pool's %d bits", p.bitHint, p.totalBits)
	}
	for i := p.totalBits; i < MaxPoolBits; i++ {
		if p.testBit(i) {
			return errors.Errorf("bit %d is set beyond the pool's %d bits", i, p.totalBits)
		}
	}
	return nil
}

// AddDetailedStatistics sums this pool's occupancy into stats. Runs of free super
// pages are counted as unused ranges; runs of allocated pages as allocations.
func (p *Pool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.addressBegin == 0 {
		return
	}

	stats.PoolCount++
	stats.PoolBytes += p.totalBits << SuperPageShift

	runStart := 0
	runAllocated := p.totalBits > 0 && p.testBit(0)
	for i := 1; i <= p.totalBits; i++ {
		if i < p.totalBits && p.testBit(i) == runAllocated {
			continue
		}
		runBytes := (i - runStart) << SuperPageShift
		if runAllocated {
			stats.AddAllocation(runBytes)
		} else {
			stats.AddUnusedRange(runBytes)
		}
		runStart = i
		if i < p.totalBits {
			runAllocated = p.testBit(i)
		}
	}
}
