package quarantine

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cagekit/cage/internal/utils"
	"github.com/cagekit/cage/memutils"
	"golang.org/x/exp/slog"
)

// maxFreeTimesPerPurge bounds how many victims a single two-phase purge hands
// back to the allocator. Anything beyond it waits for the next purge, which
// caps the time the deferred-free phase can take per call.
const maxFreeTimesPerPurge = 1024

// toBeFreedArray is scratch for the two-phase purge. A fixed array rather than a
// slice that grows: the quarantine path must not allocate, so the buffer is
// reserved up front and rented out via a single atomic exchange.
type toBeFreedArray [maxFreeTimesPerPurge]uintptr

type quarantineSlot struct {
	slotStart  uintptr
	usableSize int
}

// Branch holds quarantined entries for one thread (thread-bound) or for any
// number of threads (shared). A thread-bound branch takes no lock at all; a
// shared branch takes one mutex and frees its victims outside of it.
//
// Entries are kept shuffled: each insertion swaps the new entry with a uniformly
// random slot, so evicting the last slot approximates uniform-random eviction
// without ever scanning.
type Branch struct {
	threadBound   bool
	allocatorRoot PartitionRoot
	root          *Root
	logger        *slog.Logger

	mutex utils.OptionalMutex
	// Thread-unsafe, so guarded by mutex.
	random *rand.Rand

	enableQuarantine  bool
	enableZapping     bool
	leakOnDestruction bool

	// When non-zero, the branch temporarily stops accepting quarantine requests.
	pauseQuarantine int

	// Guarded by mutex.
	slots             []quarantineSlot
	branchSizeInBytes int

	// Atomic so other threads can adjust the capacity at runtime.
	branchCapacityInBytes int64

	// Reserved working memory for the two-phase purge, rented to one thread at a
	// time by exchanging nil in. A contending thread pays one allocation instead
	// of blocking; no CAS loop is needed because any non-nil value is equally
	// good to put back.
	toBeFreedWorkingMemory atomic.Pointer[toBeFreedArray]

	runtimeStats *RuntimeStats

	config Config
}

// NewBranch creates an unconfigured branch in front of allocatorRoot. A
// thread-bound branch must only ever be touched by its owning goroutine and in
// exchange runs lock-free; a shared branch may be used from any goroutine.
// Nothing is quarantined until Configure enables it.
func NewBranch(logger *slog.Logger, allocatorRoot PartitionRoot, threadBound bool) *Branch {
	if allocatorRoot == nil {
		panic("a quarantine branch requires an allocator root")
	}
	return &Branch{
		threadBound:   threadBound,
		allocatorRoot: allocatorRoot,
		logger:        logger,
		mutex:         utils.OptionalMutex{UseMutex: !threadBound},
		random:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Branch) ThreadBound() bool { return b.threadBound }

// Root returns the root this branch reports into. Calling it on a branch that
// was never configured with quarantining enabled is a bug.
func (b *Branch) Root() *Root {
	if !b.enableQuarantine || b.root == nil {
		panic("the branch has no root until Configure enables quarantining")
	}
	return b.root
}

// Configure installs config and attaches the branch to root. Calling it while
// the branch is paused is a contract violation. A branch that was already
// enabled drains its existing entries first, so the new capacity starts from an
// empty branch.
func (b *Branch) Configure(root *Root, config Config) {
	if b.pauseQuarantine != 0 {
		panic("cannot configure a branch while quarantine is paused")
	}
	if root == nil {
		panic("a branch requires a root to configure against")
	}
	if root.allocatorRoot != b.allocatorRoot {
		panic("the branch and the root must front the same allocator")
	}

	b.mutex.Lock()
	b.config = config

	if b.enableQuarantine {
		// Already enabled; explicitly drain the existing instance.
		b.purgeInternal(0)
		if len(b.slots) != 0 {
			panic("draining the branch left entries behind")
		}
		b.slots = nil
	}

	b.root = root
	b.enableQuarantine = config.EnableQuarantine
	b.enableZapping = config.EnableZapping
	b.leakOnDestruction = config.LeakOnDestruction
	atomic.StoreInt64(&b.branchCapacityInBytes, int64(config.BranchCapacityInBytes))
	b.mutex.Unlock()

	if b.enableQuarantine && !b.threadBound {
		// Pre-allocate the scratch buffer; the quarantine path itself must not
		// allocate. Any old buffer is dropped.
		b.toBeFreedWorkingMemory.Swap(new(toBeFreedArray))
	} else {
		b.toBeFreedWorkingMemory.Swap(nil)
	}
}

// SetRuntimeStats attaches a timing tracker to this branch. The branch records
// purge/zap/total durations into it and consults its pause window on entry.
func (b *Branch) SetRuntimeStats(stats *RuntimeStats) {
	b.runtimeStats = stats
}

// RuntimeStatsTracker returns the attached timing tracker, if any.
func (b *Branch) RuntimeStatsTracker() *RuntimeStats {
	return b.runtimeStats
}

// GetConfiguration returns the configuration last installed by Configure.
func (b *Branch) GetConfiguration() Config {
	return b.config
}

func (b *Branch) GetCapacityInBytes() int {
	return int(atomic.LoadInt64(&b.branchCapacityInBytes))
}

// SetCapacityInBytes adjusts the soft cap. After shrinking, the branch may need
// a Purge to meet the new requirement; the next insertion meets it regardless.
func (b *Branch) SetCapacityInBytes(capacityInBytes int) {
	atomic.StoreInt64(&b.branchCapacityInBytes, int64(capacityInBytes))
}

// IsQuarantined reports whether object currently sits in this branch.
func (b *Branch) IsQuarantined(object unsafe.Pointer) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	slotStart := b.allocatorRoot.ObjectToSlotStart(object)
	for i := range b.slots {
		if b.slots[i].slotStart == slotStart {
			return true
		}
	}
	return false
}

// QuarantineExclusion temporarily stops a branch from accepting entries;
// requests arriving while it is held are freed directly. Exclusions nest.
type QuarantineExclusion struct {
	branch *Branch
}

// BeginExclusion pauses the branch. Only meaningful on thread-bound branches or
// before quarantining is enabled; the pause counter is not synchronized.
func (b *Branch) BeginExclusion() QuarantineExclusion {
	if b.enableQuarantine && !b.threadBound {
		panic("a shared branch cannot be paused once enabled")
	}
	b.pauseQuarantine++
	return QuarantineExclusion{branch: b}
}

func (ex QuarantineExclusion) End() {
	ex.branch.pauseQuarantine--
}

// Purge dequarantines every entry held by this branch. Other branches of the
// same root are untouched. The slot vector's backing memory is released.
func (b *Branch) Purge() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.purgeInternal(0)
	b.slots = nil
}

// Quarantine retains the object instead of freeing it, evicting randomized
// victims if the branch would exceed its capacity. The object is freed
// immediately when quarantining is off, paused, anomalously slow (per the
// runtime stats pause window), infeasible for its size, or when the span belongs
// to a direct-mapped bucket.
//
// usableSize must be the allocator root's usable size for the span; it is
// passed in because every caller already has it.
func (b *Branch) Quarantine(object unsafe.Pointer, span *SlotSpan, slotStart uintptr, usableSize int) {
	statsEnabled := b.runtimeStats != nil && b.runtimeStats.IsInitialized()
	var quarantineStart, purgeStart, zapStart time.Time
	if statsEnabled {
		quarantineStart = time.Now()
	}

	if !b.enableQuarantine || b.pauseQuarantine != 0 ||
		b.allocatorRoot.IsDirectMappedBucket(span.Bucket) ||
		(statsEnabled && b.runtimeStats.ShouldPause(quarantineStart)) {
		b.allocatorRoot.FreeNoHooksImmediate(object, span, slotStart)
		return
	}

	if usableSize != b.allocatorRoot.GetSlotUsableSize(span) {
		panic("the caller's usable size disagrees with the allocator root")
	}

	capacityInBytes := int(atomic.LoadInt64(&b.branchCapacityInBytes))
	if capacityInBytes < usableSize {
		// Even if the branch dequarantined everything it holds, this entry alone
		// cannot fit.
		b.allocatorRoot.FreeNoHooksImmediate(object, span, slotStart)
		atomic.AddInt64(&b.root.quarantineMissCount, 1)
		return
	}

	if statsEnabled {
		purgeStart = time.Now()
	}

	if b.threadBound {
		b.quarantineThreadBound(slotStart, usableSize, capacityInBytes)
	} else {
		b.quarantineShared(slotStart, usableSize, capacityInBytes)
	}

	atomic.AddInt64(&b.root.count, 1)
	atomic.AddInt64(&b.root.sizeInBytes, int64(usableSize))
	atomic.AddInt64(&b.root.cumulativeCount, 1)
	atomic.AddInt64(&b.root.cumulativeSizeInBytes, int64(usableSize))

	if statsEnabled && b.enableZapping {
		zapStart = time.Now()
	}
	b.quarantineEpilogue(object, span, slotStart, usableSize)

	if statsEnabled {
		b.runtimeStats.AddStats(BucketIndexForSize(usableSize),
			quarantineStart, purgeStart, zapStart, time.Now())
	}
}

func (b *Branch) quarantineThreadBound(slotStart uintptr, usableSize, capacityInBytes int) {
	// No lock: the branch is owned by one goroutine. Victims are freed inline.
	b.purgeInternal(capacityInBytes - usableSize)
	b.insertShuffled(slotStart, usableSize)
}

func (b *Branch) quarantineShared(slotStart uintptr, usableSize, capacityInBytes int) {
	// Borrow the reserved working memory, leaving nil behind to mark it in use.
	// Under contention, fall back to a locally allocated buffer.
	toBeFreed := b.toBeFreedWorkingMemory.Swap(nil)
	if toBeFreed == nil {
		toBeFreed = new(toBeFreedArray)
	}

	b.mutex.Lock()
	numToFree := b.purgeInternalWithDeferredFree(capacityInBytes-usableSize, toBeFreed)
	b.insertShuffled(slotStart, usableSize)
	b.mutex.Unlock()

	// Hand the victims to the allocator without holding the lock; the
	// synchronous free path can be slow and must not serialize other
	// quarantining threads.
	b.batchFree(toBeFreed, numToFree)

	// Return the buffer whether it was borrowed or locally allocated; what
	// matters is that the cached slot is non-nil whenever possible for the next
	// borrower.
	b.toBeFreedWorkingMemory.Swap(toBeFreed)
}

// insertShuffled appends the entry and swaps it with a uniformly random slot, so
// the vector stays well-shuffled and evicting from the tail stays approximately
// uniform. Callers hold the lock where one is required.
func (b *Branch) insertShuffled(slotStart uintptr, usableSize int) {
	b.branchSizeInBytes += usableSize
	b.slots = append(b.slots, quarantineSlot{slotStart: slotStart, usableSize: usableSize})

	randomIndex := b.random.Intn(len(b.slots))
	last := len(b.slots) - 1
	b.slots[randomIndex], b.slots[last] = b.slots[last], b.slots[randomIndex]
}

// purgeInternal dequarantines entries until the branch holds no more than
// targetSizeInBytes, freeing each victim inline. Callers hold the lock where one
// is required.
func (b *Branch) purgeInternal(targetSizeInBytes int) {
	var freedCount int64
	var freedSizeInBytes int64

	for targetSizeInBytes < b.branchSizeInBytes {
		if len(b.slots) == 0 {
			panic("the branch byte count is out of sync with its slots")
		}

		// The slots stay shuffled, so the last entry is as good as a random one.
		toFree := b.slots[len(b.slots)-1]

		span := b.allocatorRoot.SlotSpanFromSlotStart(toFree.slotStart)
		object := b.allocatorRoot.SlotStartToObject(toFree.slotStart)
		b.allocatorRoot.FreeNoHooksImmediate(object, span, toFree.slotStart)

		freedCount++
		freedSizeInBytes += int64(toFree.usableSize)
		b.branchSizeInBytes -= toFree.usableSize
		b.slots = b.slots[:len(b.slots)-1]
	}

	if b.root != nil {
		atomic.AddInt64(&b.root.sizeInBytes, -freedSizeInBytes)
		atomic.AddInt64(&b.root.count, -freedCount)
	}
}

// purgeInternalWithDeferredFree is phase one of the shared branch's two-phase
// purge: with the lock held it only records victim slot starts into toBeFreed
// and shrinks the slot vector. Phase two (batchFree) runs unlocked. At most
// maxFreeTimesPerPurge victims move per call; the remainder is handled by
// subsequent purges.
func (b *Branch) purgeInternalWithDeferredFree(targetSizeInBytes int, toBeFreed *toBeFreedArray) int {
	numToFree := 0
	var freedSizeInBytes int64

	for targetSizeInBytes < b.branchSizeInBytes {
		if len(b.slots) == 0 {
			panic("the branch byte count is out of sync with its slots")
		}

		toFree := b.slots[len(b.slots)-1]
		toBeFreed[numToFree] = toFree.slotStart
		numToFree++
		b.slots = b.slots[:len(b.slots)-1]

		freedSizeInBytes += int64(toFree.usableSize)
		b.branchSizeInBytes -= toFree.usableSize

		if numToFree >= maxFreeTimesPerPurge {
			break
		}
	}

	atomic.AddInt64(&b.root.sizeInBytes, -freedSizeInBytes)
	atomic.AddInt64(&b.root.count, -int64(numToFree))
	return numToFree
}

func (b *Branch) batchFree(toBeFreed *toBeFreedArray, numToFree int) {
	for i := 0; i < numToFree; i++ {
		slotStart := toBeFreed[i]
		span := b.allocatorRoot.SlotSpanFromSlotStart(slotStart)
		object := b.allocatorRoot.SlotStartToObject(slotStart)
		b.allocatorRoot.FreeNoHooksImmediate(object, span, slotStart)
	}
}

func (b *Branch) quarantineEpilogue(object unsafe.Pointer, span *SlotSpan, slotStart uintptr, usableSize int) {
	if b.enableZapping {
		memutils.SecureMemset(object, memutils.FreedByte, usableSize)
	}

	if b.allocatorRoot.BRPEnabled() {
		b.allocatorRoot.PreReleaseFromAllocator(slotStart, span)
	}
}

// Destroy drains the branch (unless configured to leak) and drops its scratch
// buffer. The branch must not be used afterwards.
func (b *Branch) Destroy() {
	if b.leakOnDestruction {
		if b.logger != nil && len(b.slots) != 0 {
			b.logger.LogAttrs(context.Background(), slog.LevelDebug, "leaking quarantined entries on destruction",
				slog.Int("Count", len(b.slots)),
				slog.Int("SizeInBytes", b.branchSizeInBytes),
			)
		}
	} else {
		b.Purge()
	}
	b.toBeFreedWorkingMemory.Swap(nil)
}
