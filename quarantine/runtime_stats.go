package quarantine

import (
	"math/bits"
	"sync"
	"time"

	"github.com/dolthub/swiss"
)

// MaxTimesToTrack is the rolling window length per size bucket. A power of two,
// so the integer-division average optimizes to a shift.
const MaxTimesToTrack = 1024

// BucketIndexForSize maps a usable size onto its timing bucket. Sizes within the
// same power-of-two class share a bucket.
func BucketIndexForSize(size int) int {
	return bits.Len(uint(size))
}

// BucketStats is a rolling window of nanosecond durations for one size bucket.
// The window becomes valid once it has been filled all the way around for the
// first time since creation or the last Reset; until then the average covers
// stale slots and is not trusted. Reporting does not invalidate it.
type BucketStats struct {
	paused int
	cycled int
	valid  bool
	// Updated on each recorded value.
	idx int
	// Set to the current rolling index (the slot the next value goes to) every
	// time stats are reported. Starts at MaxTimesToTrack-1 so the window only turns valid after
	// a full lap.
	reportedIdx int
	sumNs       int64
	averageNs   int64
	bucketTimes [MaxTimesToTrack]int64
}

func newBucketStats() *BucketStats {
	return &BucketStats{reportedIdx: MaxTimesToTrack - 1}
}

// Reset discards the window: the sum and average go to zero, the index rewinds
// and the window is invalid until it has been filled again. The paused and
// cycled counters and the stored samples are left as they are.
func (s *BucketStats) Reset() {
	s.valid = false
	s.idx = 0
	s.sumNs = 0
	s.averageNs = 0
	s.reportedIdx = MaxTimesToTrack - 1
}

// Reported resets the transient counters but leaves the window and the current
// average available.
func (s *BucketStats) Reported() {
	if s.valid {
		s.paused = 0
		s.cycled = 0
		s.reportedIdx = s.idx
	}
}

func (s *BucketStats) RecordValue(valueNs int64) {
	recorded := valueNs
	if recorded == 0 {
		// A zero duration still counts as a sample.
		recorded = 1
	}
	if s.valid {
		s.sumNs += recorded - s.bucketTimes[s.idx]
	} else {
		s.sumNs += recorded
	}
	s.bucketTimes[s.idx] = recorded
	if s.idx == s.reportedIdx {
		s.valid = true
		s.cycled++
	}
	if s.idx == MaxTimesToTrack-1 {
		s.idx = 0
	} else {
		s.idx++
	}
	if s.valid {
		// Integer division loses a little precision but avoids floating point on
		// the free path.
		s.averageNs = s.sumNs / MaxTimesToTrack
	}
}

func (s *BucketStats) IncreasePaused() { s.paused++ }

func (s *BucketStats) Valid() bool      { return s.valid }
func (s *BucketStats) Cycled() int      { return s.cycled }
func (s *BucketStats) Paused() int      { return s.paused }
func (s *BucketStats) AverageNs() int64 { return s.averageNs }
func (s *BucketStats) SumNs() int64     { return s.sumNs }

func (s *BucketStats) BucketTimes() *[MaxTimesToTrack]int64 {
	return &s.bucketTimes
}

// RuntimeStats tracks how long quarantine operations take, split into purge, zap
// and total phases, per size bucket. When configured with a zap-delta threshold
// it flags a pause window after an anomalously slow zap so callers can back off
// quarantining until the spike passes.
type RuntimeStats struct {
	mutex sync.Mutex

	initialized         bool
	maxAboveAvgZapDelta time.Duration
	longZapPauseDelta   time.Duration
	pauseUntil          time.Time

	zapBuckets       *swiss.Map[int, *BucketStats]
	purgeBuckets     *swiss.Map[int, *BucketStats]
	totalTimeBuckets *swiss.Map[int, *BucketStats]
}

func NewRuntimeStats() *RuntimeStats {
	return &RuntimeStats{}
}

// InitOrResetStats turns tracking on, or resets every bucket if it already was.
// pauseDelay is how long ShouldPause keeps reporting true after an anomalous
// zap; maxAboveAvgZapDelta is how far above the rolling average a zap duration
// must land to count as anomalous. Both zero disables the pause behavior while
// keeping the timing windows.
func (s *RuntimeStats) InitOrResetStats(pauseDelay time.Duration, maxAboveAvgZapDelta time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.initialized {
		// Only allocate once tracking is actually wanted; an untracked branch
		// pays nothing.
		s.initialized = true
		s.zapBuckets = swiss.NewMap[int, *BucketStats](16)
		s.purgeBuckets = swiss.NewMap[int, *BucketStats](16)
		s.totalTimeBuckets = swiss.NewMap[int, *BucketStats](16)
	} else {
		resetAll(s.zapBuckets)
		resetAll(s.purgeBuckets)
		resetAll(s.totalTimeBuckets)
	}
	s.longZapPauseDelta = pauseDelay
	s.maxAboveAvgZapDelta = maxAboveAvgZapDelta
}

func resetAll(m *swiss.Map[int, *BucketStats]) {
	m.Iter(func(_ int, stat *BucketStats) bool {
		stat.Reset()
		return false
	})
}

func (s *RuntimeStats) IsInitialized() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.initialized
}

func bucketFor(m *swiss.Map[int, *BucketStats], index int) *BucketStats {
	stat, ok := m.Get(index)
	if !ok {
		stat = newBucketStats()
		m.Put(index, stat)
	}
	return stat
}

// AddStats records one quarantine operation. quarantineStart and quarantineEnd
// must be set; purgeStart and zapStart are zero when the corresponding phase did
// not run (zapping has its own switch).
func (s *RuntimeStats) AddStats(bucketIndex int, quarantineStart, purgeStart, zapStart, quarantineEnd time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.initialized {
		return
	}
	if quarantineStart.IsZero() || quarantineEnd.IsZero() {
		panic("quarantine start and end timestamps must be set")
	}

	bucketFor(s.totalTimeBuckets, bucketIndex).RecordValue(quarantineEnd.Sub(quarantineStart).Nanoseconds())

	var zapTime time.Duration
	zapBucket := bucketFor(s.zapBuckets, bucketIndex)
	averageNs := zapBucket.AverageNs()
	if !zapStart.IsZero() {
		// Zapping runs after the purge, so a zap implies a purge phase.
		zapTime = quarantineEnd.Sub(zapStart)
		bucketFor(s.purgeBuckets, bucketIndex).RecordValue(zapStart.Sub(purgeStart).Nanoseconds())
		zapBucket.RecordValue(zapTime.Nanoseconds())
	} else if !purgeStart.IsZero() {
		bucketFor(s.purgeBuckets, bucketIndex).RecordValue(quarantineEnd.Sub(purgeStart).Nanoseconds())
	}

	shouldPauseOnLongZap := s.maxAboveAvgZapDelta != 0 && zapTime != 0
	if !zapBucket.Valid() || !shouldPauseOnLongZap {
		return
	}
	if zapTime-time.Duration(averageNs) > s.maxAboveAvgZapDelta {
		if s.longZapPauseDelta == 0 {
			panic("a zap-delta threshold requires a pause delay")
		}
		s.pauseUntil = quarantineEnd.Add(s.longZapPauseDelta)
		zapBucket.IncreasePaused()
	}
}

// ShouldPause reports whether a quarantine starting at start falls inside the
// pause window opened by an anomalous zap.
func (s *RuntimeStats) ShouldPause(start time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.initialized || s.pauseUntil.IsZero() || start.IsZero() {
		return false
	}
	return start.Before(s.pauseUntil)
}

// ReportedStats marks every valid bucket as reported, clearing the transient
// pause and cycle counters without discarding the windows.
func (s *RuntimeStats) ReportedStats() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.initialized {
		return
	}
	reportAll(s.zapBuckets)
	reportAll(s.purgeBuckets)
	reportAll(s.totalTimeBuckets)
}

func reportAll(m *swiss.Map[int, *BucketStats]) {
	m.Iter(func(_ int, stat *BucketStats) bool {
		stat.Reported()
		return false
	})
}

// ZapBucket returns the zap-phase window for a bucket, or nil if no zap has been
// recorded there.
func (s *RuntimeStats) ZapBucket(index int) *BucketStats {
	return s.bucket(s.zapBuckets, index)
}

// PurgeBucket returns the purge-phase window for a bucket, or nil.
func (s *RuntimeStats) PurgeBucket(index int) *BucketStats {
	return s.bucket(s.purgeBuckets, index)
}

// TotalTimeBucket returns the whole-operation window for a bucket, or nil.
func (s *RuntimeStats) TotalTimeBucket(index int) *BucketStats {
	return s.bucket(s.totalTimeBuckets, index)
}

func (s *RuntimeStats) bucket(m *swiss.Map[int, *BucketStats], index int) *BucketStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.initialized {
		return nil
	}
	stat, ok := m.Get(index)
	if !ok {
		return nil
	}
	return stat
}
