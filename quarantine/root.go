package quarantine

import (
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Stats is a point-in-time aggregate of a root's counters.
type Stats struct {
	// Currently quarantined.
	Count       int64
	SizeInBytes int64
	// Monotonically increasing.
	CumulativeCount       int64
	CumulativeSizeInBytes int64
	// Entries that bypassed the quarantine because they alone exceeded a branch's
	// capacity.
	QuarantineMissCount int64
}

// Root aggregates statistics across every branch of one partition and ties them
// to one allocator root; each branch keeps its own configuration. The root
// outlives all of its branches.
//
// The counters are statistics, not synchronization: they may be momentarily
// inconsistent with each other under concurrent updates and must never gate a
// decision that needs exactness.
type Root struct {
	allocatorRoot PartitionRoot

	sizeInBytes           int64
	count                 int64
	cumulativeCount       int64
	cumulativeSizeInBytes int64
	quarantineMissCount   int64
}

func NewRoot(allocatorRoot PartitionRoot) *Root {
	if allocatorRoot == nil {
		panic("a quarantine root requires an allocator root")
	}
	return &Root{allocatorRoot: allocatorRoot}
}

func (r *Root) AllocatorRoot() PartitionRoot {
	return r.allocatorRoot
}

// AccumulateStats sums this root's counters into stats.
func (r *Root) AccumulateStats(stats *Stats) {
	stats.Count += atomic.LoadInt64(&r.count)
	stats.SizeInBytes += atomic.LoadInt64(&r.sizeInBytes)
	stats.CumulativeCount += atomic.LoadInt64(&r.cumulativeCount)
	stats.CumulativeSizeInBytes += atomic.LoadInt64(&r.cumulativeSizeInBytes)
	stats.QuarantineMissCount += atomic.LoadInt64(&r.quarantineMissCount)
}

// BuildStatsString writes a JSON snapshot of the root's counters into writer.
func (r *Root) BuildStatsString(writer *jwriter.Writer) {
	var stats Stats
	r.AccumulateStats(&stats)

	objState := writer.Object()
	defer objState.End()

	objState.Name("Count").Int(int(stats.Count))
	objState.Name("SizeInBytes").Int(int(stats.SizeInBytes))
	objState.Name("CumulativeCount").Int(int(stats.CumulativeCount))
	objState.Name("CumulativeSizeInBytes").Int(int(stats.CumulativeSizeInBytes))
	objState.Name("QuarantineMissCount").Int(int(stats.QuarantineMissCount))
}
