package addrspace

import (
	"github.com/cagekit/cage/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BuildStatsString writes a JSON snapshot of the cage layout and each pool's
// occupancy into writer.
func BuildStatsString(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	generalObj := objState.Name("General").Object()
	generalObj.Name("Initialized").Bool(IsInitialized())
	generalObj.Name("SuperPageSize").Int(SuperPageSize)
	generalObj.Name("PoolMaxSize").Int(PoolMaxSize)
	generalObj.End()

	poolArray := objState.Name("Pools").Array()
	for _, choice := range []PoolChoice{PoolNonBRP, PoolBRP, PoolConfigurable} {
		writePoolJson(&poolArray, choice)
	}
	poolArray.End()
}

func writePoolJson(arrayState *jwriter.ArrayState, choice PoolChoice) {
	var handle Handle
	var base uintptr
	switch choice {
	case PoolNonBRP:
		handle, base = setup.nonBRPPool, setup.nonBRPPoolBaseAddress
	case PoolBRP:
		handle, base = setup.brpPool, setup.brpPoolBaseAddress
	case PoolConfigurable:
		handle, base = setup.configurablePool, setup.configurablePoolBaseAddress
	}

	obj := arrayState.Object()
	defer obj.End()

	obj.Name("Name").String(choice.String())
	obj.Name("Handle").Int(int(handle))
	if handle == 0 {
		return
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	Instance().pools[handle-1].AddDetailedStatistics(&stats)

	obj.Name("Base").Int(int(base))
	obj.Name("TotalBytes").Int(stats.PoolBytes)
	obj.Name("AllocatedBytes").Int(stats.AllocationBytes)
	obj.Name("Allocations").Int(stats.AllocationCount)
	obj.Name("UnusedRanges").Int(stats.UnusedRangeCount)
}
