package memutils_test

import (
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuheap/memutils"
)

func writeDetailed(stats *memutils.DetailedStatistics) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.WriteJson(&obj)
	obj.End()

	return string(writer.Bytes())
}

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var first memutils.DetailedStatistics
	first.Clear()
	first.ArenaCount = 1
	first.ArenaBytes = 4096
	first.AddAllocation(256)
	first.AddAllocation(1024)
	first.AddUnusedRange(2816)

	var second memutils.DetailedStatistics
	second.Clear()
	second.ArenaCount = 1
	second.ArenaBytes = 4096
	second.AddAllocation(64)
	second.AddUnusedRange(4032)

	var total memutils.DetailedStatistics
	total.Clear()
	total.AddDetailedStatistics(&first)
	total.AddDetailedStatistics(&second)

	require.Equal(t, 2, total.ArenaCount)
	require.Equal(t, 3, total.AllocationCount)
	require.Equal(t, 1344, total.AllocationBytes)
	require.Equal(t, 8192-1344, total.UnusedBytes())
	require.Equal(t, memutils.SizeRange{Count: 3, Min: 64, Max: 1024}, total.Allocations)
	require.Equal(t, memutils.SizeRange{Count: 2, Min: 2816, Max: 4032}, total.UnusedRanges)
}

func TestDetailedStatisticsMergeEmpty(t *testing.T) {
	var empty memutils.DetailedStatistics
	empty.Clear()

	var total memutils.DetailedStatistics
	total.Clear()
	total.AddAllocation(512)
	total.AddDetailedStatistics(&empty)

	require.Equal(t, memutils.SizeRange{Count: 1, Min: 512, Max: 512}, total.Allocations)
	require.Equal(t, 0, total.UnusedRanges.Count)
}

func TestDetailedStatisticsWriteJson(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.ArenaCount = 1
	stats.ArenaBytes = 1024
	stats.AddAllocation(256)

	out := writeDetailed(&stats)
	require.Contains(t, out, `"ArenaBytes":1024`)
	require.Contains(t, out, `"UnusedBytes":768`)
	require.Contains(t, out, `"UnusedRangeCount":0`)
	require.Contains(t, out, `"AllocationSizeMin":256`)
	require.NotContains(t, out, "UnusedRangeSizeMin")

	stats.AddUnusedRange(768)
	require.Contains(t, writeDetailed(&stats), `"UnusedRangeSizeMax":768`)
}
