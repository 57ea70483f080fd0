package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes how much of a set of arenas has been handed out. Descriptor allocators
// report slots where heaps report bytes.
type Statistics struct {
	ArenaCount      int
	AllocationCount int
	ArenaBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaCount += other.ArenaCount
	s.AllocationCount += other.AllocationCount
	s.ArenaBytes += other.ArenaBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the part of the arenas that no allocation covers
func (s *Statistics) UnusedBytes() int {
	return s.ArenaBytes - s.AllocationBytes
}

// WriteJson populates a json object with the contents of these statistics
func (s *Statistics) WriteJson(json *jwriter.ObjectState) {
	json.Name("ArenaCount").Int(s.ArenaCount)
	json.Name("ArenaBytes").Int(s.ArenaBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
	json.Name("UnusedBytes").Int(s.UnusedBytes())
}

// SizeRange counts a set of sizes and keeps their extremes. The zero value is not ready for use:
// Clear it first so that Min starts above every real size.
type SizeRange struct {
	Count int
	Min   int
	Max   int
}

func (r *SizeRange) Clear() {
	*r = SizeRange{Min: math.MaxInt}
}

func (r *SizeRange) Add(size int) {
	r.Count++
	r.Min = min(r.Min, size)
	r.Max = max(r.Max, size)
}

func (r *SizeRange) Merge(other *SizeRange) {
	r.Count += other.Count
	r.Min = min(r.Min, other.Min)
	r.Max = max(r.Max, other.Max)
}

// DetailedStatistics extends Statistics with the shape of the allocations and of the free
// ranges between them. Call Clear before accumulating into it.
type DetailedStatistics struct {
	Statistics
	Allocations  SizeRange
	UnusedRanges SizeRange
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.Allocations.Clear()
	s.UnusedRanges.Clear()
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRanges.Add(size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.Allocations.Add(size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.Allocations.Merge(&other.Allocations)
	s.UnusedRanges.Merge(&other.UnusedRanges)
}

// WriteJson populates a json object with the contents of these statistics. Extremes are
// omitted for empty ranges.
func (s *DetailedStatistics) WriteJson(json *jwriter.ObjectState) {
	s.Statistics.WriteJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRanges.Count)

	if s.Allocations.Count > 0 {
		json.Name("AllocationSizeMin").Int(s.Allocations.Min)
		json.Name("AllocationSizeMax").Int(s.Allocations.Max)
	}

	if s.UnusedRanges.Count > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRanges.Min)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRanges.Max)
	}
}
