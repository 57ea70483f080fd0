// Package fence tracks the relationship between work the CPU has submitted and work the
// GPU has finished, and defers the reuse of memory until the GPU can no longer see it.
package fence

import (
	"sync/atomic"

	"github.com/vkngwrapper/gpuheap/memutils"
)

// Epoch is a value on the CPU submission timeline. The renderer records an Epoch when it
// submits a frame, and the GPU later reports the highest Epoch it has finished executing.
type Epoch uint64

// NoEpoch is the value of a timeline before anything has been submitted
const NoEpoch Epoch = 0

// CompletedBy returns true if work submitted at this epoch has finished executing once the GPU
// has reported completion up to and including completed. This is the only comparison used to
// decide whether deferred memory may be reclaimed.
func (e Epoch) CompletedBy(completed Epoch) bool {
	return e <= completed
}

// Timeline issues submission epochs and records completion reported by the GPU. It is safe for
// concurrent use.
type Timeline struct {
	submitted atomic.Uint64
	completed atomic.Uint64
}

// Submit advances the timeline and returns the epoch that identifies the newly submitted work
func (t *Timeline) Submit() Epoch {
	return Epoch(t.submitted.Add(1))
}

// LastSubmitted returns the epoch most recently returned from Submit
func (t *Timeline) LastSubmitted() Epoch {
	return Epoch(t.submitted.Load())
}

// Signal records that the GPU has finished all work up to and including completed. Completion
// never moves backwards: signalling an older epoch than the current one has no effect.
func (t *Timeline) Signal(completed Epoch) {
	memutils.DebugAssert(completed <= t.LastSubmitted(), "completion epoch %d is ahead of the last submitted epoch %d", completed, t.LastSubmitted())

	for {
		current := t.completed.Load()
		if uint64(completed) <= current {
			return
		}

		if t.completed.CompareAndSwap(current, uint64(completed)) {
			return
		}
	}
}

// Completed returns the highest epoch the GPU has reported finishing
func (t *Timeline) Completed() Epoch {
	return Epoch(t.completed.Load())
}

// InFlight returns the number of submitted epochs the GPU has not yet finished
func (t *Timeline) InFlight() int {
	return int(t.LastSubmitted() - t.Completed())
}
