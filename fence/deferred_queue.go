package fence

import (
	"github.com/vkngwrapper/gpuheap/memutils"
)

type deferredBatch[T any] struct {
	epoch Epoch
	items []T
}

// DeferredQueue holds items that were logically released by the CPU but may still be in use by
// GPU work. Items accumulate in a pending list until Seal tags them with the epoch of the
// submission that closes the frame, and are handed back by Reclaim once that epoch has completed.
//
// DeferredQueue does not synchronize itself; it is expected to be guarded by its owner's mutex.
type DeferredQueue[T any] struct {
	pending    []T
	batches    []deferredBatch[T]
	lastSealed Epoch
	queued     int
}

// Defer adds an item to the pending list
func (q *DeferredQueue[T]) Defer(item T) {
	q.pending = append(q.pending, item)
}

// Seal tags every pending item with the provided submission epoch. Epochs passed to Seal
// must never decrease.
func (q *DeferredQueue[T]) Seal(submitted Epoch) {
	memutils.DebugAssert(submitted >= q.lastSealed, "sealed epoch %d is older than the previously sealed epoch %d", submitted, q.lastSealed)
	q.lastSealed = submitted

	if len(q.pending) == 0 {
		return
	}

	q.batches = append(q.batches, deferredBatch[T]{
		epoch: submitted,
		items: q.pending,
	})
	q.queued += len(q.pending)
	q.pending = nil
}

// Reclaim calls release for every item in every sealed batch whose epoch has been completed,
// in the order the items were deferred. It returns the number of items released.
func (q *DeferredQueue[T]) Reclaim(completed Epoch, release func(item T)) int {
	released := 0
	batchIndex := 0

	for ; batchIndex < len(q.batches); batchIndex++ {
		batch := q.batches[batchIndex]
		if !batch.epoch.CompletedBy(completed) {
			break
		}

		for _, item := range batch.items {
			release(item)
		}
		released += len(batch.items)
	}

	if batchIndex > 0 {
		remaining := copy(q.batches, q.batches[batchIndex:])
		for i := remaining; i < len(q.batches); i++ {
			q.batches[i] = deferredBatch[T]{}
		}
		q.batches = q.batches[:remaining]
	}

	q.queued -= released
	return released
}

// Advance performs the frame-boundary step: pending items are sealed with submitted, then
// everything completed by completed is released.
func (q *DeferredQueue[T]) Advance(submitted, completed Epoch, release func(item T)) int {
	q.Seal(submitted)
	return q.Reclaim(completed, release)
}

// Drain releases every item, sealed or not, regardless of epochs. It must only be used when
// the GPU is known to be idle, such as during teardown.
func (q *DeferredQueue[T]) Drain(release func(item T)) int {
	released := q.queued + len(q.pending)

	for _, batch := range q.batches {
		for _, item := range batch.items {
			release(item)
		}
	}
	for _, item := range q.pending {
		release(item)
	}

	q.batches = nil
	q.pending = nil
	q.queued = 0
	return released
}

// PendingCount returns the number of items deferred since the last Seal
func (q *DeferredQueue[T]) PendingCount() int {
	return len(q.pending)
}

// QueuedCount returns the number of sealed items that have not been released yet
func (q *DeferredQueue[T]) QueuedCount() int {
	return q.queued
}

// OldestEpoch returns the epoch of the oldest sealed batch still waiting for completion
func (q *DeferredQueue[T]) OldestEpoch() (Epoch, bool) {
	if len(q.batches) == 0 {
		return NoEpoch, false
	}
	return q.batches[0].epoch, true
}

// VisitAll calls visit for every sealed and pending item without releasing anything
func (q *DeferredQueue[T]) VisitAll(visit func(item T, sealed bool, epoch Epoch)) {
	for _, batch := range q.batches {
		for _, item := range batch.items {
			visit(item, true, batch.epoch)
		}
	}
	for _, item := range q.pending {
		visit(item, false, NoEpoch)
	}
}
