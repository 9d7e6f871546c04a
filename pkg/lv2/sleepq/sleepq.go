// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sleepq implements the sleep queues that guest threads block on.
//
// A Queue belongs to an Owner, the primitive instance whose lock protects it.
// Every queue operation requires the owner to be locked. A thread blocks by
// queueing a Waiter and calling Waiter.Wait after releasing the owner's lock;
// whoever wakes it dequeues the Waiter and calls Complete under the same lock,
// usually after transferring ownership of the primitive to the waiter.
//
// Timeouts and forced cancellation race with wake-ups. The race is resolved
// under the owner's lock: if the waiter is still queued when its thread stops
// waiting, the owner decides what happens through Owner.Abandon; if it has
// already been dequeued, the wake-up wins and the thread waits for Complete.
package sleepq

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/ilist"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// Owner is the primitive instance that a Queue belongs to.
type Owner interface {
	sync.Locker

	// Abandon is called with the owner locked when the thread of w, which is
	// still in q, stops waiting with status err (ETIMEDOUT or ECANCELED). The
	// owner either dequeues w and completes it (or moves it to another queue)
	// and returns true, or leaves it queued and returns false, in which case
	// the thread keeps waiting for an explicit Complete.
	Abandon(q *Queue, w *Waiter, err error) bool
}

// Prioritizer resolves the priority of a queued thread at wake time.
type Prioritizer interface {
	Priority(id thread.ID) int32
}

// Waiter is a thread blocked in a Queue.
type Waiter struct {
	ilist.Entry[Waiter]

	// TID is the blocked thread. It is immutable.
	TID thread.ID

	// queue is the queue w is in, or nil if w is not queued. It is only
	// modified with the queue's owner locked, but may be read without.
	queue atomic.Pointer[Queue]

	// C is sent to exactly once, by Complete.
	C chan struct{}

	// status is the result of the wait. It is written before C is sent to
	// and read after C is received from.
	status error

	// The fields below are wait arguments and results for individual
	// primitives. They are protected by the owner of the queue w is in.

	// Recursion is the mutex recursion depth to restore when a condition
	// variable waiter is granted its mutex.
	Recursion uint32

	// Requeued is set when w was moved from a condition variable queue onto
	// its mutex's queue. A requeued waiter is no longer subject to its
	// timeout.
	Requeued bool

	// Deferred is the status delivered when a requeued waiter is finally
	// granted its mutex.
	Deferred error

	// Bits and Mode are the arguments of an event flag wait; Pattern
	// receives the pattern observed when the wait finished.
	Bits    uint64
	Mode    uint32
	Pattern uint64
}

type waiterList = ilist.List[Waiter, *Waiter]

// NewWaiter creates a waiter for t and registers it as the wait t is about to
// block in.
func NewWaiter(t *thread.Thread) *Waiter {
	w := &Waiter{
		TID: t.ID(),
		C:   make(chan struct{}, 1),
	}
	t.SetWaiter(w)
	return w
}

// Queued reports whether w is in a queue.
func (w *Waiter) Queued() bool {
	return w.queue.Load() != nil
}

// Complete wakes w's thread with the given status.
//
// Preconditions: w has been dequeued, under the lock of the owner of the queue
// it was in.
func (w *Waiter) Complete(err error) {
	w.status = err
	select {
	case w.C <- struct{}{}:
	default:
		panic(fmt.Sprintf("waiter for thread %#x completed twice", uint32(w.TID)))
	}
}

// Abandon withdraws w from its queue on behalf of its thread. It implements
// thread.Abandoner.
func (w *Waiter) Abandon(err error) bool {
	for {
		q := w.queue.Load()

		// If q is nil, w was dequeued and a Complete is on its way or has
		// already happened. It cannot be queued again concurrently.
		if q == nil {
			return false
		}

		// The queue can only change with its owner locked, so once the
		// owner is locked and q is still current, it stays current.
		q.owner.Lock()
		if q != w.queue.Load() {
			q.owner.Unlock()
			continue
		}
		ok := q.owner.Abandon(q, w, err)
		q.owner.Unlock()
		return ok
	}
}

// Wait blocks t until w is completed and returns the completion status. On
// timeout or termination, w is abandoned; if the owner keeps it queued or a
// grant is already under way, Wait keeps waiting for the completion.
//
// Preconditions: w was created for t and queued.
func (w *Waiter) Wait(t *thread.Thread, timeout ktime.Ticks) error {
	defer t.SetWaiter(nil)
	if err := t.Block(w.C, timeout); err != nil {
		w.Abandon(err)
		<-w.C
	}
	return w.status
}

// Queue is a sleep queue.
type Queue struct {
	owner   Owner
	threads Prioritizer

	// waiters and n are protected by owner.
	waiters waiterList
	n       int
}

// Init initializes q. It must be called before q is used.
func (q *Queue) Init(owner Owner, threads Prioritizer) {
	q.owner = owner
	q.threads = threads
}

// Len returns the number of queued waiters.
//
// Preconditions: q's owner is locked.
func (q *Queue) Len() int {
	return q.n
}

// Empty reports whether q has no waiters.
//
// Preconditions: q's owner is locked.
func (q *Queue) Empty() bool {
	return q.n == 0
}

// Front returns the first waiter in enqueue order, or nil.
//
// Preconditions: q's owner is locked.
func (q *Queue) Front() *Waiter {
	return q.waiters.Front()
}

// PushBack appends w to q.
//
// Preconditions: q's owner is locked. w is not queued.
func (q *Queue) PushBack(w *Waiter) {
	if w.queue.Load() != nil {
		panic(fmt.Sprintf("waiter for thread %#x queued twice", uint32(w.TID)))
	}
	q.waiters.PushBack(w)
	w.queue.Store(q)
	q.n++
}

// Remove removes w from q.
//
// Preconditions: q's owner is locked. w is in q.
func (q *Queue) Remove(w *Waiter) {
	if w.queue.Load() != q {
		panic(fmt.Sprintf("waiter for thread %#x is not in this queue", uint32(w.TID)))
	}
	q.waiters.Remove(w)
	w.queue.Store(nil)
	q.n--
}

// Dequeue removes w from q and completes it with err. It is the usual
// Owner.Abandon behaviour.
//
// Preconditions: q's owner is locked. w is in q.
func (q *Queue) Dequeue(w *Waiter, err error) bool {
	q.Remove(w)
	w.Complete(err)
	return true
}

// Transfer moves w from q to the back of to.
//
// Preconditions: the owners of q and to are locked. w is in q.
func (q *Queue) Transfer(w *Waiter, to *Queue) {
	q.Remove(w)
	to.PushBack(w)
}

// Next returns the waiter that protocol wakes next, without removing it.
// Under SYS_SYNC_FIFO this is the oldest waiter; under every other protocol it
// is the waiter whose thread has the numerically lowest priority right now,
// the oldest among equals.
//
// Preconditions: q's owner is locked.
func (q *Queue) Next(protocol uint32) *Waiter {
	front := q.waiters.Front()
	if front == nil || protocol == lv2.SYS_SYNC_FIFO {
		return front
	}
	best := front
	bestPrio := q.threads.Priority(front.TID)
	for w := front.Next(); w != nil; w = w.Next() {
		if p := q.threads.Priority(w.TID); p < bestPrio {
			best, bestPrio = w, p
		}
	}
	return best
}

// Pop removes and returns the waiter that protocol wakes next, or nil.
//
// Preconditions: q's owner is locked.
func (q *Queue) Pop(protocol uint32) *Waiter {
	w := q.Next(protocol)
	if w != nil {
		q.Remove(w)
	}
	return w
}

// Find returns the waiter for thread tid, or nil.
//
// Preconditions: q's owner is locked.
func (q *Queue) Find(tid thread.ID) *Waiter {
	for w := q.waiters.Front(); w != nil; w = w.Next() {
		if w.TID == tid {
			return w
		}
	}
	return nil
}

// HighestPriority returns the numerically lowest priority among the queued
// threads.
//
// Preconditions: q's owner is locked.
func (q *Queue) HighestPriority() (int32, bool) {
	w := q.Next(lv2.SYS_SYNC_PRIORITY)
	if w == nil {
		return 0, false
	}
	return q.threads.Priority(w.TID), true
}

// SortByPriority reorders q by current thread priority, keeping enqueue order
// among equals.
//
// Preconditions: q's owner is locked.
func (q *Queue) SortByPriority() {
	ws := q.Waiters()
	if len(ws) < 2 {
		return
	}
	prios := make(map[thread.ID]int32, len(ws))
	for _, w := range ws {
		prios[w.TID] = q.threads.Priority(w.TID)
	}
	sort.SliceStable(ws, func(i, j int) bool { return prios[ws[i].TID] < prios[ws[j].TID] })
	q.waiters.Reset()
	for _, w := range ws {
		q.waiters.PushBack(w)
	}
}

// Waiters returns the queued waiters in queue order.
//
// Preconditions: q's owner is locked.
func (q *Queue) Waiters() []*Waiter {
	ws := make([]*Waiter, 0, q.n)
	for w := q.waiters.Front(); w != nil; w = w.Next() {
		ws = append(ws, w)
	}
	return ws
}

// TIDs returns the queued threads in queue order.
//
// Preconditions: q's owner is locked.
func (q *Queue) TIDs() []thread.ID {
	tids := make([]thread.ID, 0, q.n)
	for w := q.waiters.Front(); w != nil; w = w.Next() {
		tids = append(tids, w.TID)
	}
	return tids
}
