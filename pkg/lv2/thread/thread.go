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

// Package thread tracks the guest threads that block in the synchronization
// primitives.
//
// Each guest thread runs on its own goroutine. Sleep queues never hold a
// *Thread: they hold the thread's ID and resolve it through the Table, so a
// thread that exits cannot be reached through a stale queue entry.
package thread

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
)

// ID identifies a guest thread.
type ID uint32

// None is never a valid thread ID.
const None ID = 0

// FirstID is the ID given to the first spawned thread.
const FirstID ID = 0x01000000

// Abandoner is a pending wait that can be withdrawn from its sleep queue.
type Abandoner interface {
	// Abandon withdraws the wait with the given status. It returns false if
	// the wait was already granted or withdrawn.
	Abandon(err error) bool
}

// Thread is a guest thread.
type Thread struct {
	id    ID
	name  string
	table *Table

	// prio is the scheduling priority, read by sleep queues at wake time.
	prio atomic.Int32

	// cancel is closed when the thread is terminated.
	cancel     chan struct{}
	cancelOnce sync.Once

	// mu protects waiter.
	mu sync.Mutex

	// waiter is the wait the thread is currently blocked in, if any.
	waiter Abandoner
}

// ID returns the thread's ID.
func (t *Thread) ID() ID {
	return t.id
}

// Name returns the thread's name.
func (t *Thread) Name() string {
	return t.name
}

// Priority returns the thread's current priority.
func (t *Thread) Priority() int32 {
	return t.prio.Load()
}

// SetPriority changes the thread's priority. A queued thread is ordered by its
// new priority from the next wake-up on.
func (t *Thread) SetPriority(prio int32) error {
	if !validPriority(prio) {
		return lv2err.EINVAL
	}
	t.prio.Store(prio)
	return nil
}

// String implements fmt.Stringer.String.
func (t *Thread) String() string {
	return fmt.Sprintf("thread %#x (%s)", uint32(t.id), t.name)
}

// Cancelled reports whether the thread has been terminated.
func (t *Thread) Cancelled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// SetWaiter records the wait the thread is about to block in. Terminate uses
// it to unqueue the thread. Pass nil once the wait has returned.
func (t *Thread) SetWaiter(w Abandoner) {
	t.mu.Lock()
	t.waiter = w
	t.mu.Unlock()
}

// Waiter returns the wait the thread is blocked in, or nil.
func (t *Thread) Waiter() Abandoner {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiter
}

// Block suspends the calling goroutine until c is ready, the timeout expires
// or the thread is terminated. It returns nil, ETIMEDOUT or ECANCELED
// respectively. A zero timeout waits forever.
func (t *Thread) Block(c <-chan struct{}, timeout ktime.Ticks) error {
	if timeout == ktime.Infinite {
		select {
		case <-c:
			return nil
		case <-t.cancel:
			return lv2err.ECANCELED
		}
	}

	expired := make(chan struct{})
	timer := t.table.clock.AfterFunc(timeout.Duration(), func() { close(expired) })
	defer timer.Stop()
	select {
	case <-c:
		return nil
	case <-expired:
		return lv2err.ETIMEDOUT
	case <-t.cancel:
		return lv2err.ECANCELED
	}
}

func validPriority(prio int32) bool {
	return prio >= lv2.PriorityHighest && prio <= lv2.PriorityLowest
}

// Table maps thread IDs to live threads.
type Table struct {
	clock ktime.Clock

	// mu protects the fields below.
	mu sync.Mutex

	threads map[ID]*Thread

	// next is the ID given to the next spawned thread.
	next ID
}

// NewTable creates an empty thread table using clock for timeouts.
func NewTable(clock ktime.Clock) *Table {
	return &Table{
		clock:   clock,
		threads: make(map[ID]*Thread),
		next:    FirstID,
	}
}

// Clock returns the table's clock.
func (tt *Table) Clock() ktime.Clock {
	return tt.clock
}

// Spawn creates a new thread.
func (tt *Table) Spawn(name string, prio int32) (*Thread, error) {
	if !validPriority(prio) {
		return nil, lv2err.EINVAL
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for {
		id := tt.next
		tt.next++
		if tt.next == None {
			tt.next = FirstID
		}
		if _, ok := tt.threads[id]; !ok {
			return tt.insertLocked(id, name, prio), nil
		}
	}
}

// Restore recreates a thread with a fixed ID, as recorded in a snapshot.
func (tt *Table) Restore(id ID, name string, prio int32) (*Thread, error) {
	if id == None || !validPriority(prio) {
		return nil, lv2err.EINVAL
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if _, ok := tt.threads[id]; ok {
		return nil, lv2err.EEXIST
	}
	if id >= tt.next {
		tt.next = id + 1
	}
	return tt.insertLocked(id, name, prio), nil
}

// Preconditions: tt.mu is locked.
func (tt *Table) insertLocked(id ID, name string, prio int32) *Thread {
	t := &Thread{
		id:     id,
		name:   name,
		table:  tt,
		cancel: make(chan struct{}),
	}
	t.prio.Store(prio)
	tt.threads[id] = t
	return t
}

// Get returns the live thread with the given ID, or nil.
func (tt *Table) Get(id ID) *Thread {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.threads[id]
}

// Priority returns the priority of the thread with the given ID. Unknown
// threads sort after every live thread.
func (tt *Table) Priority(id ID) int32 {
	if t := tt.Get(id); t != nil {
		return t.Priority()
	}
	return lv2.PriorityLowest + 1
}

// List returns the live threads in ID order.
func (tt *Table) List() []*Thread {
	tt.mu.Lock()
	ts := make([]*Thread, 0, len(tt.threads))
	for _, t := range tt.threads {
		ts = append(ts, t)
	}
	tt.mu.Unlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].id < ts[j].id })
	return ts
}

// Terminate forcibly ends a thread. If the thread is blocked, it is removed
// from its sleep queue and its wait returns ECANCELED before the thread leaves
// the table.
func (tt *Table) Terminate(id ID) error {
	t := tt.Get(id)
	if t == nil {
		return lv2err.ESRCH
	}
	t.cancelOnce.Do(func() { close(t.cancel) })
	if w := t.Waiter(); w != nil {
		w.Abandon(lv2err.ECANCELED)
	}
	tt.mu.Lock()
	delete(tt.threads, id)
	tt.mu.Unlock()
	log.Debugf("Terminated %v", t)
	return nil
}

// Exit removes a thread that finished normally.
func (tt *Table) Exit(t *Thread) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.threads[t.id] == t {
		delete(tt.threads, t.id)
	}
}

// TerminateAll terminates every live thread.
func (tt *Table) TerminateAll() {
	for _, t := range tt.List() {
		tt.Terminate(t.id)
	}
}
