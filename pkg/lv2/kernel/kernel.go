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

// Package kernel implements the guest kernel's synchronization primitives:
// mutexes, condition variables, semaphores, reader-writer locks, event flags
// and the kernel side of the lightweight mutex and condition variable.
//
// A Kernel is one emulated machine's instance of the layer. Guest threads
// call its methods from their own goroutines; a blocking method returns only
// once the call has completed, timed out or been cancelled.
//
// Every primitive instance protects its state, including its sleep queues,
// with its own mu. Ownership is always handed to a waiter in the same
// critical section that releases it.
package kernel

import (
	"sync"

	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/sleepq"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
	"lv2sync.dev/lv2sync/pkg/metric"
)

// Scheduler is the collaborator that applies priority inheritance. The
// kernel calls it only for PRIORITY_INHERIT mutexes, with the mutex's lock
// held; implementations must not call back into the kernel.
type Scheduler interface {
	// Inherit raises owner's effective priority to prio, the priority of
	// the most urgent thread waiting for a mutex owner holds.
	Inherit(owner thread.ID, prio int32)

	// Restore drops any priority owner inherited through a mutex it no
	// longer holds.
	Restore(owner thread.ID)
}

// Options configures a Kernel.
type Options struct {
	// Clock is the time base for timeouts. Defaults to the host clock.
	Clock ktime.Clock

	// MaxObjects is the number of live handles allowed per kind. Defaults
	// to idm.DefaultMaxObjects.
	MaxObjects int

	// Scheduler receives priority inheritance requests. May be nil.
	Scheduler Scheduler
}

// Kernel is the synchronization layer of one emulated machine.
type Kernel struct {
	clock   ktime.Clock
	threads *thread.Table
	dir     *idm.Directory
	sched   Scheduler
}

// New creates a Kernel with an empty thread table and object directory.
func New(opts Options) *Kernel {
	clock := opts.Clock
	if clock == nil {
		clock = ktime.RealClock{}
	}
	return &Kernel{
		clock:   clock,
		threads: thread.NewTable(clock),
		dir:     idm.NewDirectory(opts.MaxObjects),
		sched:   opts.Scheduler,
	}
}

// Shutdown terminates every guest thread, unqueueing it from whatever it waits
// on, and then drops every handle. The Kernel is unusable afterwards.
func (k *Kernel) Shutdown() {
	k.threads.TerminateAll()
	k.dir.Teardown()
	log.Infof("Synchronization layer shut down")
}

// Clock returns the time base of timeouts.
func (k *Kernel) Clock() ktime.Clock {
	return k.clock
}

// Threads returns the guest thread table.
func (k *Kernel) Threads() *thread.Table {
	return k.threads
}

// SpawnThread creates a guest thread.
func (k *Kernel) SpawnThread(name string, prio int32) (*thread.Thread, error) {
	return k.threads.Spawn(name, prio)
}

// TerminateThread forcibly ends a guest thread. Its pending wait, if any,
// returns ECANCELED.
func (k *Kernel) TerminateThread(id thread.ID) error {
	return k.threads.Terminate(id)
}

// ObjectCount returns the number of live handles of kind.
func (k *Kernel) ObjectCount(kind idm.Kind) int {
	return k.dir.Len(kind)
}

// lookup resolves a handle to its instance.
func lookup[T idm.Object](k *Kernel, kind idm.Kind, h idm.Handle) (T, error) {
	obj, err := k.dir.Get(kind, h)
	if err != nil {
		var zero T
		return zero, err
	}
	return obj.(T), nil
}

var kindField = metric.NewField("kind", []string{
	idm.KindMutex.String(),
	idm.KindCond.String(),
	idm.KindRWLock.String(),
	idm.KindLWMutex.String(),
	idm.KindSemaphore.String(),
	idm.KindLWCond.String(),
	idm.KindEventFlag.String(),
})

var (
	objectsCreated = metric.MustCreateNewUint64Metric("lv2sync_objects_created_total", "Number of synchronization objects created.", kindField)
	blockedWaits   = metric.MustCreateNewUint64Metric("lv2sync_blocked_waits_total", "Number of waits that had to sleep.", kindField)
	timeouts       = metric.MustCreateNewUint64Metric("lv2sync_timeouts_total", "Number of sleeping waits that timed out.", kindField)
	cancellations  = metric.MustCreateNewUint64Metric("lv2sync_cancellations_total", "Number of sleeping waits ended by thread termination or cancel.", kindField)
	handoffs       = metric.MustCreateNewUint64Metric("lv2sync_handoffs_total", "Number of times ownership passed directly to a sleeping waiter.", kindField)
)

// sleep blocks t on w and accounts for the outcome.
func sleep(kind idm.Kind, t *thread.Thread, w *sleepq.Waiter, timeout ktime.Ticks) error {
	blockedWaits.Increment(kind.String())
	err := w.Wait(t, timeout)
	switch err {
	case lv2err.ETIMEDOUT:
		timeouts.Increment(kind.String())
	case lv2err.ECANCELED:
		cancellations.Increment(kind.String())
	}
	return err
}

// queueOwner adapts a primitive's lock and abandon policy to sleepq.Owner.
type queueOwner struct {
	mu      sync.Locker
	abandon func(q *sleepq.Queue, w *sleepq.Waiter, err error) bool
}

// Lock implements sync.Locker.Lock.
func (o *queueOwner) Lock() { o.mu.Lock() }

// Unlock implements sync.Locker.Unlock.
func (o *queueOwner) Unlock() { o.mu.Unlock() }

// Abandon implements sleepq.Owner.Abandon.
func (o *queueOwner) Abandon(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	return o.abandon(q, w, err)
}

// dequeue is the abandon policy of primitives with nothing to undo.
func dequeue(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	return q.Dequeue(w, err)
}

func validProtocol(protocol uint32, allowed ...uint32) bool {
	for _, a := range allowed {
		if protocol == a {
			return true
		}
	}
	return false
}

// validIPC checks the sharing fields of an attribute record.
func validIPC(a *lv2.IPCAttr) error {
	if err := a.Validate(); err != nil {
		log.Debugf("Rejected attributes: %v", err)
		return lv2err.EINVAL
	}
	return nil
}
