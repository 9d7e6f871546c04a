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

package kernel

import (
	"math"
	"sync"

	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/sleepq"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// Mutex is a kernel mutex, optionally recursive.
type Mutex struct {
	k    *Kernel
	attr lv2.MutexAttr

	// mu protects the fields below. Condition variables bound to the mutex
	// share it.
	mu sync.Mutex

	// owner holds the mutex iff count > 0.
	owner thread.ID
	count uint32

	// conds is the number of condition variables bound to the mutex.
	conds uint32

	queue sleepq.Queue

	// inherited is the owner the scheduler boosted on behalf of the queue,
	// or thread.None.
	inherited thread.ID

	dead bool
}

func newMutex(k *Kernel, attr *lv2.MutexAttr) *Mutex {
	m := &Mutex{k: k, attr: *attr}
	m.queue.Init(&queueOwner{mu: &m.mu, abandon: m.abandonLocked}, k.threads)
	return m
}

// Kind implements idm.Object.Kind.
func (m *Mutex) Kind() idm.Kind { return idm.KindMutex }

// MutexCreate creates a mutex.
func (k *Kernel) MutexCreate(attr *lv2.MutexAttr) (idm.Handle, error) {
	if !validProtocol(attr.Protocol, lv2.SYS_SYNC_FIFO, lv2.SYS_SYNC_PRIORITY, lv2.SYS_SYNC_PRIORITY_INHERIT) {
		return 0, lv2err.EINVAL
	}
	if attr.Recursive != lv2.SYS_SYNC_RECURSIVE && attr.Recursive != lv2.SYS_SYNC_NOT_RECURSIVE {
		return 0, lv2err.EINVAL
	}
	if err := validIPC(&attr.IPCAttr); err != nil {
		return 0, err
	}
	if attr.Protocol == lv2.SYS_SYNC_PRIORITY_INHERIT && k.sched == nil {
		log.Debugf("Mutex %q uses priority inheritance without a scheduler; it behaves as SYS_SYNC_PRIORITY", attr.Name)
	}
	h, _, created, err := k.dir.Create(idm.KindMutex, &attr.IPCAttr, func() (idm.Object, error) {
		return newMutex(k, attr), nil
	})
	if err != nil {
		return 0, err
	}
	if created {
		objectsCreated.Increment(idm.KindMutex.String())
	}
	log.Debugf("Created %v %q", h, attr.Name)
	return h, nil
}

// MutexDestroy destroys a mutex. It fails with EBUSY while the mutex is held
// or waited on, and with EPERM while condition variables are bound to it.
func (k *Kernel) MutexDestroy(h idm.Handle) error {
	return k.dir.Destroy(idm.KindMutex, h, func(obj idm.Object, last bool) error {
		m := obj.(*Mutex)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.count > 0 || !m.queue.Empty() {
			return lv2err.EBUSY
		}
		if m.conds > 0 {
			return lv2err.EPERM
		}
		m.dead = m.dead || last
		return nil
	})
}

// MutexLock locks a mutex on behalf of t.
func (k *Kernel) MutexLock(t *thread.Thread, h idm.Handle, timeout ktime.Ticks) error {
	m, err := lookup[*Mutex](k, idm.KindMutex, h)
	if err != nil {
		return err
	}
	return m.Lock(t, timeout)
}

// MutexTryLock locks a mutex without blocking.
func (k *Kernel) MutexTryLock(t *thread.Thread, h idm.Handle) error {
	m, err := lookup[*Mutex](k, idm.KindMutex, h)
	if err != nil {
		return err
	}
	return m.TryLock(t)
}

// MutexUnlock unlocks a mutex held by t.
func (k *Kernel) MutexUnlock(t *thread.Thread, h idm.Handle) error {
	m, err := lookup[*Mutex](k, idm.KindMutex, h)
	if err != nil {
		return err
	}
	return m.Unlock(t)
}

// MutexOwner returns the thread holding a mutex, or thread.None.
func (k *Kernel) MutexOwner(h idm.Handle) (thread.ID, error) {
	m, err := lookup[*Mutex](k, idm.KindMutex, h)
	if err != nil {
		return thread.None, err
	}
	return m.Owner(), nil
}

// MutexWaiterPriority returns the priority of the most urgent thread waiting
// for a mutex. ok is false if nobody waits.
func (k *Kernel) MutexWaiterPriority(h idm.Handle) (prio int32, ok bool, err error) {
	m, err := lookup[*Mutex](k, idm.KindMutex, h)
	if err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prio, ok = m.queue.HighestPriority()
	return prio, ok, nil
}

// Owner returns the thread holding m, or thread.None.
func (m *Mutex) Owner() thread.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 {
		return thread.None
	}
	return m.owner
}

// Lock acquires m, sleeping until it is handed over, the timeout expires or
// t is terminated.
func (m *Mutex) Lock(t *thread.Thread, timeout ktime.Ticks) error {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return lv2err.ESRCH
	}
	if acquired, err := m.tryLockLocked(t.ID()); acquired || err != nil {
		m.mu.Unlock()
		return err
	}
	w := sleepq.NewWaiter(t)
	m.queue.PushBack(w)
	m.inheritLocked()
	m.mu.Unlock()

	// On success the releasing thread has already made t the owner.
	return sleep(idm.KindMutex, t, w, timeout)
}

// TryLock acquires m if that does not require sleeping.
func (m *Mutex) TryLock(t *thread.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return lv2err.ESRCH
	}
	acquired, err := m.tryLockLocked(t.ID())
	if !acquired && err == nil {
		return lv2err.EBUSY
	}
	return err
}

// tryLockLocked acquires m for tid if it is free or already held by tid. It
// returns false and no error if another thread holds m.
//
// Preconditions: m.mu is locked.
func (m *Mutex) tryLockLocked(tid thread.ID) (bool, error) {
	switch {
	case m.count == 0:
		m.owner = tid
		m.count = 1
		return true, nil
	case m.owner != tid:
		return false, nil
	case m.attr.Recursive != lv2.SYS_SYNC_RECURSIVE:
		return false, lv2err.EBUSY
	case m.count == math.MaxUint32:
		return false, lv2err.EAGAIN
	default:
		m.count++
		return true, nil
	}
}

// Unlock releases one level of t's hold on m.
func (m *Mutex) Unlock(t *thread.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return lv2err.ESRCH
	}
	if m.count == 0 || m.owner != t.ID() {
		return lv2err.EPERM
	}
	if m.count > 1 {
		m.count--
		return nil
	}
	m.releaseLocked()
	return nil
}

// releaseLocked hands m to the next waiter in protocol order, or frees it.
// A waiter that came from a condition variable gets its recursion depth back.
//
// Preconditions: m.mu is locked.
func (m *Mutex) releaseLocked() {
	m.restoreLocked()
	w := m.queue.Pop(m.attr.Protocol)
	if w == nil {
		m.owner = thread.None
		m.count = 0
		return
	}
	m.owner = w.TID
	m.count = 1
	if w.Requeued {
		m.count = w.Recursion
	}
	m.inheritLocked()
	handoffs.Increment(idm.KindMutex.String())
	w.Complete(w.Deferred)
}

// abandonLocked is the abandon policy of the mutex queue.
//
// Preconditions: m.mu is locked.
func (m *Mutex) abandonLocked(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	// A condition variable waiter moved here is past its timeout: it leaves
	// only as owner, or when its thread is terminated.
	if w.Requeued && err != lv2err.ECANCELED {
		return false
	}
	q.Dequeue(w, err)
	m.restoreLocked()
	m.inheritLocked()
	return true
}

// inheritLocked asks the scheduler to raise the owner to the priority of the
// most urgent waiter.
//
// Preconditions: m.mu is locked.
func (m *Mutex) inheritLocked() {
	if m.attr.Protocol != lv2.SYS_SYNC_PRIORITY_INHERIT || m.k.sched == nil || m.count == 0 {
		return
	}
	prio, ok := m.queue.HighestPriority()
	if !ok || m.k.threads.Priority(m.owner) <= prio {
		return
	}
	m.k.sched.Inherit(m.owner, prio)
	m.inherited = m.owner
}

// restoreLocked undoes inheritLocked.
//
// Preconditions: m.mu is locked.
func (m *Mutex) restoreLocked() {
	if m.inherited == thread.None {
		return
	}
	m.k.sched.Restore(m.inherited)
	m.inherited = thread.None
}
