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
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/sleepq"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// Cond is a condition variable bound to a Mutex for its whole life. Its queue
// is protected by the mutex's lock, so that moving a waiter from the condition
// to the mutex is a single critical section.
type Cond struct {
	attr lv2.CondAttr

	// mutex and mutexHandle are the bound mutex and the handle it was bound
	// through. Immutable.
	mutex       *Mutex
	mutexHandle idm.Handle

	// queue and dead are protected by mutex.mu.
	queue sleepq.Queue
	dead  bool
}

func newCond(k *Kernel, m *Mutex, mh idm.Handle, attr *lv2.CondAttr) *Cond {
	c := &Cond{attr: *attr, mutex: m, mutexHandle: mh}
	c.queue.Init(&queueOwner{mu: &m.mu, abandon: c.abandonLocked}, k.threads)
	return c
}

// Kind implements idm.Object.Kind.
func (c *Cond) Kind() idm.Kind { return idm.KindCond }

// CondCreate creates a condition variable bound to the mutex mh.
func (k *Kernel) CondCreate(mh idm.Handle, attr *lv2.CondAttr) (idm.Handle, error) {
	if err := validIPC(&attr.IPCAttr); err != nil {
		return 0, err
	}
	m, err := lookup[*Mutex](k, idm.KindMutex, mh)
	if err != nil {
		return 0, err
	}
	h, _, created, err := k.dir.Create(idm.KindCond, &attr.IPCAttr, func() (idm.Object, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		// The mutex may have lost its last handle since the lookup.
		if m.dead {
			return nil, lv2err.ESRCH
		}
		m.conds++
		return newCond(k, m, mh, attr), nil
	})
	if err != nil {
		return 0, err
	}
	if created {
		objectsCreated.Increment(idm.KindCond.String())
	}
	log.Debugf("Created %v %q on %v", h, attr.Name, mh)
	return h, nil
}

// CondDestroy destroys a condition variable. It fails with EBUSY while
// threads wait on it.
func (k *Kernel) CondDestroy(h idm.Handle) error {
	return k.dir.Destroy(idm.KindCond, h, func(obj idm.Object, last bool) error {
		c := obj.(*Cond)
		c.mutex.mu.Lock()
		defer c.mutex.mu.Unlock()
		if !c.queue.Empty() {
			return lv2err.EBUSY
		}
		if last && !c.dead {
			c.dead = true
			c.mutex.conds--
		}
		return nil
	})
}

// CondWait atomically releases the bound mutex, which t must hold, and waits
// to be signalled. It returns with the mutex held again at the same recursion
// depth, unless the wait was cancelled. A timed out wait also reacquires the
// mutex before returning ETIMEDOUT.
func (k *Kernel) CondWait(t *thread.Thread, h idm.Handle, timeout ktime.Ticks) error {
	c, err := lookup[*Cond](k, idm.KindCond, h)
	if err != nil {
		return err
	}
	return c.Wait(t, timeout)
}

// CondSignal wakes the waiter that the mutex protocol selects, if any.
func (k *Kernel) CondSignal(h idm.Handle) error {
	c, err := lookup[*Cond](k, idm.KindCond, h)
	if err != nil {
		return err
	}
	_, err = c.Signal()
	return err
}

// CondSignalAll wakes every waiter and returns how many there were.
func (k *Kernel) CondSignalAll(h idm.Handle) (int, error) {
	c, err := lookup[*Cond](k, idm.KindCond, h)
	if err != nil {
		return 0, err
	}
	return c.SignalAll()
}

// CondSignalTo wakes the waiter of thread tid. It fails with EPERM if tid is
// not waiting on the condition variable.
func (k *Kernel) CondSignalTo(h idm.Handle, tid thread.ID) error {
	c, err := lookup[*Cond](k, idm.KindCond, h)
	if err != nil {
		return err
	}
	return c.SignalTo(tid)
}

// Wait implements CondWait.
func (c *Cond) Wait(t *thread.Thread, timeout ktime.Ticks) error {
	m := c.mutex
	m.mu.Lock()
	if c.dead || m.dead {
		m.mu.Unlock()
		return lv2err.ESRCH
	}
	if m.count == 0 || m.owner != t.ID() {
		m.mu.Unlock()
		return lv2err.EPERM
	}
	w := sleepq.NewWaiter(t)
	w.Recursion = m.count
	c.queue.PushBack(w)
	m.releaseLocked()
	m.mu.Unlock()
	return sleep(idm.KindCond, t, w, timeout)
}

// Signal wakes one waiter. It reports whether there was one.
func (c *Cond) Signal() (bool, error) {
	m := c.mutex
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.dead {
		return false, lv2err.ESRCH
	}
	w := c.queue.Next(m.attr.Protocol)
	if w == nil {
		return false, nil
	}
	c.wakeLocked(w)
	return true, nil
}

// SignalAll wakes every waiter, in protocol order.
func (c *Cond) SignalAll() (int, error) {
	m := c.mutex
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.dead {
		return 0, lv2err.ESRCH
	}
	n := 0
	for w := c.queue.Next(m.attr.Protocol); w != nil; w = c.queue.Next(m.attr.Protocol) {
		c.wakeLocked(w)
		n++
	}
	return n, nil
}

// SignalTo wakes the waiter of thread tid.
func (c *Cond) SignalTo(tid thread.ID) error {
	m := c.mutex
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.dead {
		return lv2err.ESRCH
	}
	w := c.queue.Find(tid)
	if w == nil {
		return lv2err.EPERM
	}
	c.wakeLocked(w)
	return nil
}

// wakeLocked moves w from the condition to the mutex: it is granted the mutex
// at once if the mutex is free and queued for it otherwise.
//
// Preconditions: c.mutex.mu is locked. w is in c.queue.
func (c *Cond) wakeLocked(w *sleepq.Waiter) {
	c.queue.Remove(w)
	c.requeueLocked(w, nil)
}

// requeueLocked hands the mutex to w, or queues w for it. status is delivered
// once w owns the mutex.
//
// Preconditions: c.mutex.mu is locked. w is not queued.
func (c *Cond) requeueLocked(w *sleepq.Waiter, status error) {
	m := c.mutex
	w.Requeued = true
	w.Deferred = status
	if m.count == 0 {
		m.owner = w.TID
		m.count = w.Recursion
		handoffs.Increment(idm.KindCond.String())
		w.Complete(status)
		return
	}
	m.queue.PushBack(w)
	m.inheritLocked()
}

// abandonLocked is the abandon policy of the condition queue. A timed out
// waiter still has to reacquire the mutex; a cancelled one leaves without it.
//
// Preconditions: c.mutex.mu is locked.
func (c *Cond) abandonLocked(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	if err != lv2err.ETIMEDOUT {
		return q.Dequeue(w, err)
	}
	q.Remove(w)
	c.requeueLocked(w, err)
	return true
}
