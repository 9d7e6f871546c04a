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

// LWCond is the kernel half of a lightweight condition variable. Its queue is
// protected by the bound LWMutex's lock.
type LWCond struct {
	name lv2.Name

	// lwmutex and lwmutexHandle are the bound mutex and its handle.
	// Immutable.
	lwmutex       *LWMutex
	lwmutexHandle idm.Handle

	// queue and dead are protected by lwmutex.mu.
	queue sleepq.Queue
	dead  bool
}

func newLWCond(k *Kernel, l *LWMutex, lh idm.Handle, name lv2.Name) *LWCond {
	c := &LWCond{name: name, lwmutex: l, lwmutexHandle: lh}
	c.queue.Init(&queueOwner{mu: &l.mu, abandon: c.abandonLocked}, k.threads)
	return c
}

// Kind implements idm.Object.Kind.
func (c *LWCond) Kind() idm.Kind { return idm.KindLWCond }

// LWCondCreate creates the kernel half of a lightweight condition variable
// bound to the lightweight mutex lh.
func (k *Kernel) LWCondCreate(lh idm.Handle, name lv2.Name) (idm.Handle, error) {
	l, err := lookup[*LWMutex](k, idm.KindLWMutex, lh)
	if err != nil {
		return 0, err
	}
	h, _, _, err := k.dir.Create(idm.KindLWCond, nil, func() (idm.Object, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.dead {
			return nil, lv2err.ESRCH
		}
		l.lwconds++
		return newLWCond(k, l, lh, name), nil
	})
	if err != nil {
		return 0, err
	}
	objectsCreated.Increment(idm.KindLWCond.String())
	log.Debugf("Created %v %q on %v", h, name, lh)
	return h, nil
}

// LWCondDestroy destroys a lightweight condition variable. It fails with EBUSY
// while threads wait on it.
func (k *Kernel) LWCondDestroy(h idm.Handle) error {
	return k.dir.Destroy(idm.KindLWCond, h, func(obj idm.Object, last bool) error {
		c := obj.(*LWCond)
		c.lwmutex.mu.Lock()
		defer c.lwmutex.mu.Unlock()
		if !c.queue.Empty() {
			return lv2err.EBUSY
		}
		if !c.dead {
			c.dead = true
			c.lwmutex.lwconds--
		}
		return nil
	})
}

// LWCondQueueWait releases the bound lightweight mutex on behalf of t and
// sleeps until signalled.
//
// It returns nil when t has been handed the mutex, EBUSY when t must relock
// it in user space, ETIMEDOUT when the wait timed out without the mutex and
// EDEADLK when it timed out but a pending release was consumed, so that t owns
// the mutex. requeued reports whether a signal moved t to the mutex queue
// before the wait ended; it matters when t was cancelled from there.
func (k *Kernel) LWCondQueueWait(t *thread.Thread, h idm.Handle, timeout ktime.Ticks) (requeued bool, err error) {
	c, err := lookup[*LWCond](k, idm.KindLWCond, h)
	if err != nil {
		return false, err
	}
	return c.QueueWait(t, timeout)
}

// LWCondSignal wakes one waiter, the thread target if it is not thread.None.
// mode is one of the SYS_LWCOND_SIGNAL constants and says how the signaller
// relates to the mutex.
func (k *Kernel) LWCondSignal(h idm.Handle, target thread.ID, mode uint32) error {
	c, err := lookup[*LWCond](k, idm.KindLWCond, h)
	if err != nil {
		return err
	}
	return c.Signal(target, mode)
}

// LWCondSignalAll wakes every waiter and returns how many there were. Forced
// mode is not allowed.
func (k *Kernel) LWCondSignalAll(h idm.Handle, mode uint32) (int, error) {
	c, err := lookup[*LWCond](k, idm.KindLWCond, h)
	if err != nil {
		return 0, err
	}
	return c.SignalAll(mode)
}

// QueueWait implements LWCondQueueWait.
func (c *LWCond) QueueWait(t *thread.Thread, timeout ktime.Ticks) (bool, error) {
	l := c.lwmutex
	l.mu.Lock()
	if c.dead || l.dead {
		l.mu.Unlock()
		return false, lv2err.ESRCH
	}
	w := sleepq.NewWaiter(t)
	c.queue.PushBack(w)
	l.releaseLocked()
	l.mu.Unlock()
	err := sleep(idm.KindLWCond, t, w, timeout)

	// Requeued is only written under l.mu, which the wake or abandon that
	// ended the wait held.
	l.mu.Lock()
	defer l.mu.Unlock()
	return w.Requeued, err
}

// Signal implements LWCondSignal.
//
// In SYS_LWCOND_SIGNAL_OWNED mode the signaller holds the mutex, so the waiter
// is moved to the mutex queue to be woken by the signaller's unlock. In
// SYS_LWCOND_SIGNAL_NOT_OWNED mode the waiter is woken to relock in user
// space. In SYS_LWCOND_SIGNAL_FORCED mode the signaller has released the mutex
// and the next owner is chosen among the waiter and the mutex's sleepers.
func (c *LWCond) Signal(target thread.ID, mode uint32) error {
	switch mode {
	case lv2.SYS_LWCOND_SIGNAL_OWNED, lv2.SYS_LWCOND_SIGNAL_NOT_OWNED, lv2.SYS_LWCOND_SIGNAL_FORCED:
	default:
		return lv2err.EINVAL
	}
	l := c.lwmutex
	l.mu.Lock()
	defer l.mu.Unlock()
	if c.dead {
		return lv2err.ESRCH
	}
	var w *sleepq.Waiter
	if target != thread.None {
		if w = c.queue.Find(target); w == nil {
			return lv2err.ENOENT
		}
	} else if w = c.queue.Next(l.attr.Protocol); w == nil {
		switch mode {
		case lv2.SYS_LWCOND_SIGNAL_OWNED:
			return lv2err.EPERM
		case lv2.SYS_LWCOND_SIGNAL_NOT_OWNED:
			return nil
		default:
			return lv2err.ENOENT
		}
	}
	c.queue.Remove(w)
	c.wakeLocked(w, mode)
	return nil
}

// SignalAll implements LWCondSignalAll.
func (c *LWCond) SignalAll(mode uint32) (int, error) {
	if mode != lv2.SYS_LWCOND_SIGNAL_OWNED && mode != lv2.SYS_LWCOND_SIGNAL_NOT_OWNED {
		return 0, lv2err.EINVAL
	}
	l := c.lwmutex
	l.mu.Lock()
	defer l.mu.Unlock()
	if c.dead {
		return 0, lv2err.ESRCH
	}
	n := 0
	for w := c.queue.Pop(l.attr.Protocol); w != nil; w = c.queue.Pop(l.attr.Protocol) {
		c.wakeLocked(w, mode)
		n++
	}
	return n, nil
}

// wakeLocked delivers a signal in mode to w.
//
// Preconditions: c.lwmutex.mu is locked. w has been removed from c.queue.
func (c *LWCond) wakeLocked(w *sleepq.Waiter, mode uint32) {
	l := c.lwmutex
	switch mode {
	case lv2.SYS_LWCOND_SIGNAL_OWNED:
		w.Requeued = true
		l.queue.PushBack(w)
	case lv2.SYS_LWCOND_SIGNAL_NOT_OWNED:
		w.Complete(lv2err.EBUSY)
	case lv2.SYS_LWCOND_SIGNAL_FORCED:
		if !l.queue.Empty() {
			w.Requeued = true
			l.queue.PushBack(w)
			w = l.queue.Pop(l.attr.Protocol)
		}
		handoffs.Increment(idm.KindLWCond.String())
		w.Complete(w.Deferred)
	}
}

// abandonLocked is the abandon policy of the condition queue. A timed out
// waiter takes a pending release of the mutex if there is one.
//
// Preconditions: c.lwmutex.mu is locked.
func (c *LWCond) abandonLocked(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	if err != lv2err.ETIMEDOUT {
		return q.Dequeue(w, err)
	}
	q.Remove(w)
	l := c.lwmutex
	for {
		v := l.signaled.Load()
		if v&lv2.LWMUTEX_SIGNALED == 0 {
			w.Complete(lv2err.ETIMEDOUT)
			return true
		}
		if l.signaled.CompareAndSwap(v, v&^lv2.LWMUTEX_SIGNALED) {
			w.Complete(lv2err.EDEADLK)
			return true
		}
	}
}
