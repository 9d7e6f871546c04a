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

package lwsync

import (
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// Cond is a lightweight condition variable bound to a Mutex.
type Cond struct {
	m     *Mutex
	queue idm.Handle
}

// NewCond creates a lightweight condition variable on m.
func NewCond(m *Mutex, name lv2.Name) (*Cond, error) {
	h, err := m.k.LWCondCreate(m.sleepQueue, name)
	if err != nil {
		return nil, err
	}
	return &Cond{m: m, queue: h}, nil
}

// Handle returns the kernel queue of c.
func (c *Cond) Handle() idm.Handle {
	return c.queue
}

// Destroy destroys c. It fails with EBUSY while threads wait on it.
func (c *Cond) Destroy() error {
	return c.m.k.LWCondDestroy(c.queue)
}

// Wait releases the mutex, which t must hold, and waits to be signalled. The
// mutex is held again at the same recursion depth when Wait returns, whether
// or not the wait timed out.
func (c *Cond) Wait(t *thread.Thread, timeout ktime.Ticks) error {
	m := c.m
	tid := uint32(t.ID())
	if m.owner() != tid {
		return lv2err.EPERM
	}
	depth := m.count.Load()
	m.setOwner(lv2.LWMUTEX_RESERVED)
	m.count.Store(0)

	requeued, err := m.k.LWCondQueueWait(t, c.queue, timeout)
	switch err {
	case nil:
		// The signaller counted us as a mutex waiter.
		m.addWaiters(-1)
		m.setOwner(tid)
		m.count.Store(depth)
		return nil
	case lv2err.EBUSY, lv2err.ETIMEDOUT:
		if lerr := m.Lock(t, ktime.Infinite); lerr != nil {
			return lerr
		}
		m.count.Store(depth)
		if err == lv2err.EBUSY {
			return nil
		}
		return err
	case lv2err.EDEADLK:
		// Timed out, but the mutex was released to us on the way out.
		m.setOwner(tid)
		m.count.Store(depth)
		return lv2err.ETIMEDOUT
	default:
		if requeued {
			// Cancelled from the mutex queue after the signaller counted
			// us as a waiter.
			m.addWaiters(-1)
		}
		return err
	}
}

// Signal wakes one waiter.
func (c *Cond) Signal(t *thread.Thread) error {
	return c.signal(t, thread.None)
}

// SignalTo wakes the waiter of thread target. It fails with ENOENT if target
// is not waiting.
func (c *Cond) SignalTo(t *thread.Thread, target thread.ID) error {
	return c.signal(t, target)
}

func (c *Cond) signal(t *thread.Thread, target thread.ID) error {
	m := c.m
	tid := uint32(t.ID())

	if m.protocol() == lv2.SYS_SYNC_RETRY {
		// Releases of a retry mutex are forced, which a moved waiter would
		// see as EBUSY. Let it relock by itself instead.
		return m.k.LWCondSignal(c.queue, target, lv2.SYS_LWCOND_SIGNAL_NOT_OWNED)
	}

	if m.owner() == tid {
		// The waiter moves to the mutex queue and is woken by our unlock.
		m.addWaiters(1)
		err := m.k.LWCondSignal(c.queue, target, lv2.SYS_LWCOND_SIGNAL_OWNED)
		if err == nil {
			return nil
		}
		m.addWaiters(-1)
		if err == lv2err.EPERM {
			return nil
		}
		return err
	}

	if err := m.TryLock(t); err != nil {
		// Someone else holds the mutex; the waiter relocks by itself.
		return m.k.LWCondSignal(c.queue, target, lv2.SYS_LWCOND_SIGNAL_NOT_OWNED)
	}

	// We took the mutex. Give it away together with the signal.
	m.addWaiters(1)
	m.setOwner(lv2.LWMUTEX_RESERVED)
	depth := m.count.Load()
	m.count.Store(0)
	err := m.k.LWCondSignal(c.queue, target, lv2.SYS_LWCOND_SIGNAL_FORCED)
	if err == nil {
		return nil
	}
	m.addWaiters(-1)
	m.setOwner(tid)
	m.count.Store(depth)
	if uerr := m.Unlock(t); uerr != nil {
		return uerr
	}
	if err == lv2err.ENOENT && target == thread.None {
		return nil
	}
	return err
}

// SignalAll wakes every waiter.
func (c *Cond) SignalAll(t *thread.Thread) error {
	m := c.m
	if m.owner() == uint32(t.ID()) && m.protocol() != lv2.SYS_SYNC_RETRY {
		n, err := m.k.LWCondSignalAll(c.queue, lv2.SYS_LWCOND_SIGNAL_OWNED)
		if err != nil {
			return err
		}
		m.addWaiters(int32(n))
		return nil
	}
	_, err := m.k.LWCondSignalAll(c.queue, lv2.SYS_LWCOND_SIGNAL_NOT_OWNED)
	return err
}
