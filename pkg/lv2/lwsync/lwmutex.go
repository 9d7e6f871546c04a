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

// Package lwsync implements the user-space half of the lightweight mutex and
// condition variable. The control blocks live in guest memory; uncontended
// operations only touch them, and the kernel is entered through the
// lightweight syscalls when a thread has to sleep or be woken.
package lwsync

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/kernel"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// MutexAttr is the user-space lightweight mutex attribute record.
type MutexAttr struct {
	Protocol  uint32
	Recursive uint32
	Name      lv2.Name
}

// Mutex is a lightweight mutex.
type Mutex struct {
	k *kernel.Kernel

	// lockVar is the owner word in the upper half and the waiter count in
	// the lower half, so that "owner and no waiters" can be tested and
	// released in one step.
	lockVar atomic.Uint64

	// count is the recursion depth. Only the owner changes it.
	count atomic.Uint32

	// attribute and sleepQueue are immutable.
	attribute  uint32
	sleepQueue idm.Handle
}

func pack(owner, waiter uint32) uint64 {
	return uint64(owner)<<32 | uint64(waiter)
}

func unpack(v uint64) (owner, waiter uint32) {
	return uint32(v >> 32), uint32(v)
}

// NewMutex creates a lightweight mutex and its kernel sleep queue.
func NewMutex(k *kernel.Kernel, attr *MutexAttr) (*Mutex, error) {
	if attr.Recursive != lv2.SYS_SYNC_RECURSIVE && attr.Recursive != lv2.SYS_SYNC_NOT_RECURSIVE {
		return nil, lv2err.EINVAL
	}
	h, err := k.LWMutexCreate(&lv2.LWMutexAttr{Protocol: attr.Protocol, Name: attr.Name})
	if err != nil {
		return nil, err
	}
	m := &Mutex{
		k:          k,
		attribute:  attr.Protocol | attr.Recursive,
		sleepQueue: h,
	}
	m.lockVar.Store(pack(lv2.LWMUTEX_FREE, 0))
	return m, nil
}

// Handle returns the kernel sleep queue of m.
func (m *Mutex) Handle() idm.Handle {
	return m.sleepQueue
}

// Control returns the control block of m as the guest sees it.
func (m *Mutex) Control() lv2.LWMutex {
	owner, waiter := unpack(m.lockVar.Load())
	return lv2.LWMutex{
		Owner:          owner,
		Waiter:         waiter,
		Attribute:      m.attribute,
		RecursiveCount: m.count.Load(),
		SleepQueue:     uint32(m.sleepQueue),
	}
}

func (m *Mutex) owner() uint32 {
	owner, _ := unpack(m.lockVar.Load())
	return owner
}

// casOwner replaces the owner word if it is old, whatever the waiter count.
func (m *Mutex) casOwner(old, next uint32) bool {
	for {
		v := m.lockVar.Load()
		owner, waiter := unpack(v)
		if owner != old {
			return false
		}
		if m.lockVar.CompareAndSwap(v, pack(next, waiter)) {
			return true
		}
	}
}

func (m *Mutex) setOwner(owner uint32) {
	for {
		v := m.lockVar.Load()
		_, waiter := unpack(v)
		if m.lockVar.CompareAndSwap(v, pack(owner, waiter)) {
			return
		}
	}
}

// addWaiters adjusts the waiter count by delta, leaving the owner word alone.
func (m *Mutex) addWaiters(delta int32) {
	for {
		v := m.lockVar.Load()
		owner, waiter := unpack(v)
		if m.lockVar.CompareAndSwap(v, pack(owner, uint32(int32(waiter)+delta))) {
			return
		}
	}
}

func (m *Mutex) protocol() uint32 {
	return m.attribute & lv2.SYS_SYNC_ATTR_PROTOCOL_MASK
}

func (m *Mutex) recursive() bool {
	return m.attribute&lv2.SYS_SYNC_ATTR_RECURSIVE_MASK == lv2.SYS_SYNC_RECURSIVE
}

// relock handles a lock attempt by the current owner.
func (m *Mutex) relock() error {
	if !m.recursive() {
		return lv2err.EDEADLK
	}
	if m.count.Load() == math.MaxUint32 {
		return lv2err.EKRESOURCE
	}
	m.count.Add(1)
	return nil
}

// Lock acquires m. The kernel is only entered if m is contended.
func (m *Mutex) Lock(t *thread.Thread, timeout ktime.Ticks) error {
	tid := uint32(t.ID())
	if m.casOwner(lv2.LWMUTEX_FREE, tid) {
		m.count.Store(1)
		return nil
	}
	switch m.owner() {
	case tid:
		return m.relock()
	case lv2.LWMUTEX_DEAD:
		return lv2err.EINVAL
	}

	m.addWaiters(1)
	defer m.addWaiters(-1)

	clock := m.k.Clock()
	var deadline time.Time
	if timeout != ktime.Infinite {
		deadline = clock.Now().Add(timeout.Duration())
	}

	// A forced release makes the kernel answer EBUSY: the mutex was freed
	// in user space and the race starts again, with what is left of the
	// timeout.
	op := func() error {
		if m.casOwner(lv2.LWMUTEX_FREE, tid) {
			return nil
		}
		remaining := timeout
		if timeout != ktime.Infinite {
			left := deadline.Sub(clock.Now())
			if left <= 0 {
				return backoff.Permanent(lv2err.ETIMEDOUT)
			}
			remaining = ktime.FromDuration(left)
		}
		switch err := m.k.LWMutexLock(t, m.sleepQueue, remaining); err {
		case nil:
			m.setOwner(tid)
			return nil
		case lv2err.EBUSY:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := backoff.Retry(op, &backoff.ZeroBackOff{}); err != nil {
		return err
	}
	m.count.Store(1)
	return nil
}

// TryLock acquires m if that does not require sleeping.
func (m *Mutex) TryLock(t *thread.Thread) error {
	tid := uint32(t.ID())
	if m.casOwner(lv2.LWMUTEX_FREE, tid) {
		m.count.Store(1)
		return nil
	}
	switch m.owner() {
	case tid:
		return m.relock()
	case lv2.LWMUTEX_DEAD:
		return lv2err.EINVAL
	case lv2.LWMUTEX_RESERVED:
		// A release to nobody in particular may be pending in the kernel.
		if err := m.k.LWMutexTryLock(m.sleepQueue); err == nil {
			m.setOwner(tid)
			m.count.Store(1)
			return nil
		}
	}
	return lv2err.EBUSY
}

// Unlock releases one level of t's hold on m.
func (m *Mutex) Unlock(t *thread.Thread) error {
	tid := uint32(t.ID())
	if m.owner() != tid {
		return lv2err.EPERM
	}
	if m.count.Load() > 1 {
		m.count.Add(^uint32(0))
		return nil
	}
	m.count.Store(0)
	if m.lockVar.CompareAndSwap(pack(tid, 0), pack(lv2.LWMUTEX_FREE, 0)) {
		return nil
	}
	if m.protocol() == lv2.SYS_SYNC_RETRY {
		m.setOwner(lv2.LWMUTEX_FREE)
		return m.k.LWMutexUnlock2(m.sleepQueue)
	}
	m.setOwner(lv2.LWMUTEX_RESERVED)
	return m.k.LWMutexUnlock(m.sleepQueue)
}

// Destroy destroys m. It fails with EBUSY if m is held.
func (m *Mutex) Destroy(t *thread.Thread) error {
	if m.owner() == uint32(t.ID()) {
		return lv2err.EBUSY
	}
	if err := m.TryLock(t); err != nil {
		return lv2err.EBUSY
	}
	if err := m.k.LWMutexDestroy(m.sleepQueue); err != nil {
		log.Debugf("Destroying lightweight mutex %v: %v", m.sleepQueue, err)
		m.Unlock(t)
		return err
	}
	m.setOwner(lv2.LWMUTEX_DEAD)
	return nil
}
