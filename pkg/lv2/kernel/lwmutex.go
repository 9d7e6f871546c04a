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
	"sync"
	"sync/atomic"

	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/sleepq"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// LWMutex is the kernel half of a lightweight mutex. Ownership lives in the
// guest control block; the kernel only queues the threads that lost the race
// in user space and remembers a release that found nobody queued.
type LWMutex struct {
	attr lv2.LWMutexAttr

	// signaled holds LWMUTEX_SIGNALED and LWMUTEX_SIGNALED_BUSY. It is set
	// only with mu locked but may be consumed without.
	signaled atomic.Uint32

	// mu protects the fields below. Bound lightweight condition variables
	// share it.
	mu sync.Mutex

	// lwconds is the number of lightweight condition variables bound to the
	// mutex.
	lwconds uint32

	queue sleepq.Queue
	dead  bool
}

func newLWMutex(k *Kernel, attr *lv2.LWMutexAttr) *LWMutex {
	l := &LWMutex{attr: *attr}
	l.queue.Init(&queueOwner{mu: &l.mu, abandon: l.abandonLocked}, k.threads)
	return l
}

// Kind implements idm.Object.Kind.
func (l *LWMutex) Kind() idm.Kind { return idm.KindLWMutex }

// LWMutexCreate creates the kernel half of a lightweight mutex. Lightweight
// mutexes are always private.
func (k *Kernel) LWMutexCreate(attr *lv2.LWMutexAttr) (idm.Handle, error) {
	if !validProtocol(attr.Protocol, lv2.SYS_SYNC_FIFO, lv2.SYS_SYNC_PRIORITY, lv2.SYS_SYNC_RETRY) {
		return 0, lv2err.EINVAL
	}
	h, _, _, err := k.dir.Create(idm.KindLWMutex, nil, func() (idm.Object, error) {
		return newLWMutex(k, attr), nil
	})
	if err != nil {
		return 0, err
	}
	objectsCreated.Increment(idm.KindLWMutex.String())
	log.Debugf("Created %v %q", h, attr.Name)
	return h, nil
}

// LWMutexDestroy destroys the kernel half of a lightweight mutex. It fails
// with EBUSY while threads wait on it and with EPERM while lightweight
// condition variables are bound to it.
func (k *Kernel) LWMutexDestroy(h idm.Handle) error {
	return k.dir.Destroy(idm.KindLWMutex, h, func(obj idm.Object, last bool) error {
		l := obj.(*LWMutex)
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.queue.Empty() {
			return lv2err.EBUSY
		}
		if l.lwconds > 0 {
			return lv2err.EPERM
		}
		l.dead = true
		return nil
	})
}

// LWMutexLock sleeps until the lightweight mutex is released to t. EBUSY
// means the release was forced and t must retry in user space.
func (k *Kernel) LWMutexLock(t *thread.Thread, h idm.Handle, timeout ktime.Ticks) error {
	l, err := lookup[*LWMutex](k, idm.KindLWMutex, h)
	if err != nil {
		return err
	}
	return l.Lock(t, timeout)
}

// LWMutexTryLock consumes a pending release, or fails with EBUSY.
func (k *Kernel) LWMutexTryLock(h idm.Handle) error {
	l, err := lookup[*LWMutex](k, idm.KindLWMutex, h)
	if err != nil {
		return err
	}
	return l.TryLock()
}

// LWMutexUnlock releases the lightweight mutex to one sleeper, or records the
// release for the next locker.
func (k *Kernel) LWMutexUnlock(h idm.Handle) error {
	l, err := lookup[*LWMutex](k, idm.KindLWMutex, h)
	if err != nil {
		return err
	}
	return l.Unlock()
}

// LWMutexUnlock2 is the forced release of SYS_SYNC_RETRY mutexes: the woken
// sleeper, or the next locker, gets EBUSY and retries in user space.
func (k *Kernel) LWMutexUnlock2(h idm.Handle) error {
	l, err := lookup[*LWMutex](k, idm.KindLWMutex, h)
	if err != nil {
		return err
	}
	return l.Unlock2()
}

// consumeSignal takes a pending release. ok is false if there was none.
func (l *LWMutex) consumeSignal() (err error, ok bool) {
	for {
		v := l.signaled.Load()
		if v == 0 {
			return nil, false
		}
		if !l.signaled.CompareAndSwap(v, 0) {
			continue
		}
		if v&lv2.LWMUTEX_SIGNALED_BUSY != 0 {
			return lv2err.EBUSY, true
		}
		return nil, true
	}
}

// Lock implements LWMutexLock.
func (l *LWMutex) Lock(t *thread.Thread, timeout ktime.Ticks) error {
	if err, ok := l.consumeSignal(); ok {
		return err
	}
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return lv2err.ESRCH
	}
	// Releases are recorded with mu locked, so this check is final.
	if err, ok := l.consumeSignal(); ok {
		l.mu.Unlock()
		return err
	}
	w := sleepq.NewWaiter(t)
	l.queue.PushBack(w)
	l.mu.Unlock()
	return sleep(idm.KindLWMutex, t, w, timeout)
}

// TryLock implements LWMutexTryLock.
func (l *LWMutex) TryLock() error {
	if err, ok := l.consumeSignal(); ok {
		return err
	}
	return lv2err.EBUSY
}

// Unlock implements LWMutexUnlock.
func (l *LWMutex) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return lv2err.ESRCH
	}
	l.releaseLocked()
	return nil
}

// Unlock2 implements LWMutexUnlock2.
func (l *LWMutex) Unlock2() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead {
		return lv2err.ESRCH
	}
	if w := l.queue.Pop(l.attr.Protocol); w != nil {
		w.Complete(lv2err.EBUSY)
		return nil
	}
	l.signaled.Or(lv2.LWMUTEX_SIGNALED_BUSY)
	return nil
}

// releaseLocked wakes one sleeper as the new owner, or records the release.
//
// Preconditions: l.mu is locked.
func (l *LWMutex) releaseLocked() {
	if w := l.queue.Pop(l.attr.Protocol); w != nil {
		handoffs.Increment(idm.KindLWMutex.String())
		w.Complete(w.Deferred)
		return
	}
	l.signaled.Or(lv2.LWMUTEX_SIGNALED)
}

// abandonLocked keeps a lightweight condition waiter that was moved here
// queued until it is released to, unless its thread is terminated.
//
// Preconditions: l.mu is locked.
func (l *LWMutex) abandonLocked(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	if w.Requeued && err != lv2err.ECANCELED {
		return false
	}
	return q.Dequeue(w, err)
}
