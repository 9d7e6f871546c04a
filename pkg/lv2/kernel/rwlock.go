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

	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/sleepq"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// RWLock is a reader-writer lock. Queued writers block new readers.
type RWLock struct {
	attr lv2.RWLockAttr

	mu sync.Mutex

	// writer holds the lock exclusively, or is thread.None.
	writer thread.ID

	// readers is the number of shared holders. It is zero while writer is
	// set.
	readers uint32

	rq sleepq.Queue
	wq sleepq.Queue

	dead bool
}

func newRWLock(k *Kernel, attr *lv2.RWLockAttr) *RWLock {
	rw := &RWLock{attr: *attr}
	rw.rq.Init(&queueOwner{mu: &rw.mu, abandon: dequeue}, k.threads)
	rw.wq.Init(&queueOwner{mu: &rw.mu, abandon: rw.abandonWriterLocked}, k.threads)
	return rw
}

// Kind implements idm.Object.Kind.
func (rw *RWLock) Kind() idm.Kind { return idm.KindRWLock }

// RWLockCreate creates a reader-writer lock.
func (k *Kernel) RWLockCreate(attr *lv2.RWLockAttr) (idm.Handle, error) {
	if !validProtocol(attr.Protocol, lv2.SYS_SYNC_FIFO, lv2.SYS_SYNC_PRIORITY, lv2.SYS_SYNC_PRIORITY_INHERIT) {
		return 0, lv2err.EINVAL
	}
	if err := validIPC(&attr.IPCAttr); err != nil {
		return 0, err
	}
	h, _, created, err := k.dir.Create(idm.KindRWLock, &attr.IPCAttr, func() (idm.Object, error) {
		return newRWLock(k, attr), nil
	})
	if err != nil {
		return 0, err
	}
	if created {
		objectsCreated.Increment(idm.KindRWLock.String())
	}
	log.Debugf("Created %v %q", h, attr.Name)
	return h, nil
}

// RWLockDestroy destroys a reader-writer lock. It fails with EBUSY while the
// lock is held or waited on.
func (k *Kernel) RWLockDestroy(h idm.Handle) error {
	return k.dir.Destroy(idm.KindRWLock, h, func(obj idm.Object, last bool) error {
		rw := obj.(*RWLock)
		rw.mu.Lock()
		defer rw.mu.Unlock()
		if rw.writer != thread.None || rw.readers > 0 || !rw.rq.Empty() || !rw.wq.Empty() {
			return lv2err.EBUSY
		}
		rw.dead = rw.dead || last
		return nil
	})
}

// RWLockRLock takes the lock shared.
func (k *Kernel) RWLockRLock(t *thread.Thread, h idm.Handle, timeout ktime.Ticks) error {
	rw, err := lookup[*RWLock](k, idm.KindRWLock, h)
	if err != nil {
		return err
	}
	return rw.RLock(t, timeout)
}

// RWLockTryRLock takes the lock shared without blocking.
func (k *Kernel) RWLockTryRLock(t *thread.Thread, h idm.Handle) error {
	rw, err := lookup[*RWLock](k, idm.KindRWLock, h)
	if err != nil {
		return err
	}
	return rw.TryRLock(t)
}

// RWLockRUnlock drops one shared hold.
func (k *Kernel) RWLockRUnlock(h idm.Handle) error {
	rw, err := lookup[*RWLock](k, idm.KindRWLock, h)
	if err != nil {
		return err
	}
	return rw.RUnlock()
}

// RWLockWLock takes the lock exclusively.
func (k *Kernel) RWLockWLock(t *thread.Thread, h idm.Handle, timeout ktime.Ticks) error {
	rw, err := lookup[*RWLock](k, idm.KindRWLock, h)
	if err != nil {
		return err
	}
	return rw.WLock(t, timeout)
}

// RWLockTryWLock takes the lock exclusively without blocking.
func (k *Kernel) RWLockTryWLock(t *thread.Thread, h idm.Handle) error {
	rw, err := lookup[*RWLock](k, idm.KindRWLock, h)
	if err != nil {
		return err
	}
	return rw.TryWLock(t)
}

// RWLockWUnlock releases the exclusive hold of t.
func (k *Kernel) RWLockWUnlock(t *thread.Thread, h idm.Handle) error {
	rw, err := lookup[*RWLock](k, idm.KindRWLock, h)
	if err != nil {
		return err
	}
	return rw.WUnlock(t)
}

// RLock implements RWLockRLock.
func (rw *RWLock) RLock(t *thread.Thread, timeout ktime.Ticks) error {
	rw.mu.Lock()
	if err := rw.tryRLockLocked(t.ID()); err != lv2err.EBUSY {
		rw.mu.Unlock()
		return err
	}
	w := sleepq.NewWaiter(t)
	rw.rq.PushBack(w)
	rw.mu.Unlock()
	return sleep(idm.KindRWLock, t, w, timeout)
}

// TryRLock implements RWLockTryRLock.
func (rw *RWLock) TryRLock(t *thread.Thread) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.tryRLockLocked(t.ID())
}

// Preconditions: rw.mu is locked.
func (rw *RWLock) tryRLockLocked(tid thread.ID) error {
	switch {
	case rw.dead:
		return lv2err.ESRCH
	case rw.writer == tid:
		return lv2err.EDEADLK
	case rw.writer != thread.None || !rw.wq.Empty():
		return lv2err.EBUSY
	}
	rw.readers++
	return nil
}

// RUnlock implements RWLockRUnlock. The last reader out hands the lock to a
// queued writer.
func (rw *RWLock) RUnlock() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.dead {
		return lv2err.ESRCH
	}
	if rw.readers == 0 {
		return lv2err.EPERM
	}
	rw.readers--
	if rw.readers == 0 {
		rw.grantLocked()
	}
	return nil
}

// WLock implements RWLockWLock.
func (rw *RWLock) WLock(t *thread.Thread, timeout ktime.Ticks) error {
	rw.mu.Lock()
	if err := rw.tryWLockLocked(t.ID()); err != lv2err.EBUSY {
		rw.mu.Unlock()
		return err
	}
	w := sleepq.NewWaiter(t)
	rw.wq.PushBack(w)
	rw.mu.Unlock()
	return sleep(idm.KindRWLock, t, w, timeout)
}

// TryWLock implements RWLockTryWLock.
func (rw *RWLock) TryWLock(t *thread.Thread) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.tryWLockLocked(t.ID())
}

// Preconditions: rw.mu is locked.
func (rw *RWLock) tryWLockLocked(tid thread.ID) error {
	switch {
	case rw.dead:
		return lv2err.ESRCH
	case rw.writer == tid:
		return lv2err.EDEADLK
	case rw.writer != thread.None || rw.readers > 0:
		return lv2err.EBUSY
	}
	rw.writer = tid
	return nil
}

// WUnlock implements RWLockWUnlock. The lock goes to the next writer if one
// is queued, and otherwise to every queued reader at once.
func (rw *RWLock) WUnlock(t *thread.Thread) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.dead {
		return lv2err.ESRCH
	}
	if rw.writer == thread.None || rw.writer != t.ID() {
		return lv2err.EPERM
	}
	rw.writer = thread.None
	rw.grantLocked()
	return nil
}

// grantLocked passes a free lock to its waiters.
//
// Preconditions: rw.mu is locked. The lock is not held exclusively.
func (rw *RWLock) grantLocked() {
	if rw.readers == 0 {
		if w := rw.wq.Pop(rw.attr.Protocol); w != nil {
			rw.writer = w.TID
			handoffs.Increment(idm.KindRWLock.String())
			w.Complete(nil)
			return
		}
	}
	if rw.wq.Empty() {
		rw.wakeReadersLocked()
	}
}

// wakeReadersLocked grants the lock to every queued reader.
//
// Preconditions: rw.mu is locked. No writer holds the lock.
func (rw *RWLock) wakeReadersLocked() {
	for w := rw.rq.Pop(rw.attr.Protocol); w != nil; w = rw.rq.Pop(rw.attr.Protocol) {
		rw.readers++
		handoffs.Increment(idm.KindRWLock.String())
		w.Complete(nil)
	}
}

// abandonWriterLocked drops a queued writer. If it was the last writer
// holding readers back, they are let in.
//
// Preconditions: rw.mu is locked.
func (rw *RWLock) abandonWriterLocked(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	q.Dequeue(w, err)
	if rw.wq.Empty() && rw.writer == thread.None {
		rw.wakeReadersLocked()
	}
	return true
}
