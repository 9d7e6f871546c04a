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

// Semaphore is a counting semaphore with a fixed maximum.
type Semaphore struct {
	attr lv2.SemaphoreAttr
	max  int32

	mu sync.Mutex

	// val is the number of available units when positive. When negative or
	// zero, -val is the number of queued waiters.
	val int32

	queue sleepq.Queue
	dead  bool
}

func newSemaphore(k *Kernel, attr *lv2.SemaphoreAttr, initial, max int32) *Semaphore {
	s := &Semaphore{attr: *attr, max: max, val: initial}
	s.queue.Init(&queueOwner{mu: &s.mu, abandon: s.abandonLocked}, k.threads)
	return s
}

// Kind implements idm.Object.Kind.
func (s *Semaphore) Kind() idm.Kind { return idm.KindSemaphore }

// SemaphoreCreate creates a semaphore holding initial of max units.
func (k *Kernel) SemaphoreCreate(attr *lv2.SemaphoreAttr, initial, max int32) (idm.Handle, error) {
	if max <= 0 || initial < 0 || initial > max {
		return 0, lv2err.EINVAL
	}
	if !validProtocol(attr.Protocol, lv2.SYS_SYNC_FIFO, lv2.SYS_SYNC_PRIORITY, lv2.SYS_SYNC_PRIORITY_INHERIT) {
		return 0, lv2err.EINVAL
	}
	if err := validIPC(&attr.IPCAttr); err != nil {
		return 0, err
	}
	h, _, created, err := k.dir.Create(idm.KindSemaphore, &attr.IPCAttr, func() (idm.Object, error) {
		return newSemaphore(k, attr, initial, max), nil
	})
	if err != nil {
		return 0, err
	}
	if created {
		objectsCreated.Increment(idm.KindSemaphore.String())
	}
	log.Debugf("Created %v %q (%d/%d)", h, attr.Name, initial, max)
	return h, nil
}

// SemaphoreDestroy destroys a semaphore. It fails with EBUSY while threads
// wait on it.
func (k *Kernel) SemaphoreDestroy(h idm.Handle) error {
	return k.dir.Destroy(idm.KindSemaphore, h, func(obj idm.Object, last bool) error {
		s := obj.(*Semaphore)
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.queue.Empty() {
			return lv2err.EBUSY
		}
		s.dead = s.dead || last
		return nil
	})
}

// SemaphoreWait takes one unit, sleeping until one is posted.
func (k *Kernel) SemaphoreWait(t *thread.Thread, h idm.Handle, timeout ktime.Ticks) error {
	s, err := lookup[*Semaphore](k, idm.KindSemaphore, h)
	if err != nil {
		return err
	}
	return s.Wait(t, timeout)
}

// SemaphoreTryWait takes one unit if one is available.
func (k *Kernel) SemaphoreTryWait(h idm.Handle) error {
	s, err := lookup[*Semaphore](k, idm.KindSemaphore, h)
	if err != nil {
		return err
	}
	return s.TryWait()
}

// SemaphorePost adds count units and wakes up to count waiters.
func (k *Kernel) SemaphorePost(h idm.Handle, count int32) error {
	s, err := lookup[*Semaphore](k, idm.KindSemaphore, h)
	if err != nil {
		return err
	}
	return s.Post(count)
}

// SemaphoreGetValue returns the number of available units.
func (k *Kernel) SemaphoreGetValue(h idm.Handle) (int32, error) {
	s, err := lookup[*Semaphore](k, idm.KindSemaphore, h)
	if err != nil {
		return 0, err
	}
	return s.Value()
}

// Wait implements SemaphoreWait.
func (s *Semaphore) Wait(t *thread.Thread, timeout ktime.Ticks) error {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return lv2err.ESRCH
	}
	if s.val > 0 {
		s.val--
		s.mu.Unlock()
		return nil
	}
	s.val--
	w := sleepq.NewWaiter(t)
	s.queue.PushBack(w)
	s.mu.Unlock()
	return sleep(idm.KindSemaphore, t, w, timeout)
}

// TryWait implements SemaphoreTryWait.
func (s *Semaphore) TryWait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return lv2err.ESRCH
	}
	if s.val <= 0 {
		return lv2err.EBUSY
	}
	s.val--
	return nil
}

// Post implements SemaphorePost. Posting past the maximum fails with EBUSY
// and changes nothing.
func (s *Semaphore) Post(count int32) error {
	if count <= 0 {
		return lv2err.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return lv2err.ESRCH
	}
	if int64(s.val)+int64(count) > int64(s.max) {
		return lv2err.EBUSY
	}
	s.val += count
	for n := count; n > 0; n-- {
		w := s.queue.Pop(s.attr.Protocol)
		if w == nil {
			break
		}
		handoffs.Increment(idm.KindSemaphore.String())
		w.Complete(nil)
	}
	return nil
}

// Value implements SemaphoreGetValue. It is never negative.
func (s *Semaphore) Value() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return 0, lv2err.ESRCH
	}
	return max(s.val, 0), nil
}

// Preconditions: s.mu is locked.
func (s *Semaphore) abandonLocked(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	s.val++
	return q.Dequeue(w, err)
}
