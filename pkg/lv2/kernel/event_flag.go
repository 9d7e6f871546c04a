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

// EventFlag is a 64-bit pattern that threads wait on with AND or OR masks.
type EventFlag struct {
	attr lv2.EventFlagAttr

	mu      sync.Mutex
	pattern uint64
	queue   sleepq.Queue
	dead    bool
}

func newEventFlag(k *Kernel, attr *lv2.EventFlagAttr, initial uint64) *EventFlag {
	e := &EventFlag{attr: *attr, pattern: initial}
	e.queue.Init(&queueOwner{mu: &e.mu, abandon: e.abandonLocked}, k.threads)
	return e
}

// Kind implements idm.Object.Kind.
func (e *EventFlag) Kind() idm.Kind { return idm.KindEventFlag }

// EventFlagCreate creates an event flag with the given initial pattern.
func (k *Kernel) EventFlagCreate(attr *lv2.EventFlagAttr, initial uint64) (idm.Handle, error) {
	if !validProtocol(attr.Protocol, lv2.SYS_SYNC_FIFO, lv2.SYS_SYNC_PRIORITY) {
		return 0, lv2err.EINVAL
	}
	if attr.Type != lv2.SYS_SYNC_WAITER_SINGLE && attr.Type != lv2.SYS_SYNC_WAITER_MULTIPLE {
		return 0, lv2err.EINVAL
	}
	if err := validIPC(&attr.IPCAttr); err != nil {
		return 0, err
	}
	h, _, created, err := k.dir.Create(idm.KindEventFlag, &attr.IPCAttr, func() (idm.Object, error) {
		return newEventFlag(k, attr, initial), nil
	})
	if err != nil {
		return 0, err
	}
	if created {
		objectsCreated.Increment(idm.KindEventFlag.String())
	}
	log.Debugf("Created %v %q (pattern %#x)", h, attr.Name, initial)
	return h, nil
}

// EventFlagDestroy destroys an event flag. It fails with EBUSY while threads
// wait on it.
func (k *Kernel) EventFlagDestroy(h idm.Handle) error {
	return k.dir.Destroy(idm.KindEventFlag, h, func(obj idm.Object, last bool) error {
		e := obj.(*EventFlag)
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.queue.Empty() {
			return lv2err.EBUSY
		}
		e.dead = e.dead || last
		return nil
	})
}

// EventFlagWait waits until the pattern satisfies bitptn under mode. It
// returns the pattern as it was when the wait was satisfied, before any clear
// the mode requested, or the current pattern if the wait failed.
func (k *Kernel) EventFlagWait(t *thread.Thread, h idm.Handle, bitptn uint64, mode uint32, timeout ktime.Ticks) (uint64, error) {
	e, err := lookup[*EventFlag](k, idm.KindEventFlag, h)
	if err != nil {
		return 0, err
	}
	return e.Wait(t, bitptn, mode, timeout)
}

// EventFlagTryWait is EventFlagWait without sleeping. It fails with EBUSY if
// the pattern does not satisfy the mask.
func (k *Kernel) EventFlagTryWait(h idm.Handle, bitptn uint64, mode uint32) (uint64, error) {
	e, err := lookup[*EventFlag](k, idm.KindEventFlag, h)
	if err != nil {
		return 0, err
	}
	return e.TryWait(bitptn, mode)
}

// EventFlagSet ORs bitptn into the pattern and wakes every waiter it
// satisfies.
func (k *Kernel) EventFlagSet(h idm.Handle, bitptn uint64) error {
	e, err := lookup[*EventFlag](k, idm.KindEventFlag, h)
	if err != nil {
		return err
	}
	return e.Set(bitptn)
}

// EventFlagClear ANDs bitptn into the pattern: the bits kept are those set in
// bitptn.
func (k *Kernel) EventFlagClear(h idm.Handle, bitptn uint64) error {
	e, err := lookup[*EventFlag](k, idm.KindEventFlag, h)
	if err != nil {
		return err
	}
	return e.Clear(bitptn)
}

// EventFlagCancel wakes every waiter with ECANCELED and returns how many there
// were.
func (k *Kernel) EventFlagCancel(h idm.Handle) (int, error) {
	e, err := lookup[*EventFlag](k, idm.KindEventFlag, h)
	if err != nil {
		return 0, err
	}
	return e.Cancel()
}

// EventFlagGet returns the current pattern.
func (k *Kernel) EventFlagGet(h idm.Handle) (uint64, error) {
	e, err := lookup[*EventFlag](k, idm.KindEventFlag, h)
	if err != nil {
		return 0, err
	}
	return e.Pattern()
}

// Wait implements EventFlagWait.
func (e *EventFlag) Wait(t *thread.Thread, bitptn uint64, mode uint32, timeout ktime.Ticks) (uint64, error) {
	if !lv2.ValidEventFlagMode(mode) {
		return 0, lv2err.EINVAL
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return 0, lv2err.ESRCH
	}
	if pattern, ok := e.checkLocked(bitptn, mode); ok {
		e.mu.Unlock()
		return pattern, nil
	}
	if e.attr.Type == lv2.SYS_SYNC_WAITER_SINGLE && !e.queue.Empty() {
		e.mu.Unlock()
		return 0, lv2err.EPERM
	}
	w := sleepq.NewWaiter(t)
	w.Bits = bitptn
	w.Mode = mode
	e.queue.PushBack(w)
	e.mu.Unlock()
	err := sleep(idm.KindEventFlag, t, w, timeout)
	return w.Pattern, err
}

// TryWait implements EventFlagTryWait.
func (e *EventFlag) TryWait(bitptn uint64, mode uint32) (uint64, error) {
	if !lv2.ValidEventFlagMode(mode) {
		return 0, lv2err.EINVAL
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return 0, lv2err.ESRCH
	}
	pattern, ok := e.checkLocked(bitptn, mode)
	if !ok {
		return pattern, lv2err.EBUSY
	}
	return pattern, nil
}

// Set implements EventFlagSet. Waiters are considered in protocol order, each
// against the pattern left by the clears of those before it.
func (e *EventFlag) Set(bitptn uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return lv2err.ESRCH
	}
	e.pattern |= bitptn
	if e.attr.Protocol != lv2.SYS_SYNC_FIFO {
		e.queue.SortByPriority()
	}
	for _, w := range e.queue.Waiters() {
		pattern, ok := e.checkLocked(w.Bits, w.Mode)
		if !ok {
			continue
		}
		e.queue.Remove(w)
		w.Pattern = pattern
		w.Complete(nil)
	}
	return nil
}

// Clear implements EventFlagClear.
func (e *EventFlag) Clear(bitptn uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return lv2err.ESRCH
	}
	e.pattern &= bitptn
	return nil
}

// Cancel implements EventFlagCancel.
func (e *EventFlag) Cancel() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return 0, lv2err.ESRCH
	}
	n := 0
	for w := e.queue.Front(); w != nil; w = e.queue.Front() {
		e.queue.Remove(w)
		w.Pattern = e.pattern
		w.Complete(lv2err.ECANCELED)
		n++
	}
	return n, nil
}

// Pattern implements EventFlagGet.
func (e *EventFlag) Pattern() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return 0, lv2err.ESRCH
	}
	return e.pattern, nil
}

// checkLocked tests the pattern against bitptn under mode. If it is satisfied,
// the clear action of mode is applied. The pattern before the clear is
// returned either way.
//
// Preconditions: e.mu is locked.
func (e *EventFlag) checkLocked(bitptn uint64, mode uint32) (uint64, bool) {
	pattern := e.pattern
	switch {
	case mode&lv2.SYS_EVENT_FLAG_WAIT_AND != 0 && pattern&bitptn != bitptn:
		return pattern, false
	case mode&lv2.SYS_EVENT_FLAG_WAIT_OR != 0 && pattern&bitptn == 0:
		return pattern, false
	}
	switch {
	case mode&lv2.SYS_EVENT_FLAG_WAIT_CLEAR != 0:
		e.pattern &^= bitptn
	case mode&lv2.SYS_EVENT_FLAG_WAIT_CLEAR_ALL != 0:
		e.pattern = 0
	}
	return pattern, true
}

// Preconditions: e.mu is locked.
func (e *EventFlag) abandonLocked(q *sleepq.Queue, w *sleepq.Waiter, err error) bool {
	w.Pattern = e.pattern
	return q.Dequeue(w, err)
}
