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
	"fmt"
	"io"
	"sort"

	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/abi/lv2/errno"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/sleepq"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// Snapshot is the serializable state of a Kernel: its threads and every live
// object, with the threads queued on it.
//
// Pending timeouts are not recorded. A restored wait lasts until it is
// granted or its thread is terminated.
type Snapshot struct {
	Threads []ThreadState `yaml:"threads"`
	Objects []ObjectState `yaml:"objects"`
}

// ThreadState is a saved guest thread.
type ThreadState struct {
	ID       thread.ID `yaml:"id"`
	Name     string    `yaml:"name"`
	Priority int32     `yaml:"priority"`
}

// WaiterState is a saved sleep queue entry.
type WaiterState struct {
	TID       thread.ID   `yaml:"tid"`
	Recursion uint32      `yaml:"recursion,omitempty"`
	Requeued  bool        `yaml:"requeued,omitempty"`
	Deferred  errno.Errno `yaml:"deferred,omitempty"`
	Bits      uint64      `yaml:"bits,omitempty"`
	Mode      uint32      `yaml:"mode,omitempty"`
}

// ObjectState is a saved primitive instance and every handle that refers to
// it. Fields that do not apply to the kind are left zero.
type ObjectState struct {
	Kind    string       `yaml:"kind"`
	Handles []idm.Handle `yaml:"handles"`
	Key     uint64       `yaml:"key,omitempty"`
	Name    string       `yaml:"name,omitempty"`

	Protocol  uint32 `yaml:"protocol,omitempty"`
	Recursive uint32 `yaml:"recursive,omitempty"`
	Shared    uint32 `yaml:"shared,omitempty"`
	Flags     uint32 `yaml:"flags,omitempty"`
	Type      uint32 `yaml:"type,omitempty"`

	// Bound is the mutex a condition variable is bound to.
	Bound idm.Handle `yaml:"bound,omitempty"`

	Owner    thread.ID `yaml:"owner,omitempty"`
	Count    uint32    `yaml:"count,omitempty"`
	Value    int32     `yaml:"value,omitempty"`
	Max      int32     `yaml:"max,omitempty"`
	Pattern  uint64    `yaml:"pattern,omitempty"`
	Signaled uint32    `yaml:"signaled,omitempty"`

	// Writer and Readers are the reader-writer lock words as the guest
	// debugger shows them: the writer ID shifted left by one, and minus
	// twice the reader count. Both carry the pending bit in bit 0.
	Writer  uint64 `yaml:"writer,omitempty"`
	Readers int64  `yaml:"readers,omitempty"`

	// Queue is the sleep queue, in queue order. For reader-writer locks it
	// holds the writers and ReadQueue the readers.
	Queue     []WaiterState `yaml:"queue,omitempty"`
	ReadQueue []WaiterState `yaml:"read_queue,omitempty"`
}

// saver is implemented by every primitive instance.
type saver interface {
	// save records the instance's state in st. It locks the instance.
	save(st *ObjectState)
}

// Save records the state of k. Objects are recorded one at a time, each under
// its own lock; the result is consistent if no guest thread is running.
func (k *Kernel) Save() *Snapshot {
	s := &Snapshot{}
	for _, t := range k.threads.List() {
		s.Threads = append(s.Threads, ThreadState{
			ID:       t.ID(),
			Name:     t.Name(),
			Priority: t.Priority(),
		})
	}
	for _, kind := range idm.Kinds {
		var order []idm.Object
		states := make(map[idm.Object]*ObjectState)
		k.dir.ForEach(kind, func(h idm.Handle, key uint64, obj idm.Object) {
			if st, ok := states[obj]; ok {
				st.Handles = append(st.Handles, h)
				return
			}
			st := &ObjectState{Kind: kind.String(), Handles: []idm.Handle{h}, Key: key}
			obj.(saver).save(st)
			states[obj] = st
			order = append(order, obj)
		})
		for _, obj := range order {
			s.Objects = append(s.Objects, *states[obj])
		}
	}
	return s
}

// Encode writes s as YAML.
func (s *Snapshot) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return enc.Close()
}

// ReadSnapshot decodes a snapshot written by Snapshot.Encode.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &s, nil
}

// bound reports whether st is a condition variable, which refers to its
// mutex by handle.
func (st *ObjectState) bound() bool {
	return st.Kind == idm.KindCond.String() || st.Kind == idm.KindLWCond.String()
}

// normalize puts s in restore order: threads by ID, condition variables after
// every mutex, and each object's handles ascending.
func (s *Snapshot) normalize() {
	sort.SliceStable(s.Threads, func(i, j int) bool {
		return s.Threads[i].ID < s.Threads[j].ID
	})
	sort.SliceStable(s.Objects, func(i, j int) bool {
		return !s.Objects[i].bound() && s.Objects[j].bound()
	})
	for i := range s.Objects {
		hs := s.Objects[i].Handles
		sort.Slice(hs, func(a, b int) bool { return hs[a] < hs[b] })
	}
}

// Load creates a Kernel in the state recorded by snap, which is left as it
// was. Threads that were waiting are queued again; each must call Resume to
// block in its restored wait.
func Load(opts Options, snap *Snapshot) (*Kernel, error) {
	// Restoring reorders the snapshot.
	snap = deepcopy.Copy(snap).(*Snapshot)
	snap.normalize()

	k := New(opts)
	for _, ts := range snap.Threads {
		if _, err := k.threads.Restore(ts.ID, ts.Name, ts.Priority); err != nil {
			return nil, fmt.Errorf("restoring thread %#x: %w", uint32(ts.ID), err)
		}
	}
	for i := range snap.Objects {
		st := &snap.Objects[i]
		kind, err := idm.ParseKind(st.Kind)
		if err != nil {
			return nil, err
		}
		if err := k.restoreObject(kind, st); err != nil {
			return nil, fmt.Errorf("restoring %v %v: %w", kind, st.Handles, err)
		}
	}
	log.Infof("Restored %d threads and %d objects", len(snap.Threads), len(snap.Objects))
	return k, nil
}

// Resume blocks t in the wait that Load restored for it and returns the
// result of the original call. For event flag waits the pattern is returned
// as well. Resume fails with ESRCH if t has no restored wait.
func (k *Kernel) Resume(t *thread.Thread) (uint64, error) {
	w, ok := t.Waiter().(*sleepq.Waiter)
	if !ok {
		return 0, lv2err.ESRCH
	}
	err := w.Wait(t, ktime.Infinite)
	return w.Pattern, err
}

func (k *Kernel) restoreObject(kind idm.Kind, st *ObjectState) error {
	if len(st.Handles) == 0 {
		return fmt.Errorf("no handles")
	}
	ipc := lv2.IPCAttr{Shared: st.Shared, Key: st.Key, Flags: st.Flags}
	name := lv2.MakeName(st.Name)

	var obj idm.Object
	switch kind {
	case idm.KindMutex:
		m := newMutex(k, &lv2.MutexAttr{Protocol: st.Protocol, Recursive: st.Recursive, IPCAttr: ipc, Name: name})
		if (st.Count == 0) != (st.Owner == thread.None) {
			return fmt.Errorf("owner %#x with count %d", uint32(st.Owner), st.Count)
		}
		m.mu.Lock()
		m.owner, m.count = st.Owner, st.Count
		err := k.restoreWaiters(&m.queue, st.Queue)
		m.inheritLocked()
		m.mu.Unlock()
		if err != nil {
			return err
		}
		obj = m

	case idm.KindCond:
		m, err := lookup[*Mutex](k, idm.KindMutex, st.Bound)
		if err != nil {
			return fmt.Errorf("bound mutex %v: %w", st.Bound, err)
		}
		c := newCond(k, m, st.Bound, &lv2.CondAttr{IPCAttr: ipc, Name: name})
		m.mu.Lock()
		m.conds++
		err = k.restoreWaiters(&c.queue, st.Queue)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		obj = c

	case idm.KindSemaphore:
		if st.Max <= 0 || st.Value > st.Max {
			return fmt.Errorf("value %d of %d", st.Value, st.Max)
		}
		if n := len(st.Queue); n > 0 && int(st.Value) != -n {
			return fmt.Errorf("value %d with %d waiters", st.Value, n)
		}
		s := newSemaphore(k, &lv2.SemaphoreAttr{Protocol: st.Protocol, IPCAttr: ipc, Name: name}, st.Value, st.Max)
		s.mu.Lock()
		err := k.restoreWaiters(&s.queue, st.Queue)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		obj = s

	case idm.KindRWLock:
		rw := newRWLock(k, &lv2.RWLockAttr{Protocol: st.Protocol, IPCAttr: ipc, Name: name})
		rw.mu.Lock()
		rw.writer = thread.ID(st.Writer >> 1)
		rw.readers = uint32(-(st.Readers &^ 1) / 2)
		err := k.restoreWaiters(&rw.wq, st.Queue)
		if err == nil {
			err = k.restoreWaiters(&rw.rq, st.ReadQueue)
		}
		rw.mu.Unlock()
		if err != nil {
			return err
		}
		if rw.writer != thread.None && rw.readers > 0 {
			return fmt.Errorf("writer %#x with %d readers", uint32(rw.writer), rw.readers)
		}
		obj = rw

	case idm.KindEventFlag:
		e := newEventFlag(k, &lv2.EventFlagAttr{Protocol: st.Protocol, IPCAttr: ipc, Type: st.Type, Name: name}, st.Pattern)
		e.mu.Lock()
		err := k.restoreWaiters(&e.queue, st.Queue)
		e.mu.Unlock()
		if err != nil {
			return err
		}
		obj = e

	case idm.KindLWMutex:
		l := newLWMutex(k, &lv2.LWMutexAttr{Protocol: st.Protocol, Name: name})
		l.signaled.Store(st.Signaled)
		l.mu.Lock()
		err := k.restoreWaiters(&l.queue, st.Queue)
		l.mu.Unlock()
		if err != nil {
			return err
		}
		obj = l

	case idm.KindLWCond:
		l, err := lookup[*LWMutex](k, idm.KindLWMutex, st.Bound)
		if err != nil {
			return fmt.Errorf("bound lightweight mutex %v: %w", st.Bound, err)
		}
		c := newLWCond(k, l, st.Bound, name)
		l.mu.Lock()
		l.lwconds++
		err = k.restoreWaiters(&c.queue, st.Queue)
		l.mu.Unlock()
		if err != nil {
			return err
		}
		obj = c
	}

	for _, h := range st.Handles {
		if err := k.dir.Insert(h, st.Key, obj); err != nil {
			return fmt.Errorf("handle %v: %w", h, err)
		}
	}
	return nil
}

// restoreWaiters queues a fresh waiter for each saved entry.
//
// Preconditions: q's owner is locked.
func (k *Kernel) restoreWaiters(q *sleepq.Queue, states []WaiterState) error {
	for _, ws := range states {
		t := k.threads.Get(ws.TID)
		if t == nil {
			return fmt.Errorf("waiting thread %#x does not exist", uint32(ws.TID))
		}
		if t.Waiter() != nil {
			return fmt.Errorf("thread %#x waits twice", uint32(ws.TID))
		}
		deferred, ok := lv2err.Lookup(ws.Deferred)
		if !ok {
			return fmt.Errorf("thread %#x: unknown deferred status %v", uint32(ws.TID), ws.Deferred)
		}
		w := sleepq.NewWaiter(t)
		w.Recursion = ws.Recursion
		w.Requeued = ws.Requeued
		w.Deferred = deferred
		w.Bits = ws.Bits
		w.Mode = ws.Mode
		q.PushBack(w)
	}
	return nil
}

// saveWaiters records q.
//
// Preconditions: q's owner is locked.
func saveWaiters(q *sleepq.Queue) []WaiterState {
	var states []WaiterState
	for _, w := range q.Waiters() {
		states = append(states, WaiterState{
			TID:       w.TID,
			Recursion: w.Recursion,
			Requeued:  w.Requeued,
			Deferred:  lv2err.ToErrno(w.Deferred),
			Bits:      w.Bits,
			Mode:      w.Mode,
		})
	}
	return states
}

func (m *Mutex) save(st *ObjectState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Name = m.attr.Name.String()
	st.Protocol, st.Recursive = m.attr.Protocol, m.attr.Recursive
	st.Shared, st.Flags = m.attr.Shared, m.attr.Flags
	st.Count = m.count
	if m.count > 0 {
		st.Owner = m.owner
	}
	st.Queue = saveWaiters(&m.queue)
}

func (c *Cond) save(st *ObjectState) {
	c.mutex.mu.Lock()
	defer c.mutex.mu.Unlock()
	st.Name = c.attr.Name.String()
	st.Shared, st.Flags = c.attr.Shared, c.attr.Flags
	st.Bound = c.mutexHandle
	st.Queue = saveWaiters(&c.queue)
}

func (s *Semaphore) save(st *ObjectState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Name = s.attr.Name.String()
	st.Protocol = s.attr.Protocol
	st.Shared, st.Flags = s.attr.Shared, s.attr.Flags
	st.Value, st.Max = s.val, s.max
	st.Queue = saveWaiters(&s.queue)
}

func (rw *RWLock) save(st *ObjectState) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	st.Name = rw.attr.Name.String()
	st.Protocol = rw.attr.Protocol
	st.Shared, st.Flags = rw.attr.Shared, rw.attr.Flags
	var pending uint64
	if !rw.rq.Empty() || !rw.wq.Empty() {
		pending = 1
	}
	st.Writer = uint64(rw.writer)<<1 | pending
	st.Readers = -2*int64(rw.readers) | int64(pending)
	st.Queue = saveWaiters(&rw.wq)
	st.ReadQueue = saveWaiters(&rw.rq)
}

func (e *EventFlag) save(st *ObjectState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st.Name = e.attr.Name.String()
	st.Protocol, st.Type = e.attr.Protocol, e.attr.Type
	st.Shared, st.Flags = e.attr.Shared, e.attr.Flags
	st.Pattern = e.pattern
	st.Queue = saveWaiters(&e.queue)
}

func (l *LWMutex) save(st *ObjectState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st.Name = l.attr.Name.String()
	st.Protocol = l.attr.Protocol
	st.Signaled = l.signaled.Load()
	st.Queue = saveWaiters(&l.queue)
}

func (c *LWCond) save(st *ObjectState) {
	c.lwmutex.mu.Lock()
	defer c.lwmutex.mu.Unlock()
	st.Name = c.name.String()
	st.Bound = c.lwmutexHandle
	st.Queue = saveWaiters(&c.queue)
}
