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

// Package idm implements the object directory: the per-kind handle namespaces
// through which guests name synchronization primitives.
//
// A handle is valid from creation until destruction. Named instances (those
// created with a non-zero key and the process-shared attribute) may be opened
// several times; each open yields a new handle aliasing the same instance,
// and the instance lives until its last handle is destroyed.
//
// Lock ordering: Directory.mu is taken before any instance lock. Instances
// never call back into the directory while holding their own lock.
package idm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/log"
)

// Kind identifies a handle namespace.
type Kind uint8

// Handle namespaces. The value is also the top byte of every handle of the
// kind, so a handle of the wrong kind is never found.
const (
	KindMutex     Kind = 0x85
	KindCond      Kind = 0x86
	KindRWLock    Kind = 0x88
	KindLWMutex   Kind = 0x95
	KindSemaphore Kind = 0x96
	KindLWCond    Kind = 0x97
	KindEventFlag Kind = 0x98
)

// Kinds lists every namespace in a fixed order.
var Kinds = []Kind{KindMutex, KindCond, KindRWLock, KindLWMutex, KindSemaphore, KindLWCond, KindEventFlag}

var kindNames = map[Kind]string{
	KindMutex:     "mutex",
	KindCond:      "cond",
	KindRWLock:    "rwlock",
	KindLWMutex:   "lwmutex",
	KindSemaphore: "semaphore",
	KindLWCond:    "lwcond",
	KindEventFlag: "event_flag",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%#x)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown object kind %q", s)
}

// Handle names an instance within its kind's namespace.
type Handle uint32

const indexMask = 0x00ffffff

// MaxObjects bounds the per-kind object limit.
const MaxObjects = indexMask

// DefaultMaxObjects is the per-kind object limit used when none is given.
const DefaultMaxObjects = 8192

func makeHandle(kind Kind, idx uint32) Handle {
	return Handle(uint32(kind)<<24 | idx)
}

// Kind returns the namespace h belongs to.
func (h Handle) Kind() Kind {
	return Kind(h >> 24)
}

func (h Handle) index() uint32 {
	return uint32(h) & indexMask
}

// String implements fmt.Stringer.String.
func (h Handle) String() string {
	return fmt.Sprintf("%v %#x", h.Kind(), uint32(h))
}

// Object is a primitive instance held by the directory.
type Object interface {
	// Kind returns the namespace the instance lives in.
	Kind() Kind
}

// instance is a directory entry's view of an Object.
type instance struct {
	obj Object

	// key is the name of a named instance, or zero.
	key uint64

	// refs is the number of handles referring to the instance.
	refs int
}

type entry struct {
	idx  uint32
	inst *instance
}

func entryLess(a, b entry) bool {
	return a.idx < b.idx
}

// namespace is the table of one kind.
type namespace struct {
	kind Kind

	// handles maps handle indexes to instances, in index order.
	handles *btree.BTreeG[entry]

	// keys maps names to named instances.
	keys map[uint64]*instance

	// lastIdx is the index most recently allocated.
	lastIdx uint32
}

// Directory is the object directory of one emulated machine.
type Directory struct {
	// limit is the number of handles each kind may have. Immutable.
	limit uint32

	// exhausted logs id exhaustion without flooding.
	exhausted log.Logger

	// mu protects the fields below.
	mu sync.Mutex

	spaces map[Kind]*namespace

	// closed is set by Teardown.
	closed bool
}

// NewDirectory creates a directory allowing up to limit live handles per
// kind. A non-positive limit selects DefaultMaxObjects.
func NewDirectory(limit int) *Directory {
	if limit <= 0 {
		limit = DefaultMaxObjects
	}
	if limit > MaxObjects {
		limit = MaxObjects
	}
	d := &Directory{
		limit:     uint32(limit),
		exhausted: log.BasicRateLimitedLogger(time.Second),
		spaces:    make(map[Kind]*namespace),
	}
	for _, k := range Kinds {
		d.spaces[k] = &namespace{
			kind:    k,
			handles: btree.NewG[entry](8, entryLess),
			keys:    make(map[uint64]*instance),
		}
	}
	return d
}

// Preconditions: d.mu is locked.
func (d *Directory) spaceLocked(kind Kind) (*namespace, error) {
	if d.closed {
		return nil, lv2err.ESRCH
	}
	ns, ok := d.spaces[kind]
	if !ok {
		panic(fmt.Sprintf("unknown object kind %v", kind))
	}
	return ns, nil
}

// Create allocates a handle for a new or existing instance of kind.
//
// If ipc describes a named instance, the creation policy in ipc.Flags is
// applied: SYS_SYNC_NEWLY_CREATED fails with EEXIST if the name exists,
// SYS_SYNC_NOT_CREATE fails with ENOENT if it does not, and opening an
// existing name returns a new handle for it. Otherwise newObj is called, with
// the directory locked, to build the instance; an error from newObj is
// returned unchanged and nothing is registered.
//
// Create returns EAGAIN when the kind has no free handle. created reports
// whether newObj was called.
func (d *Directory) Create(kind Kind, ipc *lv2.IPCAttr, newObj func() (Object, error)) (h Handle, obj Object, created bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, err := d.spaceLocked(kind)
	if err != nil {
		return 0, nil, false, err
	}

	var key uint64
	if ipc != nil && ipc.Named() {
		key = ipc.Key
		if inst, ok := ns.keys[key]; ok {
			if ipc.Flags == lv2.SYS_SYNC_NEWLY_CREATED {
				return 0, nil, false, lv2err.EEXIST
			}
			idx, err := d.allocateLocked(ns)
			if err != nil {
				return 0, nil, false, err
			}
			inst.refs++
			ns.handles.ReplaceOrInsert(entry{idx: idx, inst: inst})
			return makeHandle(kind, idx), inst.obj, false, nil
		}
		if ipc.Flags == lv2.SYS_SYNC_NOT_CREATE {
			return 0, nil, false, lv2err.ENOENT
		}
	}

	idx, err := d.allocateLocked(ns)
	if err != nil {
		return 0, nil, false, err
	}
	obj, err = newObj()
	if err != nil {
		return 0, nil, false, err
	}
	if obj.Kind() != kind {
		panic(fmt.Sprintf("%v constructor built a %v", kind, obj.Kind()))
	}
	inst := &instance{obj: obj, key: key, refs: 1}
	ns.handles.ReplaceOrInsert(entry{idx: idx, inst: inst})
	if key != 0 {
		ns.keys[key] = inst
	}
	return makeHandle(kind, idx), obj, true, nil
}

// allocateLocked finds the first free index after the last one allocated,
// wrapping around.
//
// Preconditions: d.mu is locked.
func (d *Directory) allocateLocked(ns *namespace) (uint32, error) {
	if idx, ok := ns.gap(ns.lastIdx+1, d.limit+1); ok {
		ns.lastIdx = idx
		return idx, nil
	}
	if idx, ok := ns.gap(1, ns.lastIdx+1); ok {
		ns.lastIdx = idx
		return idx, nil
	}
	d.exhausted.Warningf("%v handles exhausted (%d live), they may be leaking", ns.kind, ns.handles.Len())
	return 0, lv2err.EAGAIN
}

// gap returns the lowest unused index in [lo, hi).
func (ns *namespace) gap(lo, hi uint32) (uint32, bool) {
	if lo >= hi {
		return 0, false
	}
	next := lo
	ns.handles.AscendRange(entry{idx: lo}, entry{idx: hi}, func(e entry) bool {
		if e.idx != next {
			return false
		}
		next++
		return true
	})
	return next, next < hi
}

// Get returns the instance h refers to, or ESRCH.
func (d *Directory) Get(kind Kind, h Handle) (Object, error) {
	if h.Kind() != kind {
		return nil, lv2err.ESRCH
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, err := d.spaceLocked(kind)
	if err != nil {
		return nil, err
	}
	e, ok := ns.handles.Get(entry{idx: h.index()})
	if !ok {
		return nil, lv2err.ESRCH
	}
	return e.inst.obj, nil
}

// Destroy releases handle h. check is called with the directory locked, with
// last set if h is the instance's final handle; it must inspect the instance
// under the instance's own lock and either veto with an error (EBUSY, EPERM),
// leaving everything intact, or accept and, if last, retire the instance in
// the same critical section.
func (d *Directory) Destroy(kind Kind, h Handle, check func(obj Object, last bool) error) error {
	if h.Kind() != kind {
		return lv2err.ESRCH
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, err := d.spaceLocked(kind)
	if err != nil {
		return err
	}
	e, ok := ns.handles.Get(entry{idx: h.index()})
	if !ok {
		return lv2err.ESRCH
	}
	inst := e.inst
	if inst.refs <= 0 {
		panic(fmt.Sprintf("%v: instance with %d references", h, inst.refs))
	}
	last := inst.refs == 1
	if err := check(inst.obj, last); err != nil {
		return err
	}
	ns.handles.Delete(e)
	inst.refs--
	if last && inst.key != 0 {
		if ns.keys[inst.key] != inst {
			panic(fmt.Sprintf("%v: key %#x maps to a different instance", h, inst.key))
		}
		delete(ns.keys, inst.key)
	}
	return nil
}

// Insert registers obj under a fixed handle, as recorded in a snapshot.
// Inserting a second handle with the same non-zero key aliases the first
// handle's instance, which must be obj.
func (d *Directory) Insert(h Handle, key uint64, obj Object) error {
	kind := h.Kind()
	if obj.Kind() != kind || h.index() == 0 || h.index() > d.limit {
		return lv2err.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, err := d.spaceLocked(kind)
	if err != nil {
		return err
	}
	if ns.handles.Has(entry{idx: h.index()}) {
		return lv2err.EEXIST
	}
	var inst *instance
	if key != 0 {
		inst = ns.keys[key]
	}
	switch {
	case inst == nil:
		inst = &instance{obj: obj, key: key}
		if key != 0 {
			ns.keys[key] = inst
		}
	case inst.obj != obj:
		return lv2err.EEXIST
	}
	inst.refs++
	ns.handles.ReplaceOrInsert(entry{idx: h.index(), inst: inst})
	if h.index() > ns.lastIdx {
		ns.lastIdx = h.index()
	}
	return nil
}

// ForEach calls f for every handle of kind, in handle order, with the
// directory locked. f must not call back into the directory.
func (d *Directory) ForEach(kind Kind, f func(h Handle, key uint64, obj Object)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, err := d.spaceLocked(kind)
	if err != nil {
		return
	}
	ns.handles.Ascend(func(e entry) bool {
		f(makeHandle(kind, e.idx), e.inst.key, e.inst.obj)
		return true
	})
}

// Len returns the number of live handles of kind.
func (d *Directory) Len(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ns, err := d.spaceLocked(kind)
	if err != nil {
		return 0
	}
	return ns.handles.Len()
}

// Teardown drops every handle. All later lookups fail with ESRCH.
func (d *Directory) Teardown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ns := range d.spaces {
		ns.handles.Clear(false)
		ns.keys = make(map[uint64]*instance)
	}
	d.closed = true
}
