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

package idm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
)

type testObject struct {
	kind Kind
	busy bool
	dead bool
}

func (o *testObject) Kind() Kind { return o.kind }

func newTestObject() (Object, error) {
	return &testObject{kind: KindMutex}, nil
}

func destroyCheck(obj Object, last bool) error {
	o := obj.(*testObject)
	if o.busy {
		return lv2err.EBUSY
	}
	if last {
		o.dead = true
	}
	return nil
}

func named(flags uint32) *lv2.IPCAttr {
	return &lv2.IPCAttr{Shared: lv2.SYS_SYNC_PROCESS_SHARED, Key: 0x1234, Flags: flags}
}

func TestCreateGetDestroy(t *testing.T) {
	d := NewDirectory(0)
	h, obj, created, err := d.Create(KindMutex, nil, newTestObject)
	if err != nil || !created {
		t.Fatalf("Create = %v, %t; want success", err, created)
	}
	if h.Kind() != KindMutex {
		t.Errorf("handle %v has kind %v", h, h.Kind())
	}
	got, err := d.Get(KindMutex, h)
	if err != nil || got != obj {
		t.Errorf("Get = %v, %v; want the created object", got, err)
	}
	if _, err := d.Get(KindCond, h); err != lv2err.ESRCH {
		t.Errorf("Get with wrong kind = %v, want ESRCH", err)
	}

	obj.(*testObject).busy = true
	if err := d.Destroy(KindMutex, h, destroyCheck); err != lv2err.EBUSY {
		t.Errorf("Destroy busy = %v, want EBUSY", err)
	}
	if _, err := d.Get(KindMutex, h); err != nil {
		t.Errorf("vetoed Destroy removed the handle: %v", err)
	}

	obj.(*testObject).busy = false
	if err := d.Destroy(KindMutex, h, destroyCheck); err != nil {
		t.Fatalf("Destroy = %v", err)
	}
	if !obj.(*testObject).dead {
		t.Errorf("last Destroy did not retire the instance")
	}
	if err := d.Destroy(KindMutex, h, destroyCheck); err != lv2err.ESRCH {
		t.Errorf("double Destroy = %v, want ESRCH", err)
	}
	if _, err := d.Get(KindMutex, h); err != lv2err.ESRCH {
		t.Errorf("Get after Destroy = %v, want ESRCH", err)
	}
}

func TestNamedInstances(t *testing.T) {
	d := NewDirectory(0)
	if _, _, _, err := d.Create(KindMutex, named(lv2.SYS_SYNC_NOT_CREATE), newTestObject); err != lv2err.ENOENT {
		t.Errorf("NOT_CREATE on missing name = %v, want ENOENT", err)
	}
	h1, obj1, created, err := d.Create(KindMutex, named(lv2.SYS_SYNC_NEWLY_CREATED), newTestObject)
	if err != nil || !created {
		t.Fatalf("NEWLY_CREATED = %v, %t", err, created)
	}
	if _, _, _, err := d.Create(KindMutex, named(lv2.SYS_SYNC_NEWLY_CREATED), newTestObject); err != lv2err.EEXIST {
		t.Errorf("second NEWLY_CREATED = %v, want EEXIST", err)
	}
	h2, obj2, created, err := d.Create(KindMutex, named(lv2.SYS_SYNC_NOT_CARE), newTestObject)
	if err != nil || created {
		t.Fatalf("NOT_CARE on existing name = %v, created=%t", err, created)
	}
	if h1 == h2 || obj1 != obj2 {
		t.Errorf("open returned handle %v/%v object %p/%p, want new handle to the same object", h1, h2, obj1, obj2)
	}

	// Destroying one handle leaves the instance alive and named.
	if err := d.Destroy(KindMutex, h1, destroyCheck); err != nil {
		t.Fatalf("Destroy(h1) = %v", err)
	}
	if obj1.(*testObject).dead {
		t.Errorf("instance retired while a handle remains")
	}
	if _, _, created, err := d.Create(KindMutex, named(lv2.SYS_SYNC_NOT_CREATE), newTestObject); err != nil || created {
		t.Errorf("NOT_CREATE after partial destroy = %v, created=%t", err, created)
	}
}

func TestNameReleasedWithLastHandle(t *testing.T) {
	d := NewDirectory(0)
	h, _, _, err := d.Create(KindMutex, named(lv2.SYS_SYNC_NOT_CARE), newTestObject)
	if err != nil {
		t.Fatalf("Create = %v", err)
	}
	if err := d.Destroy(KindMutex, h, destroyCheck); err != nil {
		t.Fatalf("Destroy = %v", err)
	}
	if _, _, _, err := d.Create(KindMutex, named(lv2.SYS_SYNC_NOT_CREATE), newTestObject); err != lv2err.ENOENT {
		t.Errorf("NOT_CREATE after last destroy = %v, want ENOENT", err)
	}
}

func TestExhaustionAndReuse(t *testing.T) {
	d := NewDirectory(3)
	var hs []Handle
	for i := 0; i < 3; i++ {
		h, _, _, err := d.Create(KindMutex, nil, newTestObject)
		if err != nil {
			t.Fatalf("Create #%d = %v", i, err)
		}
		hs = append(hs, h)
	}
	if _, _, _, err := d.Create(KindMutex, nil, newTestObject); err != lv2err.EAGAIN {
		t.Errorf("Create past the limit = %v, want EAGAIN", err)
	}
	// Other kinds have their own namespace.
	if _, _, _, err := d.Create(KindSemaphore, nil, func() (Object, error) { return &testObject{kind: KindSemaphore}, nil }); err != nil {
		t.Errorf("Create in another kind = %v", err)
	}

	if err := d.Destroy(KindMutex, hs[1], destroyCheck); err != nil {
		t.Fatalf("Destroy = %v", err)
	}
	h, _, _, err := d.Create(KindMutex, nil, newTestObject)
	if err != nil {
		t.Fatalf("Create after Destroy = %v", err)
	}
	if h != hs[1] {
		t.Errorf("reused handle %v, want %v", h, hs[1])
	}
}

func TestCreateError(t *testing.T) {
	d := NewDirectory(0)
	_, _, _, err := d.Create(KindMutex, nil, func() (Object, error) { return nil, lv2err.EINVAL })
	if err != lv2err.EINVAL {
		t.Errorf("Create = %v, want EINVAL", err)
	}
	if n := d.Len(KindMutex); n != 0 {
		t.Errorf("failed Create left %d handles", n)
	}
}

func TestInsertAndForEach(t *testing.T) {
	d := NewDirectory(0)
	shared := &testObject{kind: KindMutex}
	other := &testObject{kind: KindMutex}
	h1 := makeHandle(KindMutex, 5)
	h2 := makeHandle(KindMutex, 2)
	h3 := makeHandle(KindMutex, 9)
	for _, tc := range []struct {
		h   Handle
		key uint64
		obj Object
	}{
		{h1, 77, shared},
		{h2, 77, shared},
		{h3, 0, other},
	} {
		if err := d.Insert(tc.h, tc.key, tc.obj); err != nil {
			t.Fatalf("Insert(%v) = %v", tc.h, err)
		}
	}
	if err := d.Insert(h1, 0, other); err != lv2err.EEXIST {
		t.Errorf("Insert over a live handle = %v, want EEXIST", err)
	}
	if err := d.Insert(makeHandle(KindMutex, 6), 77, other); err != lv2err.EEXIST {
		t.Errorf("Insert of a different object under a used key = %v, want EEXIST", err)
	}

	var got []Handle
	d.ForEach(KindMutex, func(h Handle, key uint64, obj Object) { got = append(got, h) })
	if diff := cmp.Diff([]Handle{h2, h1, h3}, got); diff != "" {
		t.Errorf("ForEach order mismatch (-want +got):\n%s", diff)
	}

	// Allocation continues after the highest restored index.
	h, _, _, err := d.Create(KindMutex, nil, newTestObject)
	if err != nil {
		t.Fatalf("Create = %v", err)
	}
	if h != makeHandle(KindMutex, 10) {
		t.Errorf("Create after Insert = %v, want index 10", h)
	}
}

func TestTeardown(t *testing.T) {
	d := NewDirectory(0)
	h, _, _, err := d.Create(KindMutex, nil, newTestObject)
	if err != nil {
		t.Fatalf("Create = %v", err)
	}
	d.Teardown()
	if _, err := d.Get(KindMutex, h); err != lv2err.ESRCH {
		t.Errorf("Get after Teardown = %v, want ESRCH", err)
	}
	if _, _, _, err := d.Create(KindMutex, nil, newTestObject); err != lv2err.ESRCH {
		t.Errorf("Create after Teardown = %v, want ESRCH", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
}
