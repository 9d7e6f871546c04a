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
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
)

func createRWLock(t *testing.T, k *Kernel) idm.Handle {
	t.Helper()
	h, err := k.RWLockCreate(&lv2.RWLockAttr{Protocol: lv2.SYS_SYNC_FIFO, Name: lv2.MakeName("rwl")})
	if err != nil {
		t.Fatalf("RWLockCreate failed: %v", err)
	}
	return h
}

func TestRWLockReaderAfterWriter(t *testing.T) {
	k, _ := newTestKernel(t)
	t1 := spawn(t, k, "t1", 1000)
	t2 := spawn(t, k, "t2", 1000)
	h := createRWLock(t, k)

	if err := k.RWLockWLock(t1, h, ktime.Infinite); err != nil {
		t.Fatalf("RWLockWLock(t1) = %v", err)
	}
	c := async(func() error { return k.RWLockRLock(t2, h, ktime.Infinite) })
	waitBlocked(t, t2)
	stillBlocked(t, c)
	if err := k.RWLockWUnlock(t1, h); err != nil {
		t.Fatalf("RWLockWUnlock(t1) = %v", err)
	}
	if err := result(t, c); err != nil {
		t.Fatalf("RWLockRLock(t2) = %v", err)
	}
	if err := k.RWLockTryWLock(t1, h); err != lv2err.EBUSY {
		t.Errorf("RWLockTryWLock with a reader = %v, want EBUSY", err)
	}
	if err := k.RWLockRUnlock(h); err != nil {
		t.Fatalf("RWLockRUnlock = %v", err)
	}
	if err := k.RWLockRUnlock(h); err != lv2err.EPERM {
		t.Errorf("RWLockRUnlock without readers = %v, want EPERM", err)
	}
}

func TestRWLockWriterErrors(t *testing.T) {
	k, _ := newTestKernel(t)
	t1 := spawn(t, k, "t1", 1000)
	t2 := spawn(t, k, "t2", 1000)
	h := createRWLock(t, k)

	if err := k.RWLockWLock(t1, h, ktime.Infinite); err != nil {
		t.Fatalf("RWLockWLock = %v", err)
	}
	if err := k.RWLockWLock(t1, h, ktime.Infinite); err != lv2err.EDEADLK {
		t.Errorf("recursive RWLockWLock = %v, want EDEADLK", err)
	}
	if err := k.RWLockTryWLock(t1, h); err != lv2err.EDEADLK {
		t.Errorf("recursive RWLockTryWLock = %v, want EDEADLK", err)
	}
	if err := k.RWLockTryRLock(t2, h); err != lv2err.EBUSY {
		t.Errorf("RWLockTryRLock while written = %v, want EBUSY", err)
	}
	if err := k.RWLockWUnlock(t2, h); err != lv2err.EPERM {
		t.Errorf("RWLockWUnlock by non-writer = %v, want EPERM", err)
	}
	if err := k.RWLockDestroy(h); err != lv2err.EBUSY {
		t.Errorf("RWLockDestroy while held = %v, want EBUSY", err)
	}
	if err := k.RWLockWUnlock(t1, h); err != nil {
		t.Fatalf("RWLockWUnlock = %v", err)
	}
	if err := k.RWLockDestroy(h); err != nil {
		t.Errorf("RWLockDestroy = %v", err)
	}
}

func TestRWLockWriterBlocksNewReaders(t *testing.T) {
	k, _ := newTestKernel(t)
	r1 := spawn(t, k, "r1", 1000)
	r2 := spawn(t, k, "r2", 1000)
	w := spawn(t, k, "w", 1000)
	h := createRWLock(t, k)

	if err := k.RWLockRLock(r1, h, ktime.Infinite); err != nil {
		t.Fatalf("RWLockRLock(r1) = %v", err)
	}
	cw := async(func() error { return k.RWLockWLock(w, h, ktime.Infinite) })
	waitBlocked(t, w)
	cr := async(func() error { return k.RWLockRLock(r2, h, ktime.Infinite) })
	waitBlocked(t, r2)

	if err := k.RWLockRUnlock(h); err != nil {
		t.Fatalf("RWLockRUnlock(r1) = %v", err)
	}
	if err := result(t, cw); err != nil {
		t.Fatalf("RWLockWLock(w) = %v", err)
	}
	stillBlocked(t, cr)
	if err := k.RWLockWUnlock(w, h); err != nil {
		t.Fatalf("RWLockWUnlock(w) = %v", err)
	}
	if err := result(t, cr); err != nil {
		t.Errorf("RWLockRLock(r2) = %v", err)
	}
}

func TestRWLockAbandonedWriterReleasesReaders(t *testing.T) {
	k, _ := newTestKernel(t)
	r1 := spawn(t, k, "r1", 1000)
	r2 := spawn(t, k, "r2", 1000)
	w := spawn(t, k, "w", 1000)
	h := createRWLock(t, k)

	if err := k.RWLockRLock(r1, h, ktime.Infinite); err != nil {
		t.Fatalf("RWLockRLock(r1) = %v", err)
	}
	cw := async(func() error { return k.RWLockWLock(w, h, ktime.Infinite) })
	waitBlocked(t, w)
	cr := async(func() error { return k.RWLockRLock(r2, h, ktime.Infinite) })
	waitBlocked(t, r2)

	if err := k.TerminateThread(w.ID()); err != nil {
		t.Fatalf("TerminateThread = %v", err)
	}
	if err := result(t, cw); err != lv2err.ECANCELED {
		t.Errorf("RWLockWLock(w) = %v, want ECANCELED", err)
	}
	if err := result(t, cr); err != nil {
		t.Errorf("RWLockRLock(r2) = %v", err)
	}
}

func TestRWLockExclusion(t *testing.T) {
	k := New(Options{})
	defer k.Shutdown()
	h := createRWLock(t, k)

	// state is the number of readers inside, or -1 for a writer.
	var state atomic.Int32
	var g errgroup.Group
	for i := 0; i < 6; i++ {
		th := spawn(t, k, "worker", 1000)
		writer := i%3 == 0
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				if writer {
					if err := k.RWLockWLock(th, h, ktime.Infinite); err != nil {
						return err
					}
					if !state.CompareAndSwap(0, -1) {
						return fmt.Errorf("writer entered with state %d", state.Load())
					}
					state.Store(0)
					if err := k.RWLockWUnlock(th, h); err != nil {
						return err
					}
					continue
				}
				if err := k.RWLockRLock(th, h, ktime.Infinite); err != nil {
					return err
				}
				if n := state.Add(1); n <= 0 {
					return fmt.Errorf("reader entered with state %d", n-1)
				}
				state.Add(-1)
				if err := k.RWLockRUnlock(h); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRWLockDestroyBusy(t *testing.T) {
	k, _ := newTestKernel(t)
	t1 := spawn(t, k, "t1", 1000)
	t2 := spawn(t, k, "t2", 1000)
	h := createRWLock(t, k)

	if err := k.RWLockRLock(t1, h, ktime.Infinite); err != nil {
		t.Fatalf("RWLockRLock(t1) = %v", err)
	}
	if err := k.RWLockDestroy(h); err != lv2err.EBUSY {
		t.Errorf("RWLockDestroy with a reader = %v, want EBUSY", err)
	}
	c := async(func() error { return k.RWLockWLock(t2, h, ktime.Infinite) })
	waitBlocked(t, t2)
	if err := k.RWLockDestroy(h); err != lv2err.EBUSY {
		t.Errorf("RWLockDestroy with a queued writer = %v, want EBUSY", err)
	}
	if err := k.RWLockRUnlock(h); err != nil {
		t.Fatalf("RWLockRUnlock = %v", err)
	}
	if err := result(t, c); err != nil {
		t.Fatalf("RWLockWLock(t2) = %v", err)
	}
	if err := k.RWLockDestroy(h); err != lv2err.EBUSY {
		t.Errorf("RWLockDestroy with a writer = %v, want EBUSY", err)
	}
	if err := k.RWLockWUnlock(t2, h); err != nil {
		t.Fatalf("RWLockWUnlock(t2) = %v", err)
	}
	if err := k.RWLockDestroy(h); err != nil {
		t.Fatalf("RWLockDestroy of a free lock = %v", err)
	}
	if err := k.RWLockTryRLock(t1, h); err != lv2err.ESRCH {
		t.Errorf("RWLockTryRLock after destroy = %v, want ESRCH", err)
	}
}
