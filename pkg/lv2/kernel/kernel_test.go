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
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

const testTimeout = 10 * time.Second

func newTestKernel(t *testing.T) (*Kernel, *ktime.ManualClock) {
	t.Helper()
	clock := ktime.NewManualClock()
	k := New(Options{Clock: clock})
	t.Cleanup(k.Shutdown)
	return k, clock
}

func spawn(t *testing.T, k *Kernel, name string, prio int32) *thread.Thread {
	t.Helper()
	th, err := k.SpawnThread(name, prio)
	if err != nil {
		t.Fatalf("SpawnThread(%q, %d) failed: %v", name, prio, err)
	}
	return th
}

// async runs f on its own goroutine, as a guest thread would.
func async(f func() error) <-chan error {
	c := make(chan error, 1)
	go func() { c <- f() }()
	return c
}

// result waits for the outcome of an async call.
func result(t *testing.T, c <-chan error) error {
	t.Helper()
	select {
	case err := <-c:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("call did not return")
		return nil
	}
}

// stillBlocked checks that an async call has not returned.
func stillBlocked(t *testing.T, c <-chan error) {
	t.Helper()
	select {
	case err := <-c:
		t.Fatalf("call returned %v, want it still blocked", err)
	case <-time.After(20 * time.Millisecond):
	}
}

// poll calls cb until it succeeds, failing the test if it still fails after
// testTimeout.
func poll(t *testing.T, cb func() error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	if err := backoff.Retry(cb, b); err != nil {
		t.Fatal(err)
	}
}

// waitBlocked waits until th sleeps in a queue. The waiter is registered and
// queued in one critical section of the primitive, so any later operation on
// the primitive sees th queued.
func waitBlocked(t *testing.T, th *thread.Thread) {
	t.Helper()
	poll(t, func() error {
		if th.Waiter() == nil {
			return fmt.Errorf("%v never blocked", th)
		}
		return nil
	})
}

// waitTimers waits until n timeouts are armed, so that advancing the clock
// expires them.
func waitTimers(t *testing.T, clock *ktime.ManualClock, n int) {
	t.Helper()
	poll(t, func() error {
		if got := clock.Pending(); got < n {
			return fmt.Errorf("%d timers armed, want %d", got, n)
		}
		return nil
	})
}

func fifoMutex() *lv2.MutexAttr {
	return &lv2.MutexAttr{Protocol: lv2.SYS_SYNC_FIFO, Recursive: lv2.SYS_SYNC_NOT_RECURSIVE, Name: lv2.MakeName("mtx")}
}

func TestTerminateUnqueues(t *testing.T) {
	k, _ := newTestKernel(t)
	t1 := spawn(t, k, "t1", 1000)
	t2 := spawn(t, k, "t2", 1000)
	h, err := k.MutexCreate(fifoMutex())
	if err != nil {
		t.Fatalf("MutexCreate failed: %v", err)
	}
	if err := k.MutexLock(t1, h, ktime.Infinite); err != nil {
		t.Fatalf("MutexLock(t1) failed: %v", err)
	}
	c := async(func() error { return k.MutexLock(t2, h, ktime.Infinite) })
	waitBlocked(t, t2)

	if err := k.TerminateThread(t2.ID()); err != nil {
		t.Fatalf("TerminateThread failed: %v", err)
	}
	if err := result(t, c); err != lv2err.ECANCELED {
		t.Errorf("MutexLock(t2) = %v, want ECANCELED", err)
	}
	if _, ok, _ := k.MutexWaiterPriority(h); ok {
		t.Errorf("terminated thread still queued")
	}
	if err := k.MutexUnlock(t1, h); err != nil {
		t.Fatalf("MutexUnlock failed: %v", err)
	}
	if owner, _ := k.MutexOwner(h); owner != thread.None {
		t.Errorf("owner after unlock = %#x, want none", owner)
	}
	if err := k.TerminateThread(t2.ID()); err != lv2err.ESRCH {
		t.Errorf("second TerminateThread = %v, want ESRCH", err)
	}
}

func TestShutdown(t *testing.T) {
	k := New(Options{})
	t1 := spawn(t, k, "t1", 1000)
	h, err := k.SemaphoreCreate(&lv2.SemaphoreAttr{Protocol: lv2.SYS_SYNC_FIFO}, 0, 1)
	if err != nil {
		t.Fatalf("SemaphoreCreate failed: %v", err)
	}
	c := async(func() error { return k.SemaphoreWait(t1, h, ktime.Infinite) })
	waitBlocked(t, t1)

	k.Shutdown()
	if err := result(t, c); err != lv2err.ECANCELED {
		t.Errorf("SemaphoreWait = %v, want ECANCELED", err)
	}
	if err := k.SemaphorePost(h, 1); err != lv2err.ESRCH {
		t.Errorf("SemaphorePost after Shutdown = %v, want ESRCH", err)
	}
	if n := k.ObjectCount(idm.KindSemaphore); n != 0 {
		t.Errorf("ObjectCount after Shutdown = %d", n)
	}
}

func TestStaleHandle(t *testing.T) {
	k, _ := newTestKernel(t)
	h, err := k.MutexCreate(fifoMutex())
	if err != nil {
		t.Fatalf("MutexCreate failed: %v", err)
	}
	if err := k.MutexDestroy(h); err != nil {
		t.Fatalf("MutexDestroy failed: %v", err)
	}
	t1 := spawn(t, k, "t1", 1000)
	if err := k.MutexLock(t1, h, ktime.Infinite); err != lv2err.ESRCH {
		t.Errorf("MutexLock on destroyed handle = %v, want ESRCH", err)
	}
	if err := k.MutexDestroy(h); err != lv2err.ESRCH {
		t.Errorf("second MutexDestroy = %v, want ESRCH", err)
	}
	// A handle of another kind never resolves.
	if err := k.SemaphorePost(h, 1); err != lv2err.ESRCH {
		t.Errorf("SemaphorePost on a mutex handle = %v, want ESRCH", err)
	}
}

func TestNamedInstances(t *testing.T) {
	k, _ := newTestKernel(t)
	attr := &lv2.SemaphoreAttr{
		Protocol: lv2.SYS_SYNC_FIFO,
		IPCAttr:  lv2.IPCAttr{Shared: lv2.SYS_SYNC_PROCESS_SHARED, Key: 0x1234, Flags: lv2.SYS_SYNC_NEWLY_CREATED},
	}
	h1, err := k.SemaphoreCreate(attr, 0, 5)
	if err != nil {
		t.Fatalf("SemaphoreCreate failed: %v", err)
	}
	if _, err := k.SemaphoreCreate(attr, 0, 5); err != lv2err.EEXIST {
		t.Errorf("second NEWLY_CREATED = %v, want EEXIST", err)
	}
	attr.Flags = lv2.SYS_SYNC_NOT_CARE
	h2, err := k.SemaphoreCreate(attr, 0, 5)
	if err != nil {
		t.Fatalf("NOT_CARE open failed: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("open returned the creator's handle %v", h1)
	}
	if err := k.SemaphorePost(h1, 2); err != nil {
		t.Fatalf("SemaphorePost failed: %v", err)
	}
	if v, _ := k.SemaphoreGetValue(h2); v != 2 {
		t.Errorf("value through second handle = %d, want 2", v)
	}

	// The instance lives until its last handle is gone.
	if err := k.SemaphoreDestroy(h1); err != nil {
		t.Fatalf("SemaphoreDestroy(h1) failed: %v", err)
	}
	if v, err := k.SemaphoreGetValue(h2); err != nil || v != 2 {
		t.Errorf("SemaphoreGetValue(h2) = %d, %v", v, err)
	}
	if err := k.SemaphoreDestroy(h2); err != nil {
		t.Fatalf("SemaphoreDestroy(h2) failed: %v", err)
	}
	attr.Flags = lv2.SYS_SYNC_NOT_CREATE
	if _, err := k.SemaphoreCreate(attr, 0, 5); err != lv2err.ENOENT {
		t.Errorf("NOT_CREATE after destroy = %v, want ENOENT", err)
	}
}

func TestHandleExhaustion(t *testing.T) {
	k := New(Options{MaxObjects: 2})
	defer k.Shutdown()
	attr := &lv2.EventFlagAttr{Protocol: lv2.SYS_SYNC_FIFO, Type: lv2.SYS_SYNC_WAITER_MULTIPLE}
	for i := 0; i < 2; i++ {
		if _, err := k.EventFlagCreate(attr, 0); err != nil {
			t.Fatalf("EventFlagCreate #%d failed: %v", i, err)
		}
	}
	if _, err := k.EventFlagCreate(attr, 0); err != lv2err.EAGAIN {
		t.Errorf("EventFlagCreate past the limit = %v, want EAGAIN", err)
	}
	// Other kinds have their own space.
	if _, err := k.MutexCreate(fifoMutex()); err != nil {
		t.Errorf("MutexCreate failed: %v", err)
	}
}
