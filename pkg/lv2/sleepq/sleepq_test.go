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

package sleepq

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// testOwner dequeues abandoned waiters unless keep is set.
type testOwner struct {
	sync.Mutex
	keep      bool
	abandoned []error
}

func (o *testOwner) Abandon(q *Queue, w *Waiter, err error) bool {
	o.abandoned = append(o.abandoned, err)
	if o.keep {
		return false
	}
	return q.Dequeue(w, err)
}

type fixture struct {
	threads *thread.Table
	owner   *testOwner
	q       Queue
}

func newFixture(clock ktime.Clock) *fixture {
	f := &fixture{
		threads: thread.NewTable(clock),
		owner:   &testOwner{},
	}
	f.q.Init(f.owner, f.threads)
	return f
}

func (f *fixture) spawn(t *testing.T, prio int32) *thread.Thread {
	t.Helper()
	th, err := f.threads.Spawn("t", prio)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	return th
}

func (f *fixture) enqueue(th *thread.Thread) *Waiter {
	w := NewWaiter(th)
	f.owner.Lock()
	f.q.PushBack(w)
	f.owner.Unlock()
	return w
}

func TestPopOrder(t *testing.T) {
	f := newFixture(ktime.RealClock{})
	prios := []int32{500, 100, 300, 100, 50}
	var tids []thread.ID
	for _, p := range prios {
		th := f.spawn(t, p)
		tids = append(tids, th.ID())
		f.enqueue(th)
	}

	f.owner.Lock()
	defer f.owner.Unlock()
	if w := f.q.Next(lv2.SYS_SYNC_FIFO); w.TID != tids[0] {
		t.Errorf("FIFO Next = %#x, want %#x", w.TID, tids[0])
	}

	// Priority order, ties in enqueue order.
	var got []thread.ID
	for !f.q.Empty() {
		got = append(got, f.q.Pop(lv2.SYS_SYNC_PRIORITY).TID)
	}
	want := []thread.ID{tids[4], tids[1], tids[3], tids[2], tids[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("priority order mismatch (-want +got):\n%s", diff)
	}
	if f.q.Pop(lv2.SYS_SYNC_PRIORITY) != nil {
		t.Errorf("Pop on empty queue returned a waiter")
	}
}

func TestPriorityChangeWhileQueued(t *testing.T) {
	f := newFixture(ktime.RealClock{})
	a := f.spawn(t, 100)
	b := f.spawn(t, 200)
	f.enqueue(a)
	f.enqueue(b)
	if err := b.SetPriority(10); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	f.owner.Lock()
	defer f.owner.Unlock()
	if w := f.q.Pop(lv2.SYS_SYNC_PRIORITY); w.TID != b.ID() {
		t.Errorf("Pop = %#x, want reprioritized thread %#x", w.TID, b.ID())
	}
	if p, ok := f.q.HighestPriority(); !ok || p != 100 {
		t.Errorf("HighestPriority = %d, %t; want 100, true", p, ok)
	}
}

func TestSortByPriority(t *testing.T) {
	f := newFixture(ktime.RealClock{})
	var tids []thread.ID
	for _, p := range []int32{3, 1, 2, 1} {
		th := f.spawn(t, p)
		tids = append(tids, th.ID())
		f.enqueue(th)
	}
	f.owner.Lock()
	defer f.owner.Unlock()
	f.q.SortByPriority()
	want := []thread.ID{tids[1], tids[3], tids[2], tids[0]}
	if diff := cmp.Diff(want, f.q.TIDs()); diff != "" {
		t.Errorf("sorted order mismatch (-want +got):\n%s", diff)
	}
	if f.q.Len() != 4 || f.q.Find(tids[2]) == nil {
		t.Errorf("queue lost waiters while sorting")
	}
}

func TestWaitComplete(t *testing.T) {
	f := newFixture(ktime.RealClock{})
	th := f.spawn(t, 100)
	w := f.enqueue(th)
	go func() {
		f.owner.Lock()
		defer f.owner.Unlock()
		f.q.Remove(w)
		w.Complete(lv2err.EBUSY)
	}()
	if err := w.Wait(th, ktime.Infinite); err != lv2err.EBUSY {
		t.Errorf("Wait = %v, want EBUSY", err)
	}
	if th.Waiter() != nil {
		t.Errorf("thread still records a waiter after Wait returned")
	}
}

// waitPending waits until n timeouts are armed on mc.
func waitPending(t *testing.T, mc *ktime.ManualClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	err := backoff.Retry(func() error {
		if got := mc.Pending(); got < n {
			return fmt.Errorf("%d timers armed, want %d", got, n)
		}
		return nil
	}, b)
	if err != nil {
		t.Fatal(err)
	}
}

func TestWaitTimeout(t *testing.T) {
	mc := ktime.NewManualClock()
	f := newFixture(mc)
	th := f.spawn(t, 100)
	w := f.enqueue(th)
	done := make(chan error)
	go func() { done <- w.Wait(th, 100) }()
	waitPending(t, mc, 1)
	mc.Advance(100 * time.Microsecond)
	if err := <-done; err != lv2err.ETIMEDOUT {
		t.Errorf("Wait = %v, want ETIMEDOUT", err)
	}
	f.owner.Lock()
	defer f.owner.Unlock()
	if !f.q.Empty() || w.Queued() {
		t.Errorf("timed out waiter still queued")
	}
	if len(f.owner.abandoned) != 1 || f.owner.abandoned[0] != lv2err.ETIMEDOUT {
		t.Errorf("Abandon calls = %v, want [ETIMEDOUT]", f.owner.abandoned)
	}
}

// A grant that dequeues the waiter before the timeout is processed wins.
func TestGrantBeatsTimeout(t *testing.T) {
	mc := ktime.NewManualClock()
	f := newFixture(mc)
	th := f.spawn(t, 100)
	w := f.enqueue(th)

	f.owner.Lock()
	f.q.Remove(w)
	f.owner.Unlock()
	if w.Abandon(lv2err.ETIMEDOUT) {
		t.Errorf("Abandon succeeded on a dequeued waiter")
	}
	w.Complete(nil)
	if err := w.Wait(th, 100); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
	if len(f.owner.abandoned) != 0 {
		t.Errorf("owner saw Abandon for a granted waiter")
	}
}

// An owner may keep an abandoned waiter queued; the thread then waits for the
// grant.
func TestAbandonKept(t *testing.T) {
	mc := ktime.NewManualClock()
	f := newFixture(mc)
	f.owner.keep = true
	th := f.spawn(t, 100)
	w := f.enqueue(th)
	done := make(chan error)
	go func() { done <- w.Wait(th, 100) }()
	waitPending(t, mc, 1)
	mc.Advance(100 * time.Microsecond)
	select {
	case err := <-done:
		t.Fatalf("Wait returned %v while the waiter was kept", err)
	case <-time.After(20 * time.Millisecond):
	}
	f.owner.Lock()
	f.q.Remove(w)
	w.Complete(nil)
	f.owner.Unlock()
	if err := <-done; err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
}

func TestTerminateUnqueues(t *testing.T) {
	f := newFixture(ktime.RealClock{})
	th := f.spawn(t, 100)
	w := f.enqueue(th)
	done := make(chan error)
	go func() { done <- w.Wait(th, ktime.Infinite) }()
	if err := f.threads.Terminate(th.ID()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if err := <-done; err != lv2err.ECANCELED {
		t.Errorf("Wait = %v, want ECANCELED", err)
	}
	f.owner.Lock()
	defer f.owner.Unlock()
	if !f.q.Empty() {
		t.Errorf("terminated thread still queued")
	}
}

func TestTransfer(t *testing.T) {
	f := newFixture(ktime.RealClock{})
	var to Queue
	to.Init(f.owner, f.threads)
	th := f.spawn(t, 100)
	w := f.enqueue(th)
	f.owner.Lock()
	f.q.Transfer(w, &to)
	if !f.q.Empty() || to.Len() != 1 || to.Front() != w {
		t.Errorf("Transfer did not move the waiter")
	}
	f.owner.Unlock()

	// Abandon now goes through the destination queue.
	if !w.Abandon(lv2err.ECANCELED) {
		t.Fatalf("Abandon after Transfer failed")
	}
	f.owner.Lock()
	defer f.owner.Unlock()
	if !to.Empty() {
		t.Errorf("abandoned waiter still in destination queue")
	}
}

func TestCompleteTwicePanics(t *testing.T) {
	f := newFixture(ktime.RealClock{})
	w := NewWaiter(f.spawn(t, 100))
	w.Complete(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("second Complete did not panic")
		}
	}()
	w.Complete(nil)
}
