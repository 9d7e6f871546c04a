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

package ktime

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// ManualClock is a Clock that only advances when Advance is called. Timers
// fire in deadline order, ties in the order they were armed.
type ManualClock struct {
	// mu protects the fields below.
	mu sync.Mutex

	now time.Time

	// seq orders timers armed for the same deadline.
	seq uint64

	// timers holds armed timers ordered by deadline.
	timers *btree.BTreeG[*manualTimer]
}

type manualTimer struct {
	clock *ManualClock
	when  time.Time
	seq   uint64
	f     func()
}

func timerLess(a, b *manualTimer) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.seq < b.seq
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	return &ManualClock{
		now:    time.Unix(0, 0),
		timers: btree.NewG[*manualTimer](2, timerLess),
	}
}

var _ Clock = (*ManualClock)(nil)

// Now implements Clock.Now.
func (mc *ManualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

// AfterFunc implements Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.seq++
	t := &manualTimer{
		clock: mc,
		when:  mc.now.Add(d),
		seq:   mc.seq,
		f:     f,
	}
	mc.timers.ReplaceOrInsert(t)
	return t
}

// Stop implements Timer.Stop.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	_, ok := t.clock.timers.Delete(t)
	return ok
}

// Pending returns the number of armed timers. Tests use it to learn that a
// guest thread has reached its timed wait.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.timers.Len()
}

// Advance moves the clock forward by d and runs every timer that expires on
// the way, in deadline order. Each timer function runs to completion before
// the next one starts.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for {
		t, ok := mc.timers.Min()
		if !ok || t.when.After(until) {
			break
		}
		mc.timers.DeleteMin()
		mc.now = t.when
		mc.mu.Unlock()
		t.f()
		mc.mu.Lock()
	}
	mc.now = until
	mc.mu.Unlock()
}
