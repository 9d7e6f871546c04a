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

package thread

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
)

func TestSpawn(t *testing.T) {
	tt := NewTable(ktime.RealClock{})
	a, err := tt.Spawn("a", 1000)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	b, err := tt.Spawn("b", 1000)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if a.ID() != FirstID || b.ID() != FirstID+1 {
		t.Errorf("IDs = %#x, %#x; want %#x, %#x", a.ID(), b.ID(), FirstID, FirstID+1)
	}
	if _, err := tt.Spawn("bad", 3072); err != lv2err.EINVAL {
		t.Errorf("Spawn with priority 3072 = %v, want EINVAL", err)
	}
	if err := a.SetPriority(-1); err != lv2err.EINVAL {
		t.Errorf("SetPriority(-1) = %v, want EINVAL", err)
	}
	if err := a.SetPriority(5); err != nil {
		t.Fatalf("SetPriority(5) failed: %v", err)
	}
	if got := tt.Priority(a.ID()); got != 5 {
		t.Errorf("Priority = %d, want 5", got)
	}
	if got := tt.Priority(None); got <= 3071 {
		t.Errorf("Priority of unknown thread = %d, want below every live thread", got)
	}
}

func TestRestore(t *testing.T) {
	tt := NewTable(ktime.RealClock{})
	if _, err := tt.Restore(FirstID+7, "r", 10); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if _, err := tt.Restore(FirstID+7, "r", 10); err != lv2err.EEXIST {
		t.Errorf("duplicate Restore = %v, want EEXIST", err)
	}
	n, err := tt.Spawn("n", 10)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if n.ID() != FirstID+8 {
		t.Errorf("Spawn after Restore got ID %#x, want %#x", n.ID(), FirstID+8)
	}
}

func TestBlockWakes(t *testing.T) {
	tt := NewTable(ktime.RealClock{})
	th, _ := tt.Spawn("w", 100)
	c := make(chan struct{}, 1)
	c <- struct{}{}
	if err := th.Block(c, ktime.Infinite); err != nil {
		t.Errorf("Block = %v, want nil", err)
	}
}

// waitArmed waits until a timeout is armed on mc.
func waitArmed(t *testing.T, mc *ktime.ManualClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	err := backoff.Retry(func() error {
		if mc.Pending() == 0 {
			return fmt.Errorf("no timeout armed")
		}
		return nil
	}, b)
	if err != nil {
		t.Fatal(err)
	}
}

func TestBlockTimeout(t *testing.T) {
	mc := ktime.NewManualClock()
	tt := NewTable(mc)
	th, _ := tt.Spawn("w", 100)
	done := make(chan error)
	go func() {
		done <- th.Block(make(chan struct{}), 1000)
	}()
	waitArmed(t, mc)
	mc.Advance(999 * time.Microsecond)
	select {
	case err := <-done:
		t.Fatalf("Block returned early: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	mc.Advance(time.Microsecond)
	if err := <-done; err != lv2err.ETIMEDOUT {
		t.Errorf("Block = %v, want ETIMEDOUT", err)
	}
}

type recordingWaiter struct {
	got chan error
}

func (r *recordingWaiter) Abandon(err error) bool {
	r.got <- err
	return true
}

func TestTerminate(t *testing.T) {
	tt := NewTable(ktime.RealClock{})
	th, _ := tt.Spawn("w", 100)
	rw := &recordingWaiter{got: make(chan error, 1)}
	th.SetWaiter(rw)
	done := make(chan error)
	go func() {
		done <- th.Block(make(chan struct{}), ktime.Infinite)
	}()
	if err := tt.Terminate(th.ID()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if err := <-rw.got; err != lv2err.ECANCELED {
		t.Errorf("Abandon called with %v, want ECANCELED", err)
	}
	if err := <-done; err != lv2err.ECANCELED {
		t.Errorf("Block = %v, want ECANCELED", err)
	}
	if !th.Cancelled() {
		t.Errorf("Cancelled() = false after Terminate")
	}
	if tt.Get(th.ID()) != nil {
		t.Errorf("terminated thread still in table")
	}
	if err := tt.Terminate(th.ID()); err != lv2err.ESRCH {
		t.Errorf("second Terminate = %v, want ESRCH", err)
	}
}
