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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTicks(t *testing.T) {
	if got := Ticks(1500).Duration(); got != 1500*time.Microsecond {
		t.Errorf("Ticks(1500).Duration() = %v", got)
	}
	for _, tc := range []struct {
		d    time.Duration
		want Ticks
	}{
		{0, Infinite},
		{-time.Second, Infinite},
		{time.Nanosecond, 1},
		{time.Millisecond, 1000},
		{1001 * time.Nanosecond, 2},
	} {
		if got := FromDuration(tc.d); got != tc.want {
			t.Errorf("FromDuration(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestManualClockOrder(t *testing.T) {
	mc := NewManualClock()
	var fired []string
	mc.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	mc.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	mc.AfterFunc(2*time.Second, func() { fired = append(fired, "c") })
	stopped := mc.AfterFunc(time.Second, func() { fired = append(fired, "stopped") })
	if !stopped.Stop() {
		t.Fatalf("Stop() = false on an armed timer")
	}
	if stopped.Stop() {
		t.Errorf("second Stop() = true")
	}
	if got := mc.Pending(); got != 3 {
		t.Errorf("Pending() = %d, want 3", got)
	}

	start := mc.Now()
	mc.Advance(1500 * time.Millisecond)
	if diff := cmp.Diff([]string{"a"}, fired); diff != "" {
		t.Errorf("fired mismatch (-want +got):\n%s", diff)
	}
	mc.Advance(time.Second)
	if diff := cmp.Diff([]string{"a", "b", "c"}, fired); diff != "" {
		t.Errorf("fired mismatch (-want +got):\n%s", diff)
	}
	if got := mc.Now().Sub(start); got != 2500*time.Millisecond {
		t.Errorf("clock advanced by %v, want 2.5s", got)
	}
}
