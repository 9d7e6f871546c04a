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

// Package ktime provides the time base used by blocking guest operations.
package ktime

import (
	"time"
)

// Ticks is a guest timeout in microseconds. Zero means wait forever.
type Ticks uint64

// Infinite is the timeout that never expires.
const Infinite Ticks = 0

// Duration converts t to a host duration. It must not be called on Infinite.
func (t Ticks) Duration() time.Duration {
	return time.Duration(t) * time.Microsecond
}

// FromDuration converts a host duration to ticks, rounding up so that a
// positive duration never becomes Infinite.
func FromDuration(d time.Duration) Ticks {
	if d <= 0 {
		return Infinite
	}
	return Ticks((d + time.Microsecond - 1) / time.Microsecond)
}

// Timer is a pending call scheduled by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the call from running. It returns false if the call has
	// already run or the timer was already stopped.
	Stop() bool
}

// Clock is the time source for timeouts.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is a Clock backed by the host's clock.
type RealClock struct{}

var _ Clock = RealClock{}

// Now implements Clock.Now.
func (RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Clock.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
