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

// Package cmd holds implementations of the syncctl commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/kernel"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
)

// blockTimeout bounds how long a workload waits for a guest thread to go to
// sleep before reporting it as stuck.
const blockTimeout = 5 * time.Second

// Fatalf logs the error, writes it to stderr and exits.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "syncctl: "+format+"\n", args...)
	os.Exit(128)
}

// Errorf logs the error, writes it to stderr and returns a failure status for
// Execute to return.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "syncctl: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// Failure reports err like Errorf. If a guest call failed with a status, the
// command exits with the nearest host errno so that callers can tell a
// timeout from a deadlock.
func Failure(err error) subcommands.ExitStatus {
	status, ok := lv2err.Status(err)
	if !ok {
		return Errorf("%v", err)
	}
	host := lv2err.ToUnix(err)
	Errorf("%v [%v, %s]", err, status.Errno(), unix.ErrnoName(host))
	return subcommands.ExitStatus(host)
}

// async runs f on its own goroutine, standing in for a guest thread.
func async(f func() error) <-chan error {
	c := make(chan error, 1)
	go func() { c <- f() }()
	return c
}

// await waits for the outcome of an async call.
func await(c <-chan error) error {
	select {
	case err := <-c:
		return err
	case <-time.After(blockTimeout):
		return fmt.Errorf("call did not return within %v", blockTimeout)
	}
}

// poll calls cb until it succeeds or blockTimeout passes, returning the last
// error in the latter case.
func poll(cb func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), blockTimeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(time.Millisecond), ctx)
	return backoff.Retry(cb, b)
}

// waitQueued waits until t sleeps on some primitive.
func waitQueued(t *thread.Thread) error {
	return poll(func() error {
		if t.Waiter() == nil {
			return fmt.Errorf("%v never blocked", t)
		}
		return nil
	})
}

// spawn creates n guest threads named prefix1, prefix2 and so on.
func spawn(k *kernel.Kernel, prefix string, n int) ([]*thread.Thread, error) {
	ts := make([]*thread.Thread, 0, n)
	for i := 1; i <= n; i++ {
		t, err := k.SpawnThread(fmt.Sprintf("%s%d", prefix, i), 1000+int32(i))
		if err != nil {
			return nil, fmt.Errorf("spawning %s%d: %w", prefix, i, err)
		}
		ts = append(ts, t)
	}
	return ts, nil
}
