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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/idm"
	"lv2sync.dev/lv2sync/pkg/lv2/kernel"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
	"lv2sync.dev/lv2sync/syncctl/config"
)

// Snapshot implements subcommands.Command for the "snapshot" command.
type Snapshot struct {
	file string
	load bool
}

// Name implements subcommands.Command.Name.
func (*Snapshot) Name() string {
	return "snapshot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Snapshot) Synopsis() string {
	return "save a kernel with blocked threads to a file and restore it"
}

// Usage implements subcommands.Command.Usage.
func (*Snapshot) Usage() string {
	return `snapshot -file=<path> [-load] - without -load, blocks guest threads on a
mutex, an event flag and a semaphore, saves the kernel to <path>, restores it
from there and checks that every restored wait completes. With -load, restores
<path> and prints the restored state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Snapshot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.file, "file", "", "snapshot file to write or read.")
	f.BoolVar(&s.load, "load", false, "only restore and print the snapshot in -file.")
}

// Execute implements subcommands.Command.Execute.
func (s *Snapshot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.file == "" || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if s.load {
		k, snap, err := loadSnapshot(conf.KernelOptions(), s.file)
		if err != nil {
			return Failure(err)
		}
		defer k.Shutdown()
		if err := snap.Encode(os.Stdout); err != nil {
			return Failure(err)
		}
		return subcommands.ExitSuccess
	}
	if err := snapshotRoundTrip(conf.KernelOptions(), s.file, os.Stdout); err != nil {
		return Failure(err)
	}
	return subcommands.ExitSuccess
}

// loadSnapshot restores the kernel saved in path.
func loadSnapshot(opts kernel.Options, path string) (*kernel.Kernel, *kernel.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	snap, err := kernel.ReadSnapshot(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %q: %w", path, err)
	}
	k, err := kernel.Load(opts, snap)
	if err != nil {
		return nil, nil, fmt.Errorf("restoring %q: %w", path, err)
	}
	return k, snap, nil
}

// saveSnapshot writes the state of k to path.
func saveSnapshot(k *kernel.Kernel, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := k.Save().Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// demoHandles are the objects of the saved kernel.
type demoHandles struct {
	mutex, flag, sema idm.Handle
}

// snapshotRoundTrip saves a kernel with three blocked threads, restores it
// from path and completes each restored wait.
func snapshotRoundTrip(opts kernel.Options, path string, out io.Writer) error {
	k := kernel.New(opts)
	ts, err := spawn(k, "T", 4)
	if err != nil {
		k.Shutdown()
		return err
	}
	h, err := blockDemo(k, ts)
	if err != nil {
		k.Shutdown()
		return err
	}
	err = saveSnapshot(k, path)
	// The original waits end with ECANCELED.
	k.Shutdown()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %d threads to %s\n", len(ts), path)

	k, _, err = loadSnapshot(opts, path)
	if err != nil {
		return err
	}
	defer k.Shutdown()
	return resumeDemo(k, ts, h, out)
}

// blockDemo leaves ts[0] owning a mutex that ts[1] waits for, ts[2] waiting
// for an event flag bit and ts[3] waiting on an empty semaphore.
func blockDemo(k *kernel.Kernel, ts []*thread.Thread) (demoHandles, error) {
	var h demoHandles
	var err error
	if h.mutex, err = k.MutexCreate(&lv2.MutexAttr{
		Protocol:  lv2.SYS_SYNC_PRIORITY,
		Recursive: lv2.SYS_SYNC_RECURSIVE,
		Name:      lv2.MakeName("demo_mtx"),
	}); err != nil {
		return h, err
	}
	if h.flag, err = k.EventFlagCreate(&lv2.EventFlagAttr{
		Protocol: lv2.SYS_SYNC_FIFO,
		Type:     lv2.SYS_SYNC_WAITER_MULTIPLE,
		Name:     lv2.MakeName("demo_evf"),
	}, 0x10); err != nil {
		return h, err
	}
	if h.sema, err = k.SemaphoreCreate(&lv2.SemaphoreAttr{
		Protocol: lv2.SYS_SYNC_FIFO,
		Name:     lv2.MakeName("demo_sem"),
	}, 0, 4); err != nil {
		return h, err
	}

	if err := k.MutexLock(ts[0], h.mutex, ktime.Infinite); err != nil {
		return h, err
	}
	blocked := []func() error{
		func() error { return k.MutexLock(ts[1], h.mutex, ktime.Infinite) },
		func() error {
			_, err := k.EventFlagWait(ts[2], h.flag, 0x3, lv2.SYS_EVENT_FLAG_WAIT_OR|lv2.SYS_EVENT_FLAG_WAIT_CLEAR, ktime.Infinite)
			return err
		},
		func() error { return k.SemaphoreWait(ts[3], h.sema, ktime.Infinite) },
	}
	for i, f := range blocked {
		t := ts[i+1]
		go func() {
			err := f()
			log.Debugf("Original wait of %v ended: %v", t, err)
		}()
		if err := waitQueued(t); err != nil {
			return h, err
		}
	}
	return h, nil
}

// resumeDemo completes the waits blockDemo left, in a restored kernel.
func resumeDemo(k *kernel.Kernel, saved []*thread.Thread, h demoHandles, out io.Writer) error {
	ts := make([]*thread.Thread, len(saved))
	for i, t := range saved {
		if ts[i] = k.Threads().Get(t.ID()); ts[i] == nil {
			return fmt.Errorf("thread %v was not restored", t)
		}
	}
	type outcome struct {
		pattern uint64
		err     error
	}
	results := make([]chan outcome, len(ts))
	for i := 1; i < len(ts); i++ {
		results[i] = make(chan outcome, 1)
		go func() {
			p, err := k.Resume(ts[i])
			results[i] <- outcome{p, err}
		}()
	}
	wait := func(i int) (outcome, error) {
		select {
		case o := <-results[i]:
			return o, nil
		case <-time.After(blockTimeout):
			return outcome{}, fmt.Errorf("restored wait of %v did not complete", ts[i])
		}
	}

	if err := k.MutexUnlock(ts[0], h.mutex); err != nil {
		return fmt.Errorf("unlocking restored mutex: %w", err)
	}
	if err := k.EventFlagSet(h.flag, 0x2); err != nil {
		return fmt.Errorf("setting restored event flag: %w", err)
	}
	if err := k.SemaphorePost(h.sema, 1); err != nil {
		return fmt.Errorf("posting restored semaphore: %w", err)
	}
	for i := 1; i < len(ts); i++ {
		o, err := wait(i)
		if err != nil {
			return err
		}
		if o.err != nil {
			return fmt.Errorf("restored wait of %v: %w", ts[i], o.err)
		}
		fmt.Fprintf(out, "%v resumed: OK\n", ts[i])
		if i == 2 && o.pattern != 0x12 {
			return fmt.Errorf("restored event flag wait saw pattern %#x, want 0x12", o.pattern)
		}
	}
	owner, err := k.MutexOwner(h.mutex)
	if err != nil {
		return err
	}
	if owner != ts[1].ID() {
		return fmt.Errorf("restored mutex owned by %#x, want %v", uint32(owner), ts[1])
	}
	return nil
}
