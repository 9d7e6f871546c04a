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
	"sort"
	"strings"
	"time"

	"github.com/google/subcommands"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/lv2/kernel"
	"lv2sync.dev/lv2sync/syncctl/config"
)

// scenarios are the reference interleavings, by name.
var scenarios = map[string]func(k *kernel.Kernel, out io.Writer) error{
	"a": scenarioA,
	"b": scenarioB,
	"c": scenarioC,
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct{}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run a reference interleaving of two guest threads"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario <a|b|c> - runs a reference interleaving and prints each step.

  a: mutex handoff from T1 to a blocked T2.
  b: semaphore post wakes T1 before its timeout.
  c: reader blocked by a writer runs once the writer unlocks.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Scenario) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	name := strings.ToLower(f.Arg(0))
	run, ok := scenarios[name]
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k := kernel.New(conf.KernelOptions())
	defer k.Shutdown()
	if err := run(k, os.Stdout); err != nil {
		return Failure(fmt.Errorf("scenario %s: %w", name, err))
	}
	return subcommands.ExitSuccess
}

// scenarioNames returns the known scenarios in order.
func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// expect checks the status of a step and prints it.
func expect(out io.Writer, step string, got, want error) error {
	fmt.Fprintf(out, "%-24s %v\n", step, lv2err.ToErrno(got))
	if got != want {
		if got == nil {
			return fmt.Errorf("%s succeeded, want %v", step, want)
		}
		return fmt.Errorf("%s returned %w, want %v", step, got, want)
	}
	return nil
}

func scenarioA(k *kernel.Kernel, out io.Writer) error {
	ts, err := spawn(k, "T", 2)
	if err != nil {
		return err
	}
	t1, t2 := ts[0], ts[1]
	m, err := k.MutexCreate(&lv2.MutexAttr{
		Protocol:  lv2.SYS_SYNC_FIFO,
		Recursive: lv2.SYS_SYNC_NOT_RECURSIVE,
		Name:      lv2.MakeName("scen_a"),
	})
	if err != nil {
		return fmt.Errorf("creating mutex: %w", err)
	}

	if err := expect(out, "T1 lock", k.MutexLock(t1, m, ktime.Infinite), nil); err != nil {
		return err
	}
	locked := async(func() error { return k.MutexLock(t2, m, ktime.Infinite) })
	if err := waitQueued(t2); err != nil {
		return err
	}
	fmt.Fprintf(out, "%-24s\n", "T2 lock blocks")
	if err := expect(out, "T1 unlock", k.MutexUnlock(t1, m), nil); err != nil {
		return err
	}
	if err := expect(out, "T2 lock returns", await(locked), nil); err != nil {
		return err
	}
	owner, err := k.MutexOwner(m)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%-24s %v\n", "owner", k.Threads().Get(owner))
	if owner != t2.ID() {
		return fmt.Errorf("owner is %#x, want T2", owner)
	}
	return nil
}

func scenarioB(k *kernel.Kernel, out io.Writer) error {
	const (
		timeout = 100 * time.Millisecond
		postAt  = 50 * time.Millisecond
	)
	ts, err := spawn(k, "T", 2)
	if err != nil {
		return err
	}
	t1 := ts[0]
	s, err := k.SemaphoreCreate(&lv2.SemaphoreAttr{
		Protocol: lv2.SYS_SYNC_FIFO,
		Name:     lv2.MakeName("scen_b"),
	}, 0, 1)
	if err != nil {
		return fmt.Errorf("creating semaphore: %w", err)
	}

	start := time.Now()
	waited := async(func() error { return k.SemaphoreWait(t1, s, ktime.FromDuration(timeout)) })
	if err := waitQueued(t1); err != nil {
		return err
	}
	fmt.Fprintf(out, "%-24s\n", "T1 wait blocks")
	time.Sleep(postAt - time.Since(start))
	if err := expect(out, "T2 post(1)", k.SemaphorePost(s, 1), nil); err != nil {
		return err
	}
	if err := expect(out, "T1 wait returns", await(waited), nil); err != nil {
		return err
	}
	elapsed := time.Since(start)
	fmt.Fprintf(out, "%-24s %v\n", "elapsed", elapsed.Round(time.Millisecond))
	if elapsed >= timeout {
		return fmt.Errorf("wait returned after %v, past its %v timeout", elapsed, timeout)
	}
	return nil
}

func scenarioC(k *kernel.Kernel, out io.Writer) error {
	ts, err := spawn(k, "T", 2)
	if err != nil {
		return err
	}
	t1, t2 := ts[0], ts[1]
	rw, err := k.RWLockCreate(&lv2.RWLockAttr{
		Protocol: lv2.SYS_SYNC_FIFO,
		Name:     lv2.MakeName("scen_c"),
	})
	if err != nil {
		return fmt.Errorf("creating rwlock: %w", err)
	}

	if err := expect(out, "T1 wlock", k.RWLockWLock(t1, rw, ktime.Infinite), nil); err != nil {
		return err
	}
	read := async(func() error { return k.RWLockRLock(t2, rw, ktime.Infinite) })
	if err := waitQueued(t2); err != nil {
		return err
	}
	fmt.Fprintf(out, "%-24s\n", "T2 rlock blocks")
	if err := expect(out, "T1 wunlock", k.RWLockWUnlock(t1, rw), nil); err != nil {
		return err
	}
	if err := expect(out, "T2 rlock returns", await(read), nil); err != nil {
		return err
	}
	return expect(out, "T2 runlock", k.RWLockRUnlock(rw), nil)
}
