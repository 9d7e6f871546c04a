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
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/errors/lv2err"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/kernel"
	"lv2sync.dev/lv2sync/pkg/lv2/lwsync"
	"lv2sync.dev/lv2sync/pkg/lv2/thread"
	"lv2sync.dev/lv2sync/syncctl/config"
)

// stressResult counts what a workload did.
type stressResult struct {
	ops      atomic.Int64
	timeouts atomic.Int64
}

// stressor runs one workload to completion.
type stressor func(k *kernel.Kernel, conf *config.Config, res *stressResult) error

var stressors = map[string]stressor{
	"mutex":     stressMutex,
	"rwlock":    stressRWLock,
	"semaphore": stressSemaphore,
	"lwmutex":   stressLWMutex,
}

const defaultWorkloads = "mutex,rwlock,semaphore,lwmutex"

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workloads string
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer primitives from many guest threads and check their guarantees"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-workloads=mutex,rwlock,semaphore,lwmutex] - runs the workloads with
--threads guest threads doing --iterations operations each.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.workloads, "workloads", defaultWorkloads, "comma-separated list of workloads to run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	k := kernel.New(conf.KernelOptions())
	defer k.Shutdown()
	if err := runStress(k, conf, strings.Split(s.workloads, ","), os.Stdout); err != nil {
		return Failure(err)
	}
	return subcommands.ExitSuccess
}

// runStress runs the named workloads one after another.
func runStress(k *kernel.Kernel, conf *config.Config, names []string, out io.Writer) error {
	for _, name := range names {
		run, ok := stressors[name]
		if !ok {
			return fmt.Errorf("unknown workload %q", name)
		}
		var res stressResult
		start := time.Now()
		if err := run(k, conf, &res); err != nil {
			return fmt.Errorf("workload %s: %w", name, err)
		}
		elapsed := time.Since(start)
		log.Infof("Workload %s done in %v", name, elapsed)
		fmt.Fprintf(out, "%-10s %8d ops %6d timeouts %v\n", name, res.ops.Load(), res.timeouts.Load(), elapsed.Round(time.Millisecond))
	}
	return nil
}

// loop runs body on every thread until each has completed conf.Iterations
// operations. acquire returning ETIMEDOUT is counted and retried.
func loop(ts []*thread.Thread, conf *config.Config, res *stressResult, acquire func(i int, t *thread.Thread) error, body func(i int, t *thread.Thread) error) error {
	var g errgroup.Group
	for i, t := range ts {
		g.Go(func() error {
			for n := 0; n < conf.Iterations; {
				switch err := acquire(i, t); err {
				case nil:
				case lv2err.ETIMEDOUT:
					res.timeouts.Add(1)
					continue
				default:
					return fmt.Errorf("%v: %w", t, err)
				}
				if err := body(i, t); err != nil {
					return fmt.Errorf("%v: %w", t, err)
				}
				res.ops.Add(1)
				n++
			}
			return nil
		})
	}
	return g.Wait()
}

func stressMutex(k *kernel.Kernel, conf *config.Config, res *stressResult) error {
	h, err := k.MutexCreate(&lv2.MutexAttr{
		Protocol:  uint32(conf.Protocol),
		Recursive: lv2.SYS_SYNC_NOT_RECURSIVE,
		Name:      lv2.MakeName("stress"),
	})
	if err != nil {
		return err
	}
	ts, err := spawn(k, "mutex", conf.Threads)
	if err != nil {
		return err
	}
	var inside atomic.Int32
	err = loop(ts, conf, res, func(_ int, t *thread.Thread) error {
		return k.MutexLock(t, h, conf.WaitTimeout())
	}, func(_ int, t *thread.Thread) error {
		if n := inside.Add(1); n != 1 {
			return fmt.Errorf("%d threads own the mutex", n)
		}
		inside.Add(-1)
		return k.MutexUnlock(t, h)
	})
	if err != nil {
		return err
	}
	return k.MutexDestroy(h)
}

func stressRWLock(k *kernel.Kernel, conf *config.Config, res *stressResult) error {
	h, err := k.RWLockCreate(&lv2.RWLockAttr{
		Protocol: uint32(conf.Protocol),
		Name:     lv2.MakeName("stress"),
	})
	if err != nil {
		return err
	}
	ts, err := spawn(k, "rwlock", conf.Threads)
	if err != nil {
		return err
	}
	// Every fourth thread writes.
	writer := func(i int) bool { return i%4 == 0 }
	var readers, writers atomic.Int32
	err = loop(ts, conf, res, func(i int, t *thread.Thread) error {
		if writer(i) {
			return k.RWLockWLock(t, h, conf.WaitTimeout())
		}
		return k.RWLockRLock(t, h, conf.WaitTimeout())
	}, func(i int, t *thread.Thread) error {
		if writer(i) {
			if w := writers.Add(1); w != 1 || readers.Load() != 0 {
				return fmt.Errorf("writer inside with %d writers and %d readers", w, readers.Load())
			}
			writers.Add(-1)
			return k.RWLockWUnlock(t, h)
		}
		readers.Add(1)
		if w := writers.Load(); w != 0 {
			return fmt.Errorf("reader inside with %d writers", w)
		}
		readers.Add(-1)
		return k.RWLockRUnlock(h)
	})
	if err != nil {
		return err
	}
	return k.RWLockDestroy(h)
}

func stressSemaphore(k *kernel.Kernel, conf *config.Config, res *stressResult) error {
	bound := int32(max(1, conf.Threads/2))
	h, err := k.SemaphoreCreate(&lv2.SemaphoreAttr{
		Protocol: uint32(conf.Protocol),
		Name:     lv2.MakeName("stress"),
	}, bound, bound)
	if err != nil {
		return err
	}
	ts, err := spawn(k, "sema", conf.Threads)
	if err != nil {
		return err
	}
	var inside atomic.Int32
	err = loop(ts, conf, res, func(_ int, t *thread.Thread) error {
		return k.SemaphoreWait(t, h, conf.WaitTimeout())
	}, func(int, *thread.Thread) error {
		if n := inside.Add(1); n > bound {
			return fmt.Errorf("%d threads inside a semaphore of %d", n, bound)
		}
		inside.Add(-1)
		return k.SemaphorePost(h, 1)
	})
	if err != nil {
		return err
	}
	if v, err := k.SemaphoreGetValue(h); err != nil || v != bound {
		return fmt.Errorf("semaphore value %d (%v) after the run, want %d", v, err, bound)
	}
	return k.SemaphoreDestroy(h)
}

func stressLWMutex(k *kernel.Kernel, conf *config.Config, res *stressResult) error {
	m, err := lwsync.NewMutex(k, &lwsync.MutexAttr{
		Protocol:  uint32(conf.Protocol),
		Recursive: lv2.SYS_SYNC_NOT_RECURSIVE,
		Name:      lv2.MakeName("stress"),
	})
	if err != nil {
		return err
	}
	ts, err := spawn(k, "lwmutex", conf.Threads)
	if err != nil {
		return err
	}
	var inside atomic.Int32
	err = loop(ts, conf, res, func(_ int, t *thread.Thread) error {
		return m.Lock(t, conf.WaitTimeout())
	}, func(_ int, t *thread.Thread) error {
		if n := inside.Add(1); n != 1 {
			return fmt.Errorf("%d threads own the lightweight mutex", n)
		}
		inside.Add(-1)
		return m.Unlock(t)
	})
	if err != nil {
		return err
	}
	if c := m.Control(); c.Owner != lv2.LWMUTEX_FREE || c.Waiter != 0 {
		return fmt.Errorf("control block %+v after the run", c)
	}
	return m.Destroy(ts[0])
}
