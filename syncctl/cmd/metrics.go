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
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"lv2sync.dev/lv2sync/pkg/lv2/kernel"
	"lv2sync.dev/lv2sync/pkg/metric"
	"lv2sync.dev/lv2sync/syncctl/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	workloads string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run the scenarios and workloads and print kernel metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-workloads=...] - runs every scenario and the given stress workloads
quietly, then prints the kernel counters in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.workloads, "workloads", defaultWorkloads, "comma-separated list of stress workloads to run. Empty runs none.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if err := exerciseAll(conf, m.workloads); err != nil {
		return Failure(err)
	}
	if err := metric.WriteText(os.Stdout); err != nil {
		return Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// exerciseAll runs every scenario, each on a fresh kernel, and then the
// named workloads.
func exerciseAll(conf *config.Config, workloads string) error {
	for _, name := range scenarioNames() {
		k := kernel.New(conf.KernelOptions())
		err := scenarios[name](k, io.Discard)
		k.Shutdown()
		if err != nil {
			return err
		}
	}
	if workloads == "" {
		return nil
	}
	k := kernel.New(conf.KernelOptions())
	defer k.Shutdown()
	return runStress(k, conf, strings.Split(workloads, ","), io.Discard)
}
