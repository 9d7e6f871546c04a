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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return NewFromFlags(flagSet)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncctl.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := &Config{
		LogFormat:  "text",
		Threads:    4,
		Iterations: 1000,
		Protocol:   lv2.SYS_SYNC_FIFO,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
	if flags := c.ToFlags(); len(flags) != 0 {
		t.Errorf("ToFlags() of the default config = %v, want none", flags)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := parse(t, "--debug", "--protocol=priority", "--threads=9", "--timeout=250ms")
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	if !c.Debug || c.Protocol != lv2.SYS_SYNC_PRIORITY || c.Threads != 9 || c.Timeout != 250*time.Millisecond {
		t.Errorf("flags not applied: %+v", c)
	}
	want := []string{"--debug=true", "--threads=9", "--protocol=priority", "--timeout=250ms"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
	if got, want := c.WaitTimeout(), uint64(250000); uint64(got) != want {
		t.Errorf("WaitTimeout() = %d, want %d", got, want)
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"log format", []string{"--log-format=xml"}},
		{"threads", []string{"--threads=0"}},
		{"iterations", []string{"--iterations=-1"}},
		{"max objects", []string{"--max-objects=-5"}},
		{"timeout", []string{"--timeout=-1s"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parse(t, tc.args...); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded", tc.args)
			}
		})
	}

	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := flagSet.Set("protocol", "retry"); err == nil {
		t.Errorf("protocol=retry accepted")
	}
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
debug = true
threads = 8
iterations = 20
protocol = "priority"
timeout = "1s"
`)
	c, err := parse(t, "--config="+path, "--threads=2")
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := &Config{
		ConfigFile: path,
		Debug:      true,
		LogFormat:  "text",
		Threads:    2,
		Iterations: 20,
		Protocol:   lv2.SYS_SYNC_PRIORITY,
		Timeout:    time.Second,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "threads = 2\ncolour = \"red\"\n", "unknown keys"},
		{"bad protocol", "protocol = \"lifo\"\n", "reading config file"},
		{"bad syntax", "threads = \n", "reading config file"},
		{"invalid value", "threads = 0\n", "threads must be at least 1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(t, "--config="+writeFile(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}
