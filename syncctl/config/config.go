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

// Package config provides basic infrastructure to set configuration settings
// for syncctl. Each setting has a command line flag and an optional entry in a
// TOML file; flags given on the command line take precedence over the file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"lv2sync.dev/lv2sync/pkg/abi/lv2"
	"lv2sync.dev/lv2sync/pkg/ktime"
	"lv2sync.dev/lv2sync/pkg/log"
	"lv2sync.dev/lv2sync/pkg/lv2/kernel"
)

// Config holds configuration that is not part of a single command.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and, if it may come from the
//     configuration file, a toml tag with the key name.
//  3. Register a new flag in flags.go, with name and description.
type Config struct {
	// ConfigFile is the TOML file read for defaults.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// DebugLog is the path where logs are also written. %COMMAND% and
	// %TIMESTAMP% are expanded.
	DebugLog string `flag:"debug-log" toml:"debug-log"`

	// MaxObjects is the number of live handles allowed per primitive kind.
	// Zero selects the kernel default.
	MaxObjects int `flag:"max-objects" toml:"max-objects"`

	// Threads is the number of guest threads used by workloads.
	Threads int `flag:"threads" toml:"threads"`

	// Iterations is the number of operations each guest thread performs.
	Iterations int `flag:"iterations" toml:"iterations"`

	// Protocol is the wake order used for primitives created by workloads.
	Protocol Protocol `flag:"protocol" toml:"protocol"`

	// Timeout bounds each blocking operation of a workload. Zero waits
	// forever.
	Timeout time.Duration `flag:"timeout" toml:"timeout"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if c.MaxObjects < 0 {
		return fmt.Errorf("max-objects must not be negative: %d", c.MaxObjects)
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1: %d", c.Threads)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1: %d", c.Iterations)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: %v", c.Timeout)
	}
	return nil
}

// KernelOptions returns the kernel options selected by c.
func (c *Config) KernelOptions() kernel.Options {
	return kernel.Options{MaxObjects: c.MaxObjects}
}

// WaitTimeout returns Timeout in guest ticks.
func (c *Config) WaitTimeout() ktime.Ticks {
	return ktime.FromDuration(c.Timeout)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %v", name, obj.Field(i).Interface())
	}
}

// LoadFile reads a configuration file. Keys that are not settings are an
// error. The returned metadata tells which keys the file defined.
func LoadFile(path string) (*Config, toml.MetaData, error) {
	conf := &Config{}
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, md, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, md, fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
	}
	return conf, md, nil
}

// Protocol is a wake order for the primitives a workload creates.
type Protocol uint32

func protocolPtr(p Protocol) *Protocol {
	return &p
}

// Set implements flag.Value and flag.Value.Set.
func (p *Protocol) Set(v string) error {
	switch v {
	case "fifo":
		*p = lv2.SYS_SYNC_FIFO
	case "priority":
		*p = lv2.SYS_SYNC_PRIORITY
	default:
		return fmt.Errorf("invalid protocol %q, must be 'fifo' or 'priority'", v)
	}
	return nil
}

// Get implements flag.Getter.
func (p *Protocol) Get() any {
	return *p
}

// String implements flag.Value.
func (p Protocol) String() string {
	switch p {
	case lv2.SYS_SYNC_FIFO:
		return "fifo"
	case lv2.SYS_SYNC_PRIORITY:
		return "priority"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(p))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for the configuration
// file.
func (p *Protocol) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}
