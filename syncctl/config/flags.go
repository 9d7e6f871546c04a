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
	"fmt"
	"reflect"

	"lv2sync.dev/lv2sync/pkg/abi/lv2"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with default values for the flags below.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%.")

	// Kernel flags.
	flagSet.Int("max-objects", 0, "number of live handles allowed per primitive kind. 0 selects the default.")

	// Workload flags.
	flagSet.Int("threads", 4, "number of guest threads used by workloads.")
	flagSet.Int("iterations", 1000, "number of operations each guest thread performs.")
	flagSet.Var(protocolPtr(lv2.SYS_SYNC_FIFO), "protocol", "wake order of the primitives a workload creates: fifo (default), priority.")
	flagSet.Duration("timeout", 0, "timeout of each blocking operation, e.g. \"100ms\". 0 waits forever.")
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, for flags that were not given, from the configuration file named by
// the "config" flag.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}

	if conf.ConfigFile != "" {
		if err := conf.merge(flagSet, conf.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// merge copies the settings defined in the file at path, except those given
// explicitly on the command line.
func (c *Config) merge(flagSet *flag.FlagSet, path string) error {
	file, md, err := LoadFile(path)
	if err != nil {
		return err
	}
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	obj := reflect.ValueOf(c).Elem()
	src := reflect.ValueOf(file).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		key, ok := f.Tag.Lookup("toml")
		if !ok || key == "-" || !md.IsDefined(key) {
			continue
		}
		if explicit[f.Tag.Get("flag")] {
			continue
		}
		obj.Field(i).Set(src.Field(i))
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to the flag default are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return fmt.Sprintf("%t", field.Bool())
	case reflect.Int:
		return fmt.Sprintf("%d", field.Int())
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
