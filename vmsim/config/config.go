// Copyright 2020 The gVisor Authors.
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
// for vmsim. Each setting is a flag; settings may also be read from a TOML
// file named by --config, with flags given on the command line taking
// precedence over the file.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/refs"
	"regionmm.dev/regionmm/pkg/sentry/mm"
)

// MaxFrames bounds Config.Frames; the arena backing the frames is mapped up
// front.
const MaxFrames = 1 << 20

// Config holds configuration that is not part of the simulated workload.
type Config struct {
	// ConfigFile is the path of a TOML file overlaying the flag defaults.
	ConfigFile string `flag:"config" toml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode"`

	// Frames is the number of physical page frames in the simulated machine,
	// including the shared zero page.
	Frames uint `flag:"frames" toml:"frames"`

	// UserBase and UserSize bound each simulated address space.
	UserBase uint64 `flag:"user-base" toml:"user_base"`
	UserSize uint64 `flag:"user-size" toml:"user_size"`

	// KernelBase and KernelSize bound the kernel page directory.
	KernelBase uint64 `flag:"kernel-base" toml:"kernel_base"`
	KernelSize uint64 `flag:"kernel-size" toml:"kernel_size"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with configuration settings. Flags set on the command line override the file.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	leak := refs.NoLeakChecking
	flagSet.Var(&leak, "ref-leak-mode", "sets reference leak check mode: disabled (default), log, panic.")

	// Simulated machine layout.
	flagSet.Uint("frames", 1024, "number of physical page frames, including the shared zero page.")
	flagSet.Uint64("user-base", uint64(mm.DefaultUserBase), "first address available to user address spaces.")
	flagSet.Uint64("user-size", mm.DefaultUserSize, "size in bytes of each user address space.")
	flagSet.Uint64("kernel-base", uint64(mm.DefaultKernelBase), "first address of the kernel page directory.")
	flagSet.Uint64("kernel-size", mm.DefaultKernelSize, "size in bytes of the kernel page directory.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set and, if --config is set, the named TOML file. Flags explicitly set in
// flagSet take precedence over the file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.setFlags(flagSet, func(cb func(*flag.Flag)) { flagSet.VisitAll(cb) }); err != nil {
		return nil, err
	}
	if conf.ConfigFile != "" {
		if err := conf.overlayFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		if err := conf.setFlags(flagSet, func(cb func(*flag.Flag)) { flagSet.Visit(cb) }); err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFlags copies the value of every flag yielded by visit into the field
// tagged with its name.
func (c *Config) setFlags(flagSet *flag.FlagSet, visit func(func(*flag.Flag))) error {
	fields := make(map[string]int)
	st := reflect.TypeOf(c).Elem()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			if flagSet.Lookup(name) == nil {
				panic(fmt.Sprintf("Flag %q not found", name))
			}
			fields[name] = i
		}
	}

	obj := reflect.ValueOf(c).Elem()
	var err error
	visit(func(fl *flag.Flag) {
		i, ok := fields[fl.Name]
		if !ok || err != nil {
			return
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			err = fmt.Errorf("flag %q does not implement flag.Getter", fl.Name)
			return
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	})
	return err
}

// overlayFile decodes the TOML file at path into c. Keys that do not name a
// setting are rejected.
func (c *Config) overlayFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("error reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown settings in config file %q: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks that every setting holds a usable value. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs *multierror.Error
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat))
	}
	if c.Frames < 2 || c.Frames > MaxFrames {
		errs = multierror.Append(errs, fmt.Errorf("frames must be between 2 and %d, got %d", MaxFrames, c.Frames))
	}
	user, err := layoutRange("user", c.UserBase, c.UserSize)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	kernel, kerr := layoutRange("kernel", c.KernelBase, c.KernelSize)
	if kerr != nil {
		errs = multierror.Append(errs, kerr)
	}
	if err == nil && kerr == nil && user.Overlaps(kernel) {
		errs = multierror.Append(errs, fmt.Errorf("user range %v overlaps kernel range %v", user, kernel))
	}
	return errs.ErrorOrNil()
}

func layoutRange(name string, base, size uint64) (hostarch.AddrRange, error) {
	if base%hostarch.PageSize != 0 || size%hostarch.PageSize != 0 {
		return hostarch.AddrRange{}, fmt.Errorf("%s range base %#x and size %#x must be page-aligned", name, base, size)
	}
	if size == 0 {
		return hostarch.AddrRange{}, fmt.Errorf("%s range must not be empty", name)
	}
	ar, ok := hostarch.PageRange(hostarch.Addr(base), size)
	if !ok {
		return hostarch.AddrRange{}, fmt.Errorf("%s range base %#x size %#x overflows", name, base, size)
	}
	return ar, nil
}

// ManagerOpts returns the memory layout described by c.
func (c *Config) ManagerOpts() mm.ManagerOpts {
	return mm.ManagerOpts{
		UserBase:   hostarch.Addr(c.UserBase),
		UserSize:   c.UserSize,
		KernelBase: hostarch.Addr(c.KernelBase),
		KernelSize: c.KernelSize,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Frames: %d", c.Frames)
	log.Infof("Config.User: %#x+%#x", c.UserBase, c.UserSize)
	log.Infof("Config.Kernel: %#x+%#x", c.KernelBase, c.KernelSize)
	log.Infof("Config.ReferenceLeak: %v", c.ReferenceLeak)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
}
