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

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"regionmm.dev/regionmm/pkg/sentry/mm"
	"regionmm.dev/regionmm/vmsim/config"
)

// Fork implements subcommands.Command for the "fork" command.
type Fork struct {
	pages int
	smaps bool
	stats bool
}

// Name implements subcommands.Command.Name.
func (*Fork) Name() string {
	return "fork"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fork) Synopsis() string {
	return "fork an address space and show copy-on-write state"
}

// Usage implements subcommands.Command.Usage.
func (*Fork) Usage() string {
	return `fork [flags] - populate a heap, fork, write from the child, and print both address spaces.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (f *Fork) SetFlags(fs *flag.FlagSet) {
	fs.IntVar(&f.pages, "pages", 4, "number of heap pages to populate before forking.")
	fs.BoolVar(&f.smaps, "smaps", false, "print per-region memory accounting instead of the mapping list.")
	fs.BoolVar(&f.stats, "stats", false, "also print every live region of the memory manager as YAML.")
}

// Execute implements subcommands.Command.Execute.
func (f *Fork) Execute(ctx context.Context, fs *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		fs.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	mgr, err := newManager(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	s, err := runForkScenario(ctx, mgr, f.pages)
	if err != nil {
		return Errorf("fork scenario failed: %v", err)
	}
	defer s.release(ctx)

	writeAddressSpace(os.Stdout, "parent", s.parent, f.smaps)
	writeAddressSpace(os.Stdout, "child", s.child, f.smaps)
	if f.stats {
		if err := writeStats(os.Stdout, mgr); err != nil {
			return Errorf("writing stats: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

func writeAddressSpace(w io.Writer, name string, as *mm.AddressSpace, smaps bool) {
	u := as.Usage()
	fmt.Fprintf(w, "%s: virtual %d resident %d shared %d dirty %d\n", name, u.Virtual, u.Resident, u.Shared, u.Dirty)
	if smaps {
		io.WriteString(w, as.SmapsReport())
	} else {
		io.WriteString(w, as.MapsReport())
	}
}

// regionStat is the YAML form of mm.RegionStat.
type regionStat struct {
	Name     string `yaml:"name,omitempty"`
	Range    string `yaml:"range"`
	Access   string `yaml:"access"`
	Resident uint64 `yaml:"resident"`
	Dirty    uint64 `yaml:"dirty"`
	Shared   uint64 `yaml:"shared"`
	COWPages int    `yaml:"cow_pages"`
}

func writeStats(w io.Writer, mgr *mm.Manager) error {
	var regions []regionStat
	for _, s := range mgr.Stats() {
		regions = append(regions, regionStat{
			Name:     s.Name,
			Range:    s.Range.String(),
			Access:   s.Access,
			Resident: s.Resident,
			Dirty:    s.Dirty,
			Shared:   s.Shared,
			COWPages: s.COWPages,
		})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string][]regionStat{"regions": regions}); err != nil {
		return err
	}
	return enc.Close()
}
