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
	"os"

	"github.com/google/subcommands"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/sentry/inode"
	"regionmm.dev/regionmm/pkg/sentry/mm"
	"regionmm.dev/regionmm/vmsim/config"
)

// MapFile implements subcommands.Command for the "map-file" command.
type MapFile struct {
	offset uint64
	length uint64
	shared bool
	write  string
	dump   int
}

// Name implements subcommands.Command.Name.
func (*MapFile) Name() string {
	return "map-file"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MapFile) Synopsis() string {
	return "map a host file into an address space and read it through page faults"
}

// Usage implements subcommands.Command.Usage.
func (*MapFile) Usage() string {
	return `map-file [flags] <path> - map <path>, optionally write to the mapping, and print its contents and layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MapFile) SetFlags(fs *flag.FlagSet) {
	fs.Uint64Var(&m.offset, "offset", 0, "page-aligned file offset at which the mapping starts.")
	fs.Uint64Var(&m.length, "length", 0, "length of the mapping in bytes. Zero maps to the end of the file.")
	fs.BoolVar(&m.shared, "shared", false, "create a shared mapping instead of a private one.")
	fs.StringVar(&m.write, "write", "", "string written at the start of the mapping before it is dumped. Makes the mapping writable.")
	fs.IntVar(&m.dump, "dump", 64, "number of bytes to print from the start of the mapping.")
}

// Execute implements subcommands.Command.Execute.
func (m *MapFile) Execute(ctx context.Context, fs *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if fs.NArg() != 1 {
		fs.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ino, err := inode.OpenHost(fs.Arg(0))
	if err != nil {
		return Errorf("%v", err)
	}
	defer ino.Close()

	mgr, err := newManager(ctx, conf)
	if err != nil {
		return Errorf("%v", err)
	}
	as := mgr.NewAddressSpace()
	defer as.Release(ctx)

	access := hostarch.Read
	if m.write != "" {
		access = hostarch.ReadWrite
	}
	r, err := as.AllocateFileBackedRegion(ctx, ino, m.offset, mm.AllocateOpts{
		RegionOpts: mm.RegionOpts{Access: access, Shared: m.shared, Mmap: true},
		Length:     m.length,
	})
	if err != nil {
		return Errorf("mapping %s: %v", ino, err)
	}
	log.Infof("Mapped %s at %v", ino, r)

	if m.write != "" {
		if err := as.CopyOut(ctx, r.Base(), []byte(m.write)); err != nil {
			return Errorf("writing to %v: %v", r, err)
		}
	}
	buf := make([]byte, min(uint64(max(m.dump, 0)), r.Size()))
	if err := as.CopyIn(ctx, r.Base(), buf); err != nil {
		return Errorf("reading %v: %v", r, err)
	}

	fmt.Fprintf(os.Stdout, "%q\n", buf)
	os.Stdout.WriteString(as.MapsReport())
	return subcommands.ExitSuccess
}
