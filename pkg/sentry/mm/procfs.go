// Copyright 2018 The gVisor Authors.
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

package mm

import (
	"fmt"
	"strings"

	"github.com/valyala/bytebufferpool"
	"regionmm.dev/regionmm/pkg/hostarch"
)

// MapsReport returns a /proc/[pid]/maps-style listing of the Regions of as.
func (as *AddressSpace) MapsReport() string {
	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)
	for _, r := range as.Regions() {
		appendMapsEntry(b, r)
	}
	return b.String()
}

// SmapsReport returns a /proc/[pid]/smaps-style listing of the Regions of as.
func (as *AddressSpace) SmapsReport() string {
	b := bytebufferpool.Get()
	defer bytebufferpool.Put(b)
	for _, r := range as.Regions() {
		appendSmapsEntry(b, r)
	}
	return b.String()
}

func appendMapsEntry(b *bytebufferpool.ByteBuffer, r *Region) {
	var ino uint64
	if i := r.vmo.Inode(); i != nil {
		ino = uint64(i.ID())
	}
	start := b.Len()
	fmt.Fprintf(b, "%08x-%08x %s %08x 00:00 %d ", r.ar.Start, r.ar.End, r.AccessString(), r.offset, ino)

	s := r.opts.Name
	if s == "" && r.vmo.Inode() != nil {
		s = r.vmo.Inode().Name()
	}
	if s != "" {
		// Per linux, we pad until the 74th character.
		if pad := 73 - (b.Len() - start); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(s)
	}
	b.WriteString("\n")
}

func appendSmapsEntry(b *bytebufferpool.ByteBuffer, r *Region) {
	appendMapsEntry(b, r)

	rss := r.AmountResident()
	shared := r.AmountShared()
	dirty := r.AmountDirty()
	sharedDirty := min(shared, dirty)
	fmt.Fprintf(b, "Size:           %8d kB\n", r.AmountVirtual()/1024)
	fmt.Fprintf(b, "Rss:            %8d kB\n", rss/1024)
	fmt.Fprintf(b, "Shared_Clean:   %8d kB\n", (shared-sharedDirty)/1024)
	fmt.Fprintf(b, "Shared_Dirty:   %8d kB\n", sharedDirty/1024)
	fmt.Fprintf(b, "Private_Clean:  %8d kB\n", (rss-shared-(dirty-sharedDirty))/1024)
	fmt.Fprintf(b, "Private_Dirty:  %8d kB\n", (dirty-sharedDirty)/1024)
	anon := rss
	if r.vmo.IsInode() {
		anon = 0
	}
	fmt.Fprintf(b, "Anonymous:      %8d kB\n", anon/1024)
	fmt.Fprintf(b, "COW:            %8d kB\n", uint64(r.COWPages())*hostarch.PageSize/1024)
	fmt.Fprintf(b, "KernelPageSize: %8d kB\n", hostarch.PageSize/1024)

	b.WriteString("VmFlags: ")
	if r.IsReadable() {
		b.WriteString("rd ")
	}
	if r.IsWritable() {
		b.WriteString("wr ")
	}
	if r.IsExecutable() {
		b.WriteString("ex ")
	}
	if r.IsShared() {
		b.WriteString("sh ")
	}
	if r.IsStack() {
		b.WriteString("gd ")
	}
	b.WriteString("\n")
}
