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

package mm

import (
	"fmt"

	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/ring0/pagetables"
)

// PageDirectory is one translation root: page tables, the TLB caching them,
// and the allocator of the virtual ranges they may map.
type PageDirectory struct {
	pt     *pagetables.PageTables
	tlb    *pagetables.TLB
	ranges *RangeAllocator
	kernel bool
}

func newPageDirectory(ranges *RangeAllocator, kernel bool) *PageDirectory {
	pt := pagetables.New()
	return &PageDirectory{
		pt:     pt,
		tlb:    pagetables.NewTLB(pt),
		ranges: ranges,
		kernel: kernel,
	}
}

// ID returns a unique identifier for pd.
func (pd *PageDirectory) ID() uint64 { return pd.pt.ID() }

// PageTables returns pd's page tables.
func (pd *PageDirectory) PageTables() *pagetables.PageTables { return pd.pt }

// TLB returns pd's translation cache.
func (pd *PageDirectory) TLB() *pagetables.TLB { return pd.tlb }

// RangeAllocator returns the allocator of pd's virtual ranges.
func (pd *PageDirectory) RangeAllocator() *RangeAllocator { return pd.ranges }

// IsKernel returns true for the kernel page directory.
func (pd *PageDirectory) IsKernel() bool { return pd.kernel }

// EnsurePTE returns the entry for addr, allocating intermediate tables.
func (pd *PageDirectory) EnsurePTE(addr hostarch.Addr) *pagetables.PTE {
	return pd.pt.EnsurePTE(addr)
}

// FlushTLB invalidates the cached translation of addr.
func (pd *PageDirectory) FlushTLB(addr hostarch.Addr) {
	pd.tlb.Flush(addr)
}

// String implements fmt.Stringer.
func (pd *PageDirectory) String() string {
	kind := "user"
	if pd.kernel {
		kind = "kernel"
	}
	return fmt.Sprintf("PageDirectory{%d %s %v}", pd.ID(), kind, pd.ranges.Total())
}
