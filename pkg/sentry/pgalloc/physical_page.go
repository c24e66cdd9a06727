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

package pgalloc

import (
	"fmt"

	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/refs"
)

type pageFlags uint8

const (
	pageSharedZero pageFlags = 1 << iota
	pageLazilyCommitted
)

// PhysicalPage is a reference-counted handle to one page frame. The frame is
// returned to its MemoryFile exactly when the last reference is dropped.
//
// While ReadRefs() > 1 the page must not be written by any holder; a holder
// that needs to write must first become the sole owner (copy-on-write).
type PhysicalPage struct {
	refs.Refs[PhysicalPage]

	mf    *MemoryFile
	frame uint32

	// flags are immutable.
	flags pageFlags
}

func (f *MemoryFile) newPage(frame uint32, flags pageFlags) *PhysicalPage {
	p := &PhysicalPage{mf: f, frame: frame, flags: flags}
	p.InitRefs()
	return p
}

// DecRef drops a reference, returning the frame to the allocator when it was
// the last one.
func (p *PhysicalPage) DecRef() {
	p.Refs.DecRef(func() {
		p.mf.release(p.frame)
	})
}

// Paddr returns the physical address of the page.
func (p *PhysicalPage) Paddr() uintptr {
	return p.mf.opts.PhysicalBase + uintptr(p.frame)<<hostarch.PageShift
}

// IsSharedZeroPage returns true if p is the allocator's shared zero page.
func (p *PhysicalPage) IsSharedZeroPage() bool {
	return p.flags&pageSharedZero != 0
}

// IsLazilyCommitted returns true if p was allocated by a page fault rather
// than by an explicit commit.
func (p *PhysicalPage) IsLazilyCommitted() bool {
	return p.flags&pageLazilyCommitted != 0
}

// MemoryFile returns the allocator that owns p.
func (p *PhysicalPage) MemoryFile() *MemoryFile {
	return p.mf
}

// String implements fmt.Stringer.
func (p *PhysicalPage) String() string {
	return fmt.Sprintf("PhysicalPage{paddr: %#x, refs: %d}", p.Paddr(), p.ReadRefs())
}
