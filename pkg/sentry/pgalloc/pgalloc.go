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

// Package pgalloc contains the physical page allocator.
//
// A MemoryFile owns a fixed arena of page frames reserved from the host with
// an anonymous mapping. Frames are handed out one at a time as reference
// counted PhysicalPages and returned to the free map when their last
// reference is dropped.
//
// Lock order:
//
//	MemoryFile.quickMapMu
//		MemoryFile.mu
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"regionmm.dev/regionmm/pkg/atomicbitops"
	"regionmm.dev/regionmm/pkg/bitmap"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/metric"
	"regionmm.dev/regionmm/pkg/sync"
)

var (
	allocationsMetric = metric.MustCreateNewUint64Metric("/pgalloc/allocations", "Number of physical pages allocated.")
	freesMetric       = metric.MustCreateNewUint64Metric("/pgalloc/frees", "Number of physical pages returned to the allocator.")
	exhaustedMetric   = metric.MustCreateNewUint64Metric("/pgalloc/exhausted", "Number of allocations that failed because no frame was free.")
)

// DefaultPhysicalBase is the physical address of the first frame when
// MemoryFileOpts.PhysicalBase is zero.
const DefaultPhysicalBase = 0x100000

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Frames is the number of page frames in the arena, including the frame
	// reserved for the shared zero page. It must be at least 2.
	Frames uint32

	// PhysicalBase is the page-aligned physical address of frame 0.
	PhysicalBase uintptr
}

// MemoryFile is a physical page allocator.
type MemoryFile struct {
	opts MemoryFileOpts

	// arena is the host mapping backing every frame. It is immutable until
	// Destroy.
	arena []byte

	// mu protects the fields below.
	mu sync.Mutex

	// used has a bit set for every allocated frame.
	used bitmap.Bitmap

	// next is the frame at which the next search for a free frame begins.
	next uint32

	// destroyed is set by Destroy.
	destroyed bool

	// quickMapMu serializes quick mappings.
	quickMapMu sync.Mutex

	// zeroPage is the shared zero page. It occupies frame 0 and holds a
	// reference owned by the MemoryFile.
	zeroPage *PhysicalPage

	allocations atomicbitops.Uint64
	frees       atomicbitops.Uint64
}

// NewMemoryFile creates a MemoryFile backed by a new anonymous host mapping.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Frames < 2 {
		return nil, fmt.Errorf("MemoryFile needs at least 2 frames, got %d", opts.Frames)
	}
	if opts.PhysicalBase == 0 {
		opts.PhysicalBase = DefaultPhysicalBase
	}
	if opts.PhysicalBase&hostarch.PageMask != 0 {
		return nil, fmt.Errorf("physical base %#x is not page-aligned", opts.PhysicalBase)
	}
	size := int(opts.Frames) * hostarch.PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes of physical memory: %w", size, err)
	}
	f := &MemoryFile{
		opts:  opts,
		arena: arena,
		used:  bitmap.New(opts.Frames),
	}

	// Frame 0 is the shared zero page. The arena is freshly mapped, so it is
	// already zeroed.
	f.used.Add(0)
	f.next = 1
	f.zeroPage = f.newPage(0, pageSharedZero)
	log.Debugf("MemoryFile: %d frames at physical %#x", opts.Frames, opts.PhysicalBase)
	return f, nil
}

// Destroy releases the host mapping. Every PhysicalPage other than the shared
// zero page must have been released.
func (f *MemoryFile) Destroy() error {
	f.zeroPage.DecRef()
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.used.GetNumOnes(); n != 0 {
		log.Warningf("MemoryFile destroyed with %d frames still allocated", n)
	}
	f.destroyed = true
	arena := f.arena
	f.arena = nil
	return unix.Munmap(arena)
}

// AllocOpts are options used in MemoryFile.Allocate.
type AllocOpts struct {
	// ZeroFill guarantees that the page contents are all zero before
	// Allocate returns.
	ZeroFill bool

	// LazilyCommitted marks the page as populated on demand (by a fault)
	// rather than by an explicit commit.
	LazilyCommitted bool
}

// Allocate returns a new PhysicalPage holding one reference. It returns
// linuxerr.ENOMEM if every frame is in use.
func (f *MemoryFile) Allocate(opts AllocOpts) (*PhysicalPage, error) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		panic("Allocate called on a destroyed MemoryFile")
	}
	frame, ok := f.findFreeLocked()
	if !ok {
		f.mu.Unlock()
		exhaustedMetric.Increment()
		return nil, linuxerr.ENOMEM
	}
	f.used.Add(frame)
	f.next = frame + 1
	f.mu.Unlock()

	if opts.ZeroFill {
		clear(f.frameBytes(frame))
	}
	var flags pageFlags
	if opts.LazilyCommitted {
		flags |= pageLazilyCommitted
	}
	f.allocations.Add(1)
	allocationsMetric.Increment()
	return f.newPage(frame, flags), nil
}

// AllocateUserPage allocates a page on behalf of a page fault. It returns
// linuxerr.ENOMEM on exhaustion; zeroFill guarantees that the contents are
// all zero.
func (f *MemoryFile) AllocateUserPage(zeroFill bool) (*PhysicalPage, error) {
	return f.Allocate(AllocOpts{ZeroFill: zeroFill, LazilyCommitted: true})
}

// findFreeLocked returns a free frame, searching from f.next and wrapping
// around.
//
// Preconditions: f.mu must be locked.
func (f *MemoryFile) findFreeLocked() (uint32, bool) {
	if f.next < f.opts.Frames {
		if frame, err := f.used.FirstZero(f.next); err == nil {
			return frame, true
		}
	}
	if frame, err := f.used.FirstZero(0); err == nil {
		return frame, true
	}
	return 0, false
}

// release returns frame to the free map.
func (f *MemoryFile) release(frame uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.used.Contains(frame) {
		panic(fmt.Sprintf("double free of frame %d", frame))
	}
	f.used.Remove(frame)
	if frame != 0 {
		f.frees.Add(1)
		freesMetric.Increment()
	}
}

// SharedZeroPage returns the shared zero page with a new reference. The page
// must never be written.
func (f *MemoryFile) SharedZeroPage() *PhysicalPage {
	f.zeroPage.IncRef()
	return f.zeroPage
}

// frameBytes returns the arena bytes of frame.
func (f *MemoryFile) frameBytes(frame uint32) []byte {
	off := int(frame) * hostarch.PageSize
	return f.arena[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// frameOf returns the frame containing the physical address paddr.
func (f *MemoryFile) frameOf(paddr uintptr) (uint32, bool) {
	if paddr < f.opts.PhysicalBase {
		return 0, false
	}
	frame := (paddr - f.opts.PhysicalBase) >> hostarch.PageShift
	if frame >= uintptr(f.opts.Frames) {
		return 0, false
	}
	return uint32(frame), true
}

// MapInternal returns the bytes of physical memory in [paddr, paddr+length)
// through the kernel's direct map. The range must not cross a frame boundary.
// It returns linuxerr.EFAULT if the range is not backed by the arena.
func (f *MemoryFile) MapInternal(paddr uintptr, length int) ([]byte, error) {
	frame, ok := f.frameOf(paddr)
	if !ok || length < 0 {
		return nil, linuxerr.EFAULT
	}
	off := int(paddr & hostarch.PageMask)
	if off+length > hostarch.PageSize {
		return nil, linuxerr.EFAULT
	}
	return f.frameBytes(frame)[off : off+length], nil
}

// QuickMap returns a temporary kernel mapping of p's frame. The mapping is
// valid until Unquickmap, which must be called exactly once. Quick mappings
// are not reentrant: a goroutine holding one must not call QuickMap again.
func (f *MemoryFile) QuickMap(p *PhysicalPage) []byte {
	f.quickMapMu.Lock()
	if p.mf != f {
		f.quickMapMu.Unlock()
		panic("QuickMap of a page owned by another MemoryFile")
	}
	return f.frameBytes(p.frame)
}

// Unquickmap ends the quick mapping started by QuickMap.
func (f *MemoryFile) Unquickmap() {
	f.quickMapMu.Unlock()
}

// Stats are allocator statistics.
type Stats struct {
	// Frames is the total number of frames, including the shared zero page.
	Frames uint32

	// InUse is the number of frames currently allocated, excluding the
	// shared zero page.
	InUse uint32

	// Allocations is the number of successful Allocate calls.
	Allocations uint64

	// Frees is the number of pages returned to the allocator.
	Frees uint64
}

// Stats returns allocator statistics.
func (f *MemoryFile) Stats() Stats {
	f.mu.Lock()
	inUse := f.used.GetNumOnes()
	if f.used.Contains(0) {
		inUse--
	}
	f.mu.Unlock()
	return Stats{
		Frames:      f.opts.Frames,
		InUse:       inUse,
		Allocations: f.allocations.Load(),
		Frees:       f.frees.Load(),
	}
}
