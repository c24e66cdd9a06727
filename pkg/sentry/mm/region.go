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
	"context"
	"fmt"

	"regionmm.dev/regionmm/pkg/bitmap"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/ring0/pagetables"
	"regionmm.dev/regionmm/pkg/sentry/inode"
	"regionmm.dev/regionmm/pkg/sentry/irq"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
	"regionmm.dev/regionmm/pkg/sync"
)

// RegionOpts are the immutable attributes of a Region.
type RegionOpts struct {
	// Name is shown in maps reports.
	Name string

	// Access is the set of permitted accesses.
	Access hostarch.AccessType

	// Cacheable selects write-back rather than uncached page table entries.
	Cacheable bool

	// Shared mappings observe each other's writes and are never
	// copy-on-write.
	Shared bool

	// Stack marks a thread stack. Stacks cannot be shared.
	Stack bool

	// Mmap marks a Region created by an mmap-equivalent request.
	Mmap bool
}

// Region maps a page-aligned slice of a VMObject into a PageDirectory.
//
// Region page i maps VMObject slot FirstPage()+i at address
// Range().Start + i*PageSize.
type Region struct {
	mgr *Manager

	// ar, offset, vmo, opts and user are immutable.
	ar     hostarch.AddrRange
	offset uint64
	vmo    *VMObject
	opts   RegionOpts
	user   bool

	// mu protects the fields below. It also serializes page table updates
	// for this Region.
	mu sync.Mutex

	// cowMap has one bit per page; a set bit means the page must be copied
	// before it is written. It is nil until the Region is first cloned.
	cowMap *bitmap.Bitmap

	// pd is the page directory the Region is mapped into, or nil while the
	// Region is unmapped.
	pd *PageDirectory

	// released is set by Release.
	released bool
}

// newRegion returns a Region over vmo, whose reference is transferred to the
// Region, and registers it with mgr.
//
// Preconditions:
//   - ar is non-empty and page-aligned.
//   - offset is page-aligned.
//   - ar.NumPages() <= vmo.PageCount() - offset/PageSize.
//   - !(opts.Stack && opts.Shared).
func newRegion(mgr *Manager, ar hostarch.AddrRange, vmo *VMObject, offset uint64, opts RegionOpts, user bool) *Region {
	if checkInvariants {
		if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
			panic(fmt.Sprintf("invalid region range %v", ar))
		}
		if offset%hostarch.PageSize != 0 {
			panic(fmt.Sprintf("unaligned VMObject offset %#x", offset))
		}
		if first := offset / hostarch.PageSize; first > uint64(vmo.PageCount()) || ar.NumPages() > uint64(vmo.PageCount())-first {
			panic(fmt.Sprintf("region %v at offset %#x exceeds %v", ar, offset, vmo))
		}
		if opts.Stack && opts.Shared {
			panic("stack regions cannot be shared")
		}
	}
	r := &Region{
		mgr:    mgr,
		ar:     ar,
		offset: offset,
		vmo:    vmo,
		opts:   opts,
		user:   user,
	}
	mgr.register(r)
	return r
}

// CreateUserAccessible returns a user-accessible Region mapping vmo starting
// at byte offset. The Region takes its own reference on vmo.
func CreateUserAccessible(mgr *Manager, ar hostarch.AddrRange, vmo *VMObject, offset uint64, opts RegionOpts) *Region {
	vmo.IncRef()
	return newRegion(mgr, ar, vmo, offset, opts, true)
}

// CreateUserAccessibleAnonymous returns a user-accessible Region over a new
// anonymous VMObject the size of ar.
func CreateUserAccessibleAnonymous(mgr *Manager, ar hostarch.AddrRange, opts RegionOpts) *Region {
	return newRegion(mgr, ar, NewAnonymousVMObject(mgr.mf, ar.Length()), 0, opts, true)
}

// CreateUserAccessibleInode returns a user-accessible Region mapping ino
// starting at byte offset. All Regions mapping the same inode share one
// VMObject.
func CreateUserAccessibleInode(mgr *Manager, ar hostarch.AddrRange, ino inode.Inode, offset uint64, opts RegionOpts) *Region {
	return newRegion(mgr, ar, mgr.InodeVMObject(ino), offset, opts, true)
}

// CreateKernelOnly returns a kernel-only Region mapping vmo starting at byte
// offset. The Region takes its own reference on vmo.
func CreateKernelOnly(mgr *Manager, ar hostarch.AddrRange, vmo *VMObject, offset uint64, opts RegionOpts) *Region {
	vmo.IncRef()
	return newRegion(mgr, ar, vmo, offset, opts, false)
}

// CreateKernelOnlyAnonymous returns a kernel-only Region over a new anonymous
// VMObject the size of ar.
func CreateKernelOnlyAnonymous(mgr *Manager, ar hostarch.AddrRange, opts RegionOpts) *Region {
	return newRegion(mgr, ar, NewAnonymousVMObject(mgr.mf, ar.Length()), 0, opts, false)
}

// CreateKernelOnlyInode returns a kernel-only Region mapping ino starting at
// byte offset.
func CreateKernelOnlyInode(mgr *Manager, ar hostarch.AddrRange, ino inode.Inode, offset uint64, opts RegionOpts) *Region {
	return newRegion(mgr, ar, mgr.InodeVMObject(ino), offset, opts, false)
}

// Range returns the virtual address range of r.
func (r *Region) Range() hostarch.AddrRange { return r.ar }

// Base returns the first address of r.
func (r *Region) Base() hostarch.Addr { return r.ar.Start }

// Size returns the size of r in bytes.
func (r *Region) Size() uint64 { return r.ar.Length() }

// PageCount returns the number of pages in r.
func (r *Region) PageCount() int { return int(r.ar.NumPages()) }

// OffsetInVMObject returns the byte offset of r's view into its VMObject.
func (r *Region) OffsetInVMObject() uint64 { return r.offset }

// FirstPage returns the VMObject slot mapped by r's first page.
func (r *Region) FirstPage() int { return int(r.offset / hostarch.PageSize) }

// VMObject returns the object r maps.
func (r *Region) VMObject() *VMObject { return r.vmo }

// Name returns r's name.
func (r *Region) Name() string { return r.opts.Name }

// Access returns r's access rights.
func (r *Region) Access() hostarch.AccessType { return r.opts.Access }

// IsReadable returns true if r permits reads.
func (r *Region) IsReadable() bool { return r.opts.Access.Read }

// IsWritable returns true if r permits writes.
func (r *Region) IsWritable() bool { return r.opts.Access.Write }

// IsExecutable returns true if r permits instruction fetches.
func (r *Region) IsExecutable() bool { return r.opts.Access.Execute }

// IsUserAccessible returns true if r may be accessed from user mode.
func (r *Region) IsUserAccessible() bool { return r.user }

// IsCacheable returns true if r uses write-back memory.
func (r *Region) IsCacheable() bool { return r.opts.Cacheable }

// IsShared returns true for shared mappings.
func (r *Region) IsShared() bool { return r.opts.Shared }

// IsStack returns true for stack Regions.
func (r *Region) IsStack() bool { return r.opts.Stack }

// IsMmap returns true for Regions created by an mmap-equivalent request.
func (r *Region) IsMmap() bool { return r.opts.Mmap }

// AccessString returns r's rights in maps format, for example "rw-p".
func (r *Region) AccessString() string {
	s := "p"
	if r.opts.Shared {
		s = "s"
	}
	return r.opts.Access.String() + s
}

// Contains returns true if addr is in r.
func (r *Region) Contains(addr hostarch.Addr) bool { return r.ar.Contains(addr) }

// PageIndexOf returns the index within r of the page containing addr.
//
// Preconditions: r.Contains(addr).
func (r *Region) PageIndexOf(addr hostarch.Addr) int {
	return int((addr - r.ar.Start) >> hostarch.PageShift)
}

// VAddrForPage returns the address of r's page i.
func (r *Region) VAddrForPage(i int) hostarch.Addr {
	return r.ar.Start + hostarch.Addr(i)<<hostarch.PageShift
}

// slot returns the VMObject slot backing r's page i.
func (r *Region) slot(i int) int {
	return r.FirstPage() + i
}

// Translate returns the physical address backing addr, or false if the page
// is not populated.
func (r *Region) Translate(addr hostarch.Addr) (uintptr, bool) {
	if !r.Contains(addr) {
		return 0, false
	}
	paddr, ok := r.vmo.paddr(r.slot(r.PageIndexOf(addr)))
	if !ok {
		return 0, false
	}
	return paddr + uintptr(addr.PageOffset()), true
}

// PageDirectory returns the page directory r is mapped into, or nil.
func (r *Region) PageDirectory() *PageDirectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pd
}

// IsMapped returns true if r is mapped into a page directory.
func (r *Region) IsMapped() bool {
	return r.PageDirectory() != nil
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("Region{%v %s %q}", r.ar, r.AccessString(), r.opts.Name)
}

// ensureCOWMapLocked allocates r.cowMap if it does not exist yet.
//
// Preconditions: r.mu must be locked.
func (r *Region) ensureCOWMapLocked() *bitmap.Bitmap {
	if r.cowMap == nil {
		b := bitmap.New(uint32(r.PageCount()))
		r.cowMap = &b
	}
	return r.cowMap
}

// shouldCOWLocked returns true if page i must be copied before it is
// written. It is always false for shared Regions.
//
// Preconditions: r.mu must be locked.
func (r *Region) shouldCOWLocked(i int) bool {
	if r.opts.Shared || r.cowMap == nil {
		return false
	}
	return r.cowMap.Contains(uint32(i))
}

// ShouldCOW returns true if page i must be copied before it is written.
func (r *Region) ShouldCOW(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shouldCOWLocked(i)
}

// setShouldCOWLocked sets or clears the copy-on-write bit of page i.
//
// Preconditions: r.mu must be locked.
func (r *Region) setShouldCOWLocked(i int, cow bool) {
	if !cow && r.cowMap == nil {
		return
	}
	r.ensureCOWMapLocked().Set(uint32(i), cow)
}

// COWMapLen returns the number of bits in r's copy-on-write bitmap, or 0 if
// it has not been allocated.
func (r *Region) COWMapLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cowMap == nil {
		return 0
	}
	return int(r.cowMap.Len())
}

// Clone returns a new, unmapped Region with r's range and attributes.
//
// Shared and inode-backed Regions are cloned by sharing the VMObject: both
// Regions observe each other's writes. This includes private file mappings,
// for which copy-on-write is not implemented.
//
// A private anonymous Region is cloned copy-on-write: every page of r and
// the clone is marked copy-on-write, r's populated pages are remapped
// read-only, and the clone gets a clone of the VMObject that references the
// same physical pages.
func (r *Region) Clone(ctx context.Context) *Region {
	if r.opts.Shared || r.vmo.IsInode() {
		r.vmo.IncRef()
		return newRegion(r.mgr, r.ar, r.vmo, r.offset, r.opts, r.user)
	}

	ctx = irq.Ensure(ctx)
	r.mu.Lock()
	n := uint32(r.PageCount())
	r.ensureCOWMapLocked().FillRange(0, n)
	if r.pd != nil {
		d := irq.Disable(ctx)
		r.remapLocked(ctx)
		d.Restore()
	}
	vmo := r.vmo.Clone()
	r.mu.Unlock()

	c := newRegion(r.mgr, r.ar, vmo, r.offset, r.opts, r.user)
	cowMap := bitmap.NewFilled(n)
	c.cowMap = &cowMap
	return c
}

// HandleFault resolves a page fault on an address in r. It returns Continue
// if the faulting access may be retried. Otherwise it returns ShouldCrash and
// a *FaultError describing why.
//
// Preconditions: r.Contains(pf.Addr).
func (r *Region) HandleFault(ctx context.Context, pf PageFault) (PageFaultResponse, error) {
	if !r.Contains(pf.Addr) {
		panic(fmt.Sprintf("fault %v dispatched to %v", pf, r))
	}
	ctx = irq.Ensure(ctx)
	defer irq.Disable(ctx).Restore()

	i := r.PageIndexOf(pf.Addr)
	switch pf.Type {
	case NotPresent:
		if pf.Access == Read && !r.IsReadable() {
			return permissionDenied(pf, "read from unreadable region %v", r)
		}
		if pf.Access == Write && !r.IsWritable() {
			return permissionDenied(pf, "write to read-only region %v", r)
		}
		if r.vmo.IsInode() {
			return r.handleInodeFault(ctx, pf, i)
		}
		return r.handleZeroFault(ctx, pf, i)

	case ProtectionViolation:
		if pf.Access == Write && r.IsWritable() {
			return r.handleCOWFault(ctx, pf, i)
		}
		return permissionDenied(pf, "%s access to %v", pf.Access, r)

	default:
		panic(fmt.Sprintf("unknown fault type %v", pf.Type))
	}
}

// Commit populates every empty page of r with a zero-filled page. It returns
// linuxerr.ENOMEM if the allocator is exhausted; pages committed before the
// failure stay committed.
func (r *Region) Commit(ctx context.Context) error {
	for i := 0; i < r.PageCount(); i++ {
		if err := r.CommitPage(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// CommitPage populates r's page i with a zero-filled page if it is empty.
// Inode-backed Regions cannot be committed.
func (r *Region) CommitPage(ctx context.Context, i int) error {
	if r.vmo.IsInode() {
		return linuxerr.EINVAL
	}
	if i < 0 || i >= r.PageCount() {
		panic(fmt.Sprintf("page %d out of range for %v", i, r))
	}
	ctx = irq.Ensure(ctx)
	s := r.slot(i)

	r.vmo.pagingMu.Lock()
	defer r.vmo.pagingMu.Unlock()
	if r.vmo.IsPopulated(s) {
		return nil
	}
	p, err := r.mgr.mf.Allocate(pgalloc.AllocOpts{ZeroFill: true})
	if err != nil {
		return err
	}
	r.vmo.installPage(s, p)
	committedPagesMetric.Increment()

	defer irq.Disable(ctx).Restore()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setShouldCOWLocked(i, false)
	r.remapPageLocked(ctx, i)
	return nil
}

// Map binds r to pd and installs page table entries for every populated
// page. Empty pages are left absent so that the first access faults.
//
// Preconditions: r is not mapped.
func (r *Region) Map(ctx context.Context, pd *PageDirectory) {
	ctx = irq.Ensure(ctx)
	defer irq.Disable(ctx).Restore()

	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		panic(fmt.Sprintf("Map of released region %v", r))
	}
	if r.pd != nil {
		r.mu.Unlock()
		panic(fmt.Sprintf("region %v is already mapped", r))
	}
	r.pd = pd
	r.remapLocked(ctx)
	r.mu.Unlock()

	r.mgr.indexRegion(r, pd)
}

// Remap reinstalls every page table entry of r from the current VMObject
// state. It is a no-op if r is unmapped.
func (r *Region) Remap(ctx context.Context) {
	ctx = irq.Ensure(ctx)
	defer irq.Disable(ctx).Restore()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.remapLocked(ctx)
}

// Unmap clears every page table entry of r, flushing each from the TLB, and
// unbinds r from its page directory. If deallocateRange is true the virtual
// range is returned to the page directory's range allocator. It is a no-op
// if r is unmapped.
func (r *Region) Unmap(ctx context.Context, deallocateRange bool) {
	ctx = irq.Ensure(ctx)
	defer irq.Disable(ctx).Restore()

	r.mu.Lock()
	pd := r.pd
	if pd == nil {
		r.mu.Unlock()
		return
	}
	for i := 0; i < r.PageCount(); i++ {
		addr := r.VAddrForPage(i)
		pd.pt.Unmap(addr)
		pd.FlushTLB(addr)
	}
	r.pd = nil
	r.mu.Unlock()

	r.mgr.unindexRegion(r, pd)
	if deallocateRange {
		pd.ranges.Deallocate(r.ar)
	}
}

// Release unmaps r if it is still mapped, returning its virtual range, and
// drops its VMObject reference.
func (r *Region) Release(ctx context.Context) {
	r.Unmap(ctx, true)
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		panic(fmt.Sprintf("double release of %v", r))
	}
	r.released = true
	r.mu.Unlock()
	r.mgr.unregister(r)
	r.vmo.DecRef()
}

// remapLocked reinstalls the page table entries of every page of r.
//
// Preconditions: r.mu must be locked. Interrupts must be disabled.
func (r *Region) remapLocked(ctx context.Context) {
	for i := 0; i < r.PageCount(); i++ {
		r.remapPageLocked(ctx, i)
	}
}

// remapPage reinstalls the page table entry of page i.
//
// Preconditions: Interrupts must be disabled.
func (r *Region) remapPage(ctx context.Context, i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remapPageLocked(ctx, i)
}

// remapPageLocked installs the page table entry of page i from the current
// VMObject slot and flushes its TLB line. Pages that must be copied on write,
// the shared zero page and clean inode pages are mapped read-only. It is a
// no-op if r is unmapped.
//
// Preconditions: r.mu must be locked. Interrupts must be disabled.
func (r *Region) remapPageLocked(ctx context.Context, i int) {
	if checkInvariants {
		irq.AssertDisabled(ctx, "remapPage")
	}
	if r.pd == nil {
		return
	}
	addr := r.VAddrForPage(i)
	pte := r.pd.EnsurePTE(addr)
	s := r.slot(i)
	if paddr, ok := r.vmo.paddr(s); ok {
		at := r.opts.Access
		at.Write = at.Write && !r.shouldCOWLocked(i) && !r.vmo.isSharedZeroPage(s)
		// The first write to a clean inode page must fault to mark it dirty.
		if r.vmo.IsInode() && !r.vmo.isDirty(s) {
			at.Write = false
		}
		pte.Set(paddr, pagetables.MapOpts{
			AccessType: at,
			User:       r.user,
			MemoryType: hostarch.MemoryTypeFor(r.opts.Cacheable),
		})
	} else {
		pte.Clear()
	}
	r.pd.FlushTLB(addr)
}

// AmountResident returns the number of bytes of r backed by physical pages.
func (r *Region) AmountResident() uint64 {
	return uint64(r.vmo.countRange(r.FirstPage(), r.PageCount()).resident) * hostarch.PageSize
}

// AmountDirty returns the number of bytes of r that have been written. Every
// resident page of an anonymous Region is considered dirty.
func (r *Region) AmountDirty() uint64 {
	c := r.vmo.countRange(r.FirstPage(), r.PageCount())
	if !r.vmo.IsInode() {
		return uint64(c.resident) * hostarch.PageSize
	}
	return uint64(c.dirty) * hostarch.PageSize
}

// AmountShared returns the number of bytes of r backed by physical pages
// that are also referenced elsewhere.
func (r *Region) AmountShared() uint64 {
	return uint64(r.vmo.countRange(r.FirstPage(), r.PageCount()).shared) * hostarch.PageSize
}

// COWPages returns the number of pages of r marked copy-on-write.
func (r *Region) COWPages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cowMap == nil {
		return 0
	}
	return int(r.cowMap.GetNumOnes())
}

// AmountVirtual returns the size of r in bytes.
func (r *Region) AmountVirtual() uint64 {
	return r.ar.Length()
}
