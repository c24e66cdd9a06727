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

	"github.com/pkg/errors"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/sentry/inode"
	"regionmm.dev/regionmm/pkg/sentry/irq"
	"regionmm.dev/regionmm/pkg/sync"
)

// maxFaultsPerAccess bounds the faults a single page access may take: a
// not-present fault followed by a copy-on-write fault, plus slack for stale
// translations left by concurrent faulters.
const maxFaultsPerAccess = 4

// AddressSpace is the user half of a process's memory: one page directory and
// the Regions mapped into it.
type AddressSpace struct {
	mgr *Manager
	pd  *PageDirectory

	// mu is taken for reading by fault handling and memory accesses, and for
	// writing by operations that add or remove Regions.
	mu sync.RWMutex

	// released is set by Release. It is protected by mu.
	released bool
}

// PageDirectory returns the page directory of as.
func (as *AddressSpace) PageDirectory() *PageDirectory { return as.pd }

// Manager returns the Manager that owns as.
func (as *AddressSpace) Manager() *Manager { return as.mgr }

// AllocateOpts describe a new Region of an AddressSpace.
type AllocateOpts struct {
	RegionOpts

	// Addr is the requested start address. If Fixed is false, it is ignored
	// and the lowest free range is used.
	Addr  hostarch.Addr
	Fixed bool

	// Length is the size of the Region in bytes, rounded up to whole pages.
	Length uint64

	// Commit populates every page immediately.
	Commit bool
}

// allocateRangeLocked reserves a virtual range for opts.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) allocateRangeLocked(opts *AllocateOpts) (hostarch.AddrRange, error) {
	if as.released {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	if opts.Length == 0 || (opts.Stack && opts.Shared) {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	if !opts.Fixed {
		return as.pd.ranges.Allocate(opts.Length)
	}
	if !opts.Addr.IsPageAligned() {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	ar, ok := hostarch.PageRange(opts.Addr, opts.Length)
	if !ok {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	if err := as.pd.ranges.AllocateSpecific(ar); err != nil {
		return hostarch.AddrRange{}, err
	}
	return ar, nil
}

// installLocked maps r into as and commits it if requested. On failure r is
// released.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) installLocked(ctx context.Context, r *Region, commit bool) (*Region, error) {
	r.Map(ctx, as.pd)
	if commit {
		if err := r.Commit(ctx); err != nil {
			r.Release(ctx)
			return nil, err
		}
	}
	return r, nil
}

// AllocateRegion maps a new anonymous Region.
func (as *AddressSpace) AllocateRegion(ctx context.Context, opts AllocateOpts) (*Region, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	ar, err := as.allocateRangeLocked(&opts)
	if err != nil {
		return nil, err
	}
	return as.installLocked(ctx, CreateUserAccessibleAnonymous(as.mgr, ar, opts.RegionOpts), opts.Commit)
}

// AllocateRegionWithVMObject maps a new Region over vmo starting at byte
// offset. It returns linuxerr.EINVAL if offset is unaligned or the Region
// would extend past the end of vmo.
func (as *AddressSpace) AllocateRegionWithVMObject(ctx context.Context, vmo *VMObject, offset uint64, opts AllocateOpts) (*Region, error) {
	if err := checkObjectRange(vmo.Size(), offset, opts.Length); err != nil {
		return nil, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	ar, err := as.allocateRangeLocked(&opts)
	if err != nil {
		return nil, err
	}
	return as.installLocked(ctx, CreateUserAccessible(as.mgr, ar, vmo, offset, opts.RegionOpts), opts.Commit && vmo.IsAnonymous())
}

// AllocateFileBackedRegion maps ino starting at byte offset. A zero
// opts.Length maps the rest of the file. Regions mapping the same inode share
// its pages.
func (as *AddressSpace) AllocateFileBackedRegion(ctx context.Context, ino inode.Inode, offset uint64, opts AllocateOpts) (*Region, error) {
	size, ok := hostarch.PageRoundUp(uint64(ino.Size()))
	if !ok {
		return nil, linuxerr.EINVAL
	}
	if opts.Length == 0 && offset < size {
		opts.Length = size - offset
	}
	if err := checkObjectRange(size, offset, opts.Length); err != nil {
		return nil, err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	ar, err := as.allocateRangeLocked(&opts)
	if err != nil {
		return nil, err
	}
	return as.installLocked(ctx, CreateUserAccessibleInode(as.mgr, ar, ino, offset, opts.RegionOpts), false)
}

// checkObjectRange validates a view of length bytes at offset into an object
// of size bytes.
func checkObjectRange(size, offset, length uint64) error {
	if offset%hostarch.PageSize != 0 || length == 0 {
		return linuxerr.EINVAL
	}
	pages := hostarch.PagesFor(length)
	if first := offset / hostarch.PageSize; first > size/hostarch.PageSize || pages > size/hostarch.PageSize-first {
		return errors.Wrapf(linuxerr.EINVAL, "%d bytes at offset %#x exceed object size %#x", length, offset, size)
	}
	return nil
}

// Deallocate unmaps r from as and releases it. It returns linuxerr.EINVAL if
// r is not mapped in as.
func (as *AddressSpace) Deallocate(ctx context.Context, r *Region) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.PageDirectory() != as.pd {
		return linuxerr.EINVAL
	}
	r.Release(ctx)
	return nil
}

// Regions returns the Regions of as in address order.
func (as *AddressSpace) Regions() []*Region {
	return as.mgr.regionsIn(as.pd)
}

// FindRegion returns the Region containing addr, or nil.
func (as *AddressSpace) FindRegion(addr hostarch.Addr) *Region {
	return as.mgr.RegionFromAddress(as.pd, addr)
}

// Fork returns a new AddressSpace with a clone of every Region of as. Private
// anonymous Regions become copy-on-write in both address spaces.
func (as *AddressSpace) Fork(ctx context.Context) (*AddressSpace, error) {
	ctx = irq.Ensure(ctx)
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return nil, linuxerr.EINVAL
	}
	child := &AddressSpace{
		mgr: as.mgr,
		pd:  newPageDirectory(as.pd.ranges.Clone(), false),
	}
	for _, r := range as.mgr.regionsIn(as.pd) {
		c := r.Clone(ctx)
		c.Map(ctx, child.pd)
	}
	return child, nil
}

// HandleFault dispatches pf to the Region containing pf.Addr. A fault on an
// address no Region maps crashes with CrashNoRegion.
func (as *AddressSpace) HandleFault(ctx context.Context, pf PageFault) (PageFaultResponse, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.handleFaultLocked(ctx, pf)
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) handleFaultLocked(ctx context.Context, pf PageFault) (PageFaultResponse, error) {
	r := as.mgr.RegionFromAddress(as.pd, pf.Addr)
	if r == nil {
		return crash(pf, CrashNoRegion, errors.Wrapf(linuxerr.EFAULT, "no region maps %#x", pf.Addr))
	}
	return r.HandleFault(ctx, pf)
}

// CopyIn reads len(dst) bytes at addr as user code would, taking and
// handling page faults as needed.
func (as *AddressSpace) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) error {
	return as.access(ctx, addr, dst, Read)
}

// CopyOut writes src at addr as user code would, taking and handling page
// faults as needed.
func (as *AddressSpace) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) error {
	return as.access(ctx, addr, src, Write)
}

// access copies between buf and user memory at addr one page at a time
// through the TLB. A translation that is missing raises NotPresent; one that
// forbids the access raises ProtectionViolation. A fatal fault is returned
// as a *FaultError.
func (as *AddressSpace) access(ctx context.Context, addr hostarch.Addr, buf []byte, at FaultAccess) error {
	ctx = irq.Ensure(ctx)
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.released {
		return linuxerr.EFAULT
	}
	if _, ok := addr.AddLength(uint64(len(buf))); !ok {
		return linuxerr.EFAULT
	}
	for done := 0; done < len(buf); {
		cur := addr + hostarch.Addr(done)
		n := min(len(buf)-done, hostarch.PageSize-int(cur.PageOffset()))
		mem, err := as.translate(ctx, cur, n, at)
		if err != nil {
			return err
		}
		if at == Write {
			copy(mem, buf[done:done+n])
		} else {
			copy(buf[done:done+n], mem)
		}
		done += n
	}
	return nil
}

// translate returns the physical memory backing [addr, addr+n), faulting
// until the TLB yields a translation permitting at.
//
// Preconditions: as.mu must be locked. [addr, addr+n) lies within one page.
func (as *AddressSpace) translate(ctx context.Context, addr hostarch.Addr, n int, at FaultAccess) ([]byte, error) {
	for i := 0; i < maxFaultsPerAccess; i++ {
		e, ok := as.pd.tlb.Translate(addr)
		pf := PageFault{Addr: addr, Access: at}
		switch {
		case !ok:
			pf.Type = NotPresent
		case !e.Opts.User || (at == Write && !e.Opts.AccessType.Write) || (at == Read && !e.Opts.AccessType.Read):
			pf.Type = ProtectionViolation
		default:
			return as.mgr.mf.MapInternal(e.Physical+uintptr(addr.PageOffset()), n)
		}
		if resp, err := as.handleFaultLocked(ctx, pf); resp == ShouldCrash {
			return nil, err
		}
	}
	panic(fmt.Sprintf("%s access at %#x still faulting after %d faults", at, addr, maxFaultsPerAccess))
}

// Release releases every Region of as. as must not be used afterwards.
func (as *AddressSpace) Release(ctx context.Context) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return
	}
	as.released = true
	for _, r := range as.mgr.regionsIn(as.pd) {
		r.Release(ctx)
	}
}

// Usage sums the residency of every Region of as.
type Usage struct {
	Virtual  uint64
	Resident uint64
	Shared   uint64
	Dirty    uint64
}

// Usage returns the memory usage of as.
func (as *AddressSpace) Usage() Usage {
	var u Usage
	for _, r := range as.Regions() {
		u.Virtual += r.AmountVirtual()
		u.Resident += r.AmountResident()
		u.Shared += r.AmountShared()
		u.Dirty += r.AmountDirty()
	}
	return u
}
