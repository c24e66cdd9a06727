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
	"sort"

	"github.com/google/btree"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/sentry/inode"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
	"regionmm.dev/regionmm/pkg/sync"
)

// Default virtual layout. Both spans lie below the 47-bit limit of the page
// tables.
const (
	DefaultUserBase   hostarch.Addr = 0x10000
	DefaultUserSize                 = 0x7f0000000000 - uint64(DefaultUserBase)
	DefaultKernelBase hostarch.Addr = 0x7f8000000000
	DefaultKernelSize uint64        = 1 << 36
)

// ManagerOpts configure the virtual layout of a Manager.
type ManagerOpts struct {
	// UserBase and UserSize bound the range available to each
	// AddressSpace.
	UserBase hostarch.Addr
	UserSize uint64

	// KernelBase and KernelSize bound the kernel page directory.
	KernelBase hostarch.Addr
	KernelSize uint64
}

func (o *ManagerOpts) setDefaults() {
	if o.UserSize == 0 {
		o.UserBase, o.UserSize = DefaultUserBase, DefaultUserSize
	}
	if o.KernelSize == 0 {
		o.KernelBase, o.KernelSize = DefaultKernelBase, DefaultKernelSize
	}
}

// mappedKey orders mapped Regions by page directory, then by start address.
type mappedKey struct {
	pd    uint64
	start hostarch.Addr
	r     *Region
}

func mappedLess(a, b mappedKey) bool {
	if a.pd != b.pd {
		return a.pd < b.pd
	}
	return a.start < b.start
}

// Manager owns the global memory management state: the physical allocator,
// the kernel page directory, the set of live Regions and the cache of inode
// VMObjects.
type Manager struct {
	mf       *pgalloc.MemoryFile
	opts     ManagerOpts
	kernelPD *PageDirectory

	// mu protects the fields below.
	mu sync.Mutex

	// regions is the set of Regions that have not been released.
	regions map[*Region]struct{}

	// mapped indexes mapped Regions by address.
	mapped *btree.BTreeG[mappedKey]

	// inodeObjects holds the VMObject of every mapped inode. Entries do not
	// hold references; they are removed when the VMObject is destroyed.
	inodeObjects map[inode.ID]*VMObject
}

// NewManager returns a Manager allocating physical pages from mf.
func NewManager(mf *pgalloc.MemoryFile, opts ManagerOpts) *Manager {
	opts.setDefaults()
	m := &Manager{
		mf:           mf,
		opts:         opts,
		regions:      make(map[*Region]struct{}),
		mapped:       btree.NewG(2, mappedLess),
		inodeObjects: make(map[inode.ID]*VMObject),
	}
	m.kernelPD = newPageDirectory(NewRangeAllocator(hostarch.AddrRange{
		Start: opts.KernelBase,
		End:   opts.KernelBase + hostarch.Addr(opts.KernelSize),
	}), true)
	return m
}

// MemoryFile returns the physical allocator.
func (m *Manager) MemoryFile() *pgalloc.MemoryFile { return m.mf }

// KernelPageDirectory returns the kernel page directory.
func (m *Manager) KernelPageDirectory() *PageDirectory { return m.kernelPD }

func (m *Manager) register(r *Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions[r] = struct{}{}
}

func (m *Manager) unregister(r *Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, r)
}

func (m *Manager) indexRegion(r *Region, pd *PageDirectory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.mapped.ReplaceOrInsert(mappedKey{pd.ID(), r.Base(), r}); ok {
		panic(fmt.Sprintf("%v mapped over %v in %v", r, old.r, pd))
	}
}

func (m *Manager) unindexRegion(r *Region, pd *PageDirectory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapped.Delete(mappedKey{pd.ID(), r.Base(), r})
}

// RegionCount returns the number of live Regions.
func (m *Manager) RegionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

// RegionFromAddress returns the Region mapped in pd that contains addr, or
// nil.
func (m *Manager) RegionFromAddress(pd *PageDirectory, addr hostarch.Addr) *Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Region
	m.mapped.DescendLessOrEqual(mappedKey{pd: pd.ID(), start: addr}, func(k mappedKey) bool {
		if k.pd == pd.ID() && k.r.Contains(addr) {
			found = k.r
		}
		return false
	})
	return found
}

// regionsIn returns the Regions mapped in pd in address order.
func (m *Manager) regionsIn(pd *PageDirectory) []*Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rs []*Region
	m.mapped.AscendGreaterOrEqual(mappedKey{pd: pd.ID()}, func(k mappedKey) bool {
		if k.pd != pd.ID() {
			return false
		}
		rs = append(rs, k.r)
		return true
	})
	return rs
}

// KernelRegions returns the Regions mapped in the kernel page directory.
func (m *Manager) KernelRegions() []*Region {
	return m.regionsIn(m.kernelPD)
}

// InodeVMObject returns the VMObject of ino with a new reference, creating it
// if no live object exists.
func (m *Manager) InodeVMObject(ino inode.Inode) *VMObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.inodeObjects[ino.ID()]; ok && o.TryIncRef() {
		return o
	}
	o := newInodeVMObject(m, ino)
	m.inodeObjects[ino.ID()] = o
	return o
}

// forgetInodeVMObject drops o from the inode cache, unless it has already
// been replaced by a newer object for the same inode.
func (m *Manager) forgetInodeVMObject(o *VMObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inodeObjects[o.ino.ID()] == o {
		delete(m.inodeObjects, o.ino.ID())
	}
}

// InodeObjects returns the number of cached inode VMObjects.
func (m *Manager) InodeObjects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inodeObjects)
}

// AllocateKernelRegion allocates a kernel-only anonymous Region of size bytes
// and maps it into the kernel page directory. If commit is true every page is
// populated immediately; a failed commit releases the Region and returns the
// allocator's error.
func (m *Manager) AllocateKernelRegion(ctx context.Context, size uint64, opts RegionOpts, commit bool) (*Region, error) {
	ar, err := m.kernelPD.ranges.Allocate(size)
	if err != nil {
		return nil, err
	}
	r := CreateKernelOnlyAnonymous(m, ar, opts)
	r.Map(ctx, m.kernelPD)
	if commit {
		if err := r.Commit(ctx); err != nil {
			r.Release(ctx)
			return nil, err
		}
	}
	log.Debugf("Allocated kernel region %v", r)
	return r, nil
}

// NewAddressSpace returns an empty user AddressSpace.
func (m *Manager) NewAddressSpace() *AddressSpace {
	ranges := NewRangeAllocator(hostarch.AddrRange{
		Start: m.opts.UserBase,
		End:   m.opts.UserBase + hostarch.Addr(m.opts.UserSize),
	})
	return &AddressSpace{
		mgr: m,
		pd:  newPageDirectory(ranges, false),
	}
}

// RegionStat summarizes one live Region.
type RegionStat struct {
	Name     string
	Range    hostarch.AddrRange
	Access   string
	Resident uint64
	Dirty    uint64
	Shared   uint64
	COWPages int
}

// Stats returns a summary of every live Region, ordered by address.
func (m *Manager) Stats() []RegionStat {
	m.mu.Lock()
	rs := make([]*Region, 0, len(m.regions))
	for r := range m.regions {
		rs = append(rs, r)
	}
	m.mu.Unlock()

	sort.Slice(rs, func(i, j int) bool { return rs[i].Base() < rs[j].Base() })
	stats := make([]RegionStat, 0, len(rs))
	for _, r := range rs {
		stats = append(stats, RegionStat{
			Name:     r.Name(),
			Range:    r.Range(),
			Access:   r.AccessString(),
			Resident: r.AmountResident(),
			Dirty:    r.AmountDirty(),
			Shared:   r.AmountShared(),
			COWPages: r.COWPages(),
		})
	}
	return stats
}
