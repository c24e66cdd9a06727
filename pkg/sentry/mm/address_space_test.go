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
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
	"regionmm.dev/regionmm/pkg/errors"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/sentry/inode"
	"regionmm.dev/regionmm/pkg/sentry/irq"
)

func allocate(ctx context.Context, t *testing.T, as *AddressSpace, length uint64, opts RegionOpts) *Region {
	t.Helper()
	r, err := as.AllocateRegion(ctx, AllocateOpts{RegionOpts: opts, Length: length})
	if err != nil {
		t.Fatalf("AllocateRegion(%d, %+v): %v", length, opts, err)
	}
	return r
}

func mustCopyIn(ctx context.Context, t *testing.T, as *AddressSpace, addr hostarch.Addr, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if err := as.CopyIn(ctx, addr, b); err != nil {
		t.Fatalf("CopyIn(%#x, %d): %v", addr, n, err)
	}
	return b
}

func mustCopyOut(ctx context.Context, t *testing.T, as *AddressSpace, addr hostarch.Addr, b []byte) {
	t.Helper()
	if err := as.CopyOut(ctx, addr, b); err != nil {
		t.Fatalf("CopyOut(%#x, %q): %v", addr, b, err)
	}
}

func TestForkIsolation(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 32)
	mf := m.MemoryFile()
	parent := m.NewAddressSpace()
	defer parent.Release(ctx)

	r := allocate(ctx, t, parent, 3*page, RegionOpts{Name: "heap", Access: rw})
	// Straddle the first page boundary.
	addr := r.Base() + page - 3
	mustCopyOut(ctx, t, parent, addr, []byte("parent"))

	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer child.Release(ctx)

	if _, opts, ok := parent.pd.pt.Lookup(r.Base()); !ok || opts.AccessType.Write {
		t.Errorf("parent page after fork mapped %v, %t, want read-only", opts, ok)
	}
	if got := mustCopyIn(ctx, t, child, addr, 6); string(got) != "parent" {
		t.Errorf("child reads %q after fork, want %q", got, "parent")
	}

	allocs := mf.Stats().Allocations
	mustCopyOut(ctx, t, child, addr, []byte("child!"))
	if got := mf.Stats().Allocations - allocs; got != 2 {
		t.Errorf("child write across two shared pages allocated %d pages, want 2", got)
	}
	if got := mustCopyIn(ctx, t, parent, addr, 6); string(got) != "parent" {
		t.Errorf("parent reads %q after child write, want %q", got, "parent")
	}

	allocs = mf.Stats().Allocations
	mustCopyOut(ctx, t, parent, addr, []byte("PARENT"))
	if got := mf.Stats().Allocations - allocs; got != 0 {
		t.Errorf("parent write to pages it solely owns allocated %d pages, want 0", got)
	}
	if got := mustCopyIn(ctx, t, child, addr, 6); string(got) != "child!" {
		t.Errorf("child reads %q after parent write, want %q", got, "child!")
	}

	// Pages never touched before the fork are private to whoever faults
	// them first.
	last := r.VAddrForPage(2)
	mustCopyOut(ctx, t, child, last, []byte("late"))
	if got := mustCopyIn(ctx, t, parent, last, 4); !isZero(got) {
		t.Errorf("parent reads %q from a page only the child wrote", got)
	}
}

func TestForkSharedRegion(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 16)
	parent := m.NewAddressSpace()
	defer parent.Release(ctx)

	r := allocate(ctx, t, parent, page, RegionOpts{Access: rw, Shared: true})
	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer child.Release(ctx)

	mustCopyOut(ctx, t, child, r.Base(), []byte("hello"))
	if got := mustCopyIn(ctx, t, parent, r.Base(), 5); string(got) != "hello" {
		t.Errorf("parent reads %q from shared memory, want %q", got, "hello")
	}
}

func TestForkPreservesLayout(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 16)
	parent := m.NewAddressSpace()
	defer parent.Release(ctx)

	allocate(ctx, t, parent, page, RegionOpts{Name: "a", Access: rw})
	allocate(ctx, t, parent, 2*page, RegionOpts{Name: "b", Access: readOnly})
	child, err := parent.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer child.Release(ctx)

	if got, want := child.MapsReport(), parent.MapsReport(); got != want {
		t.Errorf("child maps differ from parent:\n%s\nwant:\n%s", got, want)
	}

	// New allocations in the child do not collide with inherited Regions.
	n := allocate(ctx, t, child, page, RegionOpts{Name: "c", Access: rw})
	for _, r := range parent.Regions() {
		if r.Range().Overlaps(n.Range()) {
			t.Errorf("child allocation %v overlaps inherited %v", n, r)
		}
	}
}

func TestAllocateRegionErrors(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 8)
	as := m.NewAddressSpace()
	defer as.Release(ctx)

	fixed := allocate(ctx, t, as, page, RegionOpts{Access: rw})
	vmo := NewAnonymousVMObject(m.MemoryFile(), 2*page)
	defer vmo.DecRef()

	for _, tc := range []struct {
		name string
		fn   func() error
		want *errors.Error
	}{
		{"zero length", func() error {
			_, err := as.AllocateRegion(ctx, AllocateOpts{RegionOpts: RegionOpts{Access: rw}})
			return err
		}, linuxerr.EINVAL},
		{"shared stack", func() error {
			_, err := as.AllocateRegion(ctx, AllocateOpts{RegionOpts: RegionOpts{Access: rw, Stack: true, Shared: true}, Length: page})
			return err
		}, linuxerr.EINVAL},
		{"fixed overlap", func() error {
			_, err := as.AllocateRegion(ctx, AllocateOpts{RegionOpts: RegionOpts{Access: rw}, Addr: fixed.Base(), Fixed: true, Length: page})
			return err
		}, linuxerr.EEXIST},
		{"fixed unaligned", func() error {
			_, err := as.AllocateRegion(ctx, AllocateOpts{RegionOpts: RegionOpts{Access: rw}, Addr: fixed.Base() + 1, Fixed: true, Length: page})
			return err
		}, linuxerr.EINVAL},
		{"object too small", func() error {
			_, err := as.AllocateRegionWithVMObject(ctx, vmo, page, AllocateOpts{RegionOpts: RegionOpts{Access: rw}, Length: 2 * page})
			return err
		}, linuxerr.EINVAL},
		{"object offset unaligned", func() error {
			_, err := as.AllocateRegionWithVMObject(ctx, vmo, 1, AllocateOpts{RegionOpts: RegionOpts{Access: rw}, Length: page})
			return err
		}, linuxerr.EINVAL},
		{"file offset past end", func() error {
			_, err := as.AllocateFileBackedRegion(ctx, inode.NewMemInode("f", []byte("x")), 2*page, AllocateOpts{RegionOpts: RegionOpts{Access: readOnly}})
			return err
		}, linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !linuxerr.Equals(tc.want, err) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
	if got := len(as.Regions()); got != 1 {
		t.Errorf("failed allocations left %d regions, want 1", got)
	}
}

func TestAllocateRegionWithVMObject(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 8)
	as := m.NewAddressSpace()
	defer as.Release(ctx)

	vmo := NewAnonymousVMObject(m.MemoryFile(), 4*page)
	a, err := as.AllocateRegionWithVMObject(ctx, vmo, 2*page, AllocateOpts{RegionOpts: RegionOpts{Access: rw, Shared: true}, Length: 2 * page})
	if err != nil {
		t.Fatalf("AllocateRegionWithVMObject: %v", err)
	}
	b, err := as.AllocateRegionWithVMObject(ctx, vmo, 3*page, AllocateOpts{RegionOpts: RegionOpts{Access: readOnly, Shared: true}, Length: page})
	if err != nil {
		t.Fatalf("AllocateRegionWithVMObject: %v", err)
	}
	vmo.DecRef()

	mustCopyOut(ctx, t, as, a.VAddrForPage(1)+8, []byte("shared"))
	if got := mustCopyIn(ctx, t, as, b.Base()+8, 6); string(got) != "shared" {
		t.Errorf("read through second view = %q, want %q", got, "shared")
	}
	if err := as.CopyOut(ctx, b.Base(), []byte("x")); err == nil {
		t.Errorf("write through a read-only view succeeded")
	}
}

func TestFileBackedRegion(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 8)
	as := m.NewAddressSpace()
	defer as.Release(ctx)

	data := bytes.Repeat([]byte{0xab}, page+10)
	ino := inode.NewMemInode("/bin/true", data)
	r, err := as.AllocateFileBackedRegion(ctx, ino, 0, AllocateOpts{RegionOpts: RegionOpts{Access: hostarch.AccessType{Read: true, Execute: true}}})
	if err != nil {
		t.Fatalf("AllocateFileBackedRegion: %v", err)
	}
	if got := r.PageCount(); got != 2 {
		t.Errorf("PageCount = %d, want 2", got)
	}
	got := mustCopyIn(ctx, t, as, r.Base(), 2*page)
	if !bytes.Equal(got[:len(data)], data) || !isZero(got[len(data):]) {
		t.Errorf("file contents mismatch")
	}
}

func TestWriteOnlyRegionRejectsReads(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)
	as := m.NewAddressSpace()
	defer as.Release(ctx)
	r := allocate(ctx, t, as, page, RegionOpts{Access: hostarch.Write})

	mustCopyOut(ctx, t, as, r.Base(), []byte("w"))
	// The page is now populated; reads must still fault and crash.
	if err := as.CopyIn(ctx, r.Base(), make([]byte, 1)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn from a write-only region = %v, want EFAULT", err)
	}
}

func TestAddressSpaceFaultWithoutRegion(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)
	as := m.NewAddressSpace()
	defer as.Release(ctx)

	resp, err := as.HandleFault(ctx, readFault(0x1234000))
	if resp != ShouldCrash {
		t.Fatalf("fault on an unmapped address = %v, want ShouldCrash", resp)
	}
	var fe *FaultError
	if !goerrors.As(err, &fe) || fe.Reason != CrashNoRegion {
		t.Errorf("error = %v, want a no_region FaultError", err)
	}
	if err := as.CopyIn(ctx, 0x1234000, make([]byte, 1)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn from an unmapped address = %v, want EFAULT", err)
	}
}

func TestDeallocate(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 8)
	as := m.NewAddressSpace()
	defer as.Release(ctx)
	other := m.NewAddressSpace()
	defer other.Release(ctx)

	free := as.pd.ranges.FreeBytes()
	r := allocate(ctx, t, as, 2*page, RegionOpts{Access: rw})
	mustCopyOut(ctx, t, as, r.Base(), []byte("x"))
	if err := other.Deallocate(ctx, r); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Deallocate from another address space = %v, want EINVAL", err)
	}
	if err := as.Deallocate(ctx, r); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if got := as.pd.ranges.FreeBytes(); got != free {
		t.Errorf("free bytes after Deallocate = %d, want %d", got, free)
	}
	if got := m.MemoryFile().Stats().InUse; got != 0 {
		t.Errorf("frames in use after Deallocate = %d, want 0", got)
	}
	if got := as.FindRegion(r.Base()); got != nil {
		t.Errorf("FindRegion after Deallocate = %v, want nil", got)
	}
}

func TestConcurrentFaults(t *testing.T) {
	const (
		pages   = 8
		workers = 8
	)
	m := newTestManager(t, 64)
	mf := m.MemoryFile()
	ctx := testContext()
	as := m.NewAddressSpace()
	defer as.Release(ctx)
	r := allocate(ctx, t, as, pages*page, RegionOpts{Access: rw})

	// Every worker reads every page; each page is populated exactly once.
	allocs := mf.Stats().Allocations
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			ctx := irq.WithProcessor(context.Background(), irq.NewProcessor())
			b := make([]byte, 1)
			for i := 0; i < pages; i++ {
				if err := as.CopyIn(ctx, r.VAddrForPage(i), b); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("reader: %v", err)
	}
	if got := mf.Stats().Allocations - allocs; got != pages {
		t.Errorf("concurrent faults allocated %d pages, want %d", got, pages)
	}

	child, err := as.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer child.Release(ctx)

	// Parent and child write disjoint pages concurrently.
	var wg errgroup.Group
	for w := 0; w < pages; w++ {
		w := w
		target := as
		if w%2 == 1 {
			target = child
		}
		wg.Go(func() error {
			ctx := irq.WithProcessor(context.Background(), irq.NewProcessor())
			return target.CopyOut(ctx, r.VAddrForPage(w), []byte(fmt.Sprintf("page %d", w)))
		})
	}
	if err := wg.Wait(); err != nil {
		t.Fatalf("writer: %v", err)
	}
	for w := 0; w < pages; w++ {
		writer, other := as, child
		if w%2 == 1 {
			writer, other = child, as
		}
		want := fmt.Sprintf("page %d", w)
		if got := mustCopyIn(ctx, t, writer, r.VAddrForPage(w), len(want)); string(got) != want {
			t.Errorf("writer reads %q from page %d, want %q", got, w, want)
		}
		if got := mustCopyIn(ctx, t, other, r.VAddrForPage(w), len(want)); !isZero(got) {
			t.Errorf("non-writer reads %q from page %d, want zeros", got, w)
		}
	}
}

func TestAllocateKernelRegion(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)

	r, err := m.AllocateKernelRegion(ctx, 2*page, RegionOpts{Name: "kstack", Access: rw}, true)
	if err != nil {
		t.Fatalf("AllocateKernelRegion: %v", err)
	}
	if r.IsUserAccessible() || r.PageDirectory() != m.KernelPageDirectory() {
		t.Errorf("kernel region %v is user accessible or not in the kernel directory", r)
	}
	if got := r.AmountResident(); got != 2*page {
		t.Errorf("AmountResident = %d, want %d", got, 2*page)
	}
	if got := m.KernelRegions(); len(got) != 1 || got[0] != r {
		t.Errorf("KernelRegions = %v, want [%v]", got, r)
	}

	free := m.KernelPageDirectory().RangeAllocator().FreeBytes()
	if _, err := m.AllocateKernelRegion(ctx, 2*page, RegionOpts{Access: rw}, true); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AllocateKernelRegion beyond physical memory = %v, want ENOMEM", err)
	}
	if got := m.KernelPageDirectory().RangeAllocator().FreeBytes(); got != free {
		t.Errorf("failed kernel allocation leaked %d bytes of virtual space", free-got)
	}
	if got := m.MemoryFile().Stats().InUse; got != 2 {
		t.Errorf("failed kernel allocation leaked frames: InUse = %d, want 2", got)
	}
	r.Release(ctx)
}

func TestUsage(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 8)
	as := m.NewAddressSpace()
	defer as.Release(ctx)

	r := allocate(ctx, t, as, 4*page, RegionOpts{Access: rw})
	mustCopyOut(ctx, t, as, r.Base(), make([]byte, page+1))
	child, err := as.Fork(ctx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	defer child.Release(ctx)

	want := Usage{Virtual: 4 * page, Resident: 2 * page, Shared: 2 * page, Dirty: 2 * page}
	if got := as.Usage(); got != want {
		t.Errorf("Usage = %+v, want %+v", got, want)
	}
}
