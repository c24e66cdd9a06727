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
	goerrors "errors"
	"testing"

	"regionmm.dev/regionmm/pkg/errors"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/sentry/inode"
	"regionmm.dev/regionmm/pkg/sentry/irq"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
)

// wantCrash checks that err is a *FaultError with the given reason wrapping
// errno.
func wantCrash(t *testing.T, resp PageFaultResponse, err error, reason CrashReason, errno *errors.Error) {
	t.Helper()
	if resp != ShouldCrash {
		t.Fatalf("response = %v, want ShouldCrash", resp)
	}
	var fe *FaultError
	if !goerrors.As(err, &fe) {
		t.Fatalf("error %v is not a *FaultError", err)
	}
	if fe.Reason != reason {
		t.Errorf("crash reason = %v, want %v", fe.Reason, reason)
	}
	if !linuxerr.Equals(errno, err) {
		t.Errorf("crash error %v does not wrap %v", err, errno)
	}
}

func TestZeroFaultContent(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)
	mf := m.MemoryFile()

	// Dirty every free frame so that a reused frame is detectable.
	var dirty []*pgalloc.PhysicalPage
	for {
		p, err := mf.Allocate(pgalloc.AllocOpts{})
		if err != nil {
			break
		}
		copy(mf.QuickMap(p), bytes.Repeat([]byte{0xff}, page))
		mf.Unquickmap()
		dirty = append(dirty, p)
	}
	for _, p := range dirty {
		p.DecRef()
	}

	r := CreateUserAccessibleAnonymous(m, testRange(3), RegionOpts{Access: rw})
	defer r.Release(ctx)
	for i := 0; i < 3; i++ {
		mustFault(ctx, t, r, writeFault(r.VAddrForPage(i)))
		if !isZero(frame(t, r, i)) {
			t.Errorf("page %d is not zero-filled", i)
		}
	}
}

func TestReadOnlyZeroFaultSharesZeroPage(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)
	mf := m.MemoryFile()
	pd := newTestPageDirectory(t, 2, false)

	r := CreateUserAccessibleAnonymous(m, testRange(2), RegionOpts{Access: readOnly})
	defer r.Release(ctx)
	r.Map(ctx, pd)

	before := faultsMetric.Value(faultZeroShared)
	allocs := mf.Stats().Allocations
	mustFault(ctx, t, r, readFault(r.Base()))
	mustFault(ctx, t, r, readFault(r.VAddrForPage(1)))
	if got := mf.Stats().Allocations; got != allocs {
		t.Errorf("read-only zero faults allocated %d pages, want 0", got-allocs)
	}
	if got := faultsMetric.Value(faultZeroShared) - before; got != 2 {
		t.Errorf("zero_shared faults = %d, want 2", got)
	}
	if !r.vmo.isSharedZeroPage(0) || !r.vmo.isSharedZeroPage(1) {
		t.Errorf("slots do not hold the shared zero page")
	}
	if _, opts, ok := pd.pt.Lookup(r.Base()); !ok || opts.AccessType.Write {
		t.Errorf("shared zero page mapped with %v, %t, want read-only", opts, ok)
	}
	if !isZero(frame(t, r, 1)) {
		t.Errorf("shared zero page is not zero")
	}
}

func TestZeroPageWriteCopies(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)
	mf := m.MemoryFile()
	vmo := NewAnonymousVMObject(mf, page)
	defer vmo.DecRef()

	ro := CreateUserAccessible(m, testRange(1), vmo, 0, RegionOpts{Access: readOnly})
	defer ro.Release(ctx)
	mustFault(ctx, t, ro, readFault(ro.Base()))

	// A writable view of the same object must not write the zero page.
	w := CreateUserAccessible(m, testRange(1), vmo, 0, RegionOpts{Access: rw})
	defer w.Release(ctx)
	mustFault(ctx, t, w, cowFault(w.Base()))
	if vmo.isSharedZeroPage(0) {
		t.Fatalf("write fault left the shared zero page in place")
	}
	frame(t, w, 0)[0] = 1
	zero := mf.SharedZeroPage()
	defer zero.DecRef()
	b, err := mf.MapInternal(zero.Paddr(), page)
	if err != nil {
		t.Fatalf("MapInternal: %v", err)
	}
	if !isZero(b) {
		t.Errorf("shared zero page was written")
	}
}

func TestIdempotentFault(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)
	mf := m.MemoryFile()
	r := CreateUserAccessibleAnonymous(m, testRange(1), RegionOpts{Access: rw})
	defer r.Release(ctx)

	mustFault(ctx, t, r, writeFault(r.Base()))
	frame(t, r, 0)[100] = 42
	paddr := paddrOf(t, r, 0)
	allocs := mf.Stats().Allocations
	remaps := faultsMetric.Value(faultRemap)

	mustFault(ctx, t, r, writeFault(r.Base()))
	mustFault(ctx, t, r, readFault(r.Base()))
	if got := paddrOf(t, r, 0); got != paddr {
		t.Errorf("refault moved page from %#x to %#x", paddr, got)
	}
	if got := frame(t, r, 0)[100]; got != 42 {
		t.Errorf("refault changed contents: got %d, want 42", got)
	}
	if got := mf.Stats().Allocations; got != allocs {
		t.Errorf("refault allocated %d pages", got-allocs)
	}
	if got := faultsMetric.Value(faultRemap) - remaps; got != 2 {
		t.Errorf("remap faults = %d, want 2", got)
	}
}

func TestInodeFaultPartialPage(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)
	data := bytes.Repeat([]byte("abcdefgh"), (page+100)/8)
	ino := inode.NewMemInode("short", data)

	r := CreateUserAccessibleInode(m, testRange(2), ino, 0, RegionOpts{Access: readOnly})
	defer r.Release(ctx)
	mustFault(ctx, t, r, readFault(r.VAddrForPage(1)+3))

	got := frame(t, r, 1)
	tail := len(data) - page
	if !bytes.Equal(got[:tail], data[page:]) {
		t.Errorf("page 1 head = %q, want %q", got[:tail], data[page:])
	}
	if !isZero(got[tail:]) {
		t.Errorf("page 1 tail past end of file is not zero-filled")
	}
	if r.vmo.IsPopulated(0) {
		t.Errorf("fault on page 1 populated page 0")
	}
	p := r.vmo.PageRef(1)
	defer p.DecRef()
	if !p.IsLazilyCommitted() {
		t.Errorf("inode-faulted page is not marked lazily committed")
	}
}

func TestInodeFaultRestoresInterrupts(t *testing.T) {
	p := irq.NewProcessor()
	ctx := irq.WithProcessor(testContext(), p)
	m := newTestManager(t, 4)
	r := CreateUserAccessibleInode(m, testRange(1), inode.NewMemInode("f", []byte("x")), 0, RegionOpts{Access: readOnly})
	defer r.Release(ctx)

	mustFault(ctx, t, r, readFault(r.Base()))
	if !p.Enabled() {
		t.Errorf("interrupts left disabled after fault handling")
	}
	if p.Disables() < 2 {
		t.Errorf("Disables = %d, want interrupts disabled again after the inode read", p.Disables())
	}
}

func TestInodeFaultReadError(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"errno", linuxerr.EIO},
		{"other", goerrors.New("medium error")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext()
			m := newTestManager(t, 4)
			ino := inode.NewMemInode("bad", make([]byte, page))
			ino.SetError(tc.err)
			r := CreateUserAccessibleInode(m, testRange(1), ino, 0, RegionOpts{Access: readOnly})
			defer r.Release(ctx)

			resp, err := r.HandleFault(ctx, readFault(r.Base()))
			wantCrash(t, resp, err, CrashBackingStore, linuxerr.EIO)
			if r.vmo.IsPopulated(0) {
				t.Errorf("failed inode fault populated the slot")
			}
			if got := m.MemoryFile().Stats().InUse; got != 0 {
				t.Errorf("failed inode fault leaked %d frames", got)
			}
		})
	}
}

func TestFaultOutOfMemory(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 2)

	r := CreateUserAccessibleAnonymous(m, testRange(2), RegionOpts{Access: rw})
	defer r.Release(ctx)
	mustFault(ctx, t, r, writeFault(r.Base()))

	resp, err := r.HandleFault(ctx, writeFault(r.VAddrForPage(1)))
	wantCrash(t, resp, err, CrashOutOfMemory, linuxerr.ENOMEM)
	if r.vmo.IsPopulated(1) {
		t.Errorf("failed zero fault populated the slot")
	}

	ino := inode.NewMemInode("f", make([]byte, page))
	fr := CreateUserAccessibleInode(m, testRange(1), ino, 0, RegionOpts{Access: readOnly})
	defer fr.Release(ctx)
	resp, err = fr.HandleFault(ctx, readFault(fr.Base()))
	wantCrash(t, resp, err, CrashOutOfMemory, linuxerr.ENOMEM)
}

func TestCOWFaultOutOfMemory(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 2)

	r := CreateUserAccessibleAnonymous(m, testRange(1), RegionOpts{Access: rw})
	defer r.Release(ctx)
	mustFault(ctx, t, r, writeFault(r.Base()))
	frame(t, r, 0)[0] = 7
	c := r.Clone(ctx)
	defer c.Release(ctx)

	resp, err := c.HandleFault(ctx, cowFault(c.Base()))
	wantCrash(t, resp, err, CrashOutOfMemory, linuxerr.ENOMEM)
	if !c.ShouldCOW(0) {
		t.Errorf("failed copy-on-write cleared the bit")
	}
	if got := c.vmo.pageRefs(0); got != 2 {
		t.Errorf("page refs after failed copy = %d, want 2", got)
	}
	if got := frame(t, c, 0)[0]; got != 7 {
		t.Errorf("child contents changed after failed copy: %d", got)
	}
}

func TestPermissionCrashes(t *testing.T) {
	for _, tc := range []struct {
		name   string
		access hostarch.AccessType
		pf     func(hostarch.Addr) PageFault
	}{
		{"read unreadable", hostarch.AccessType{Write: true}, readFault},
		{"write read-only", readOnly, writeFault},
		{"protection write read-only", readOnly, cowFault},
		{"protection read", rw, func(a hostarch.Addr) PageFault {
			return PageFault{Addr: a, Type: ProtectionViolation, Access: Read}
		}},
		{"protection write without page", rw, cowFault},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext()
			m := newTestManager(t, 4)
			r := CreateUserAccessibleAnonymous(m, testRange(1), RegionOpts{Access: tc.access})
			defer r.Release(ctx)

			before := crashesMetric.Value(CrashPermission.String())
			resp, err := r.HandleFault(ctx, tc.pf(r.Base()))
			wantCrash(t, resp, err, CrashPermission, linuxerr.EFAULT)
			if got := crashesMetric.Value(CrashPermission.String()) - before; got != 1 {
				t.Errorf("permission crashes = %d, want 1", got)
			}
		})
	}
}

func TestStaleProtectionFaultAfterCOW(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 8)
	r := CreateUserAccessibleAnonymous(m, testRange(1), RegionOpts{Access: rw})
	defer r.Release(ctx)
	mustFault(ctx, t, r, writeFault(r.Base()))
	c := r.Clone(ctx)
	defer c.Release(ctx)

	// Two threads of the child took the same write fault; the first breaks
	// copy-on-write and the second only refreshes its translation.
	mustFault(ctx, t, c, cowFault(c.Base()))
	paddr := paddrOf(t, c, 0)
	allocs := m.MemoryFile().Stats().Allocations
	mustFault(ctx, t, c, cowFault(c.Base()))
	if got := paddrOf(t, c, 0); got != paddr {
		t.Errorf("stale fault moved page from %#x to %#x", paddr, got)
	}
	if got := m.MemoryFile().Stats().Allocations; got != allocs {
		t.Errorf("stale fault allocated %d pages", got-allocs)
	}
}

func TestFaultOutsideRegionPanics(t *testing.T) {
	ctx := testContext()
	m := newTestManager(t, 4)
	r := CreateUserAccessibleAnonymous(m, testRange(1), RegionOpts{Access: rw})
	defer r.Release(ctx)
	defer func() {
		if recover() == nil {
			t.Errorf("fault outside the region did not panic")
		}
	}()
	r.HandleFault(ctx, readFault(r.Range().End))
}
