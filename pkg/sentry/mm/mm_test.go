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
	"testing"

	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/sentry/irq"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
)

const page = hostarch.PageSize

// testBase is where tests place Regions created without an AddressSpace.
const testBase hostarch.Addr = 0x400000

var (
	rw       = hostarch.ReadWrite
	readOnly = hostarch.Read
)

func newTestManager(t *testing.T, frames uint32) *Manager {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Frames: frames})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(func() {
		if err := mf.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
	})
	return NewManager(mf, ManagerOpts{})
}

// testContext returns a context carrying its own interrupt state.
func testContext() context.Context {
	return irq.WithProcessor(context.Background(), irq.NewProcessor())
}

func testRange(pages int) hostarch.AddrRange {
	return hostarch.AddrRange{Start: testBase, End: testBase + hostarch.Addr(pages*page)}
}

// newTestPageDirectory returns a page directory over testRange(16) in which
// testRange(pages) is already allocated, so that a Region over it can be
// mapped and released.
func newTestPageDirectory(t *testing.T, pages int, kernel bool) *PageDirectory {
	t.Helper()
	ranges := NewRangeAllocator(testRange(16))
	if err := ranges.AllocateSpecific(testRange(pages)); err != nil {
		t.Fatalf("AllocateSpecific(%v): %v", testRange(pages), err)
	}
	return newPageDirectory(ranges, kernel)
}

// mustFault handles pf on r and fails the test unless it resolves.
func mustFault(ctx context.Context, t *testing.T, r *Region, pf PageFault) {
	t.Helper()
	if resp, err := r.HandleFault(ctx, pf); resp != Continue || err != nil {
		t.Fatalf("HandleFault(%v) = %v, %v, want Continue", pf, resp, err)
	}
}

func readFault(addr hostarch.Addr) PageFault {
	return PageFault{Addr: addr, Type: NotPresent, Access: Read}
}

func writeFault(addr hostarch.Addr) PageFault {
	return PageFault{Addr: addr, Type: NotPresent, Access: Write}
}

func cowFault(addr hostarch.Addr) PageFault {
	return PageFault{Addr: addr, Type: ProtectionViolation, Access: Write}
}

// frame returns the physical memory backing r's page i.
func frame(t *testing.T, r *Region, i int) []byte {
	t.Helper()
	paddr, ok := r.vmo.paddr(r.slot(i))
	if !ok {
		t.Fatalf("page %d of %v is not populated", i, r)
	}
	b, err := r.mgr.mf.MapInternal(paddr, page)
	if err != nil {
		t.Fatalf("MapInternal(%#x): %v", paddr, err)
	}
	return b
}

func paddrOf(t *testing.T, r *Region, i int) uintptr {
	t.Helper()
	paddr, ok := r.vmo.paddr(r.slot(i))
	if !ok {
		t.Fatalf("page %d of %v is not populated", i, r)
	}
	return paddr
}

func isZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}
