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

package hostarch

import (
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, test := range []struct {
		addr      Addr
		down      Addr
		up        Addr
		upOK      bool
		offset    uint64
		isAligned bool
	}{
		{addr: 0, down: 0, up: 0, upOK: true, offset: 0, isAligned: true},
		{addr: 1, down: 0, up: PageSize, upOK: true, offset: 1},
		{addr: PageSize, down: PageSize, up: PageSize, upOK: true, isAligned: true},
		{addr: PageSize + 5, down: PageSize, up: 2 * PageSize, upOK: true, offset: 5},
		{addr: ^Addr(0), down: ^Addr(PageMask), up: 0, upOK: false, offset: PageMask},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%#x.RoundDown() = %#x, want %#x", test.addr, got, test.down)
		}
		up, ok := test.addr.RoundUp()
		if ok != test.upOK || (ok && up != test.up) {
			t.Errorf("%#x.RoundUp() = (%#x, %t), want (%#x, %t)", test.addr, up, ok, test.up, test.upOK)
		}
		if got := test.addr.PageOffset(); got != test.offset {
			t.Errorf("%#x.PageOffset() = %d, want %d", test.addr, got, test.offset)
		}
		if got := test.addr.IsPageAligned(); got != test.isAligned {
			t.Errorf("%#x.IsPageAligned() = %t, want %t", test.addr, got, test.isAligned)
		}
	}
}

func TestPageRange(t *testing.T) {
	ar, ok := PageRange(PageSize+1, PageSize)
	if !ok {
		t.Fatalf("PageRange failed")
	}
	if want := (AddrRange{PageSize, 3 * PageSize}); ar != want {
		t.Errorf("PageRange = %v, want %v", ar, want)
	}
	if got := ar.NumPages(); got != 2 {
		t.Errorf("NumPages = %d, want 2", got)
	}
	if _, ok := PageRange(^Addr(0), 2); ok {
		t.Errorf("PageRange of a wrapping range succeeded")
	}
	if got := PagesFor(PageSize + 1); got != 2 {
		t.Errorf("PagesFor(PageSize+1) = %d, want 2", got)
	}
}

func TestAddrRangeIntersect(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	b := AddrRange{0x2000, 0x5000}
	if got, want := a.Intersect(b), (AddrRange{0x2000, 0x3000}); got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
	if !a.Overlaps(b) {
		t.Errorf("%v should overlap %v", a, b)
	}
	c := AddrRange{0x4000, 0x5000}
	if a.Overlaps(c) {
		t.Errorf("%v should not overlap %v", a, c)
	}
	if got := a.Intersect(c).Length(); got != 0 {
		t.Errorf("disjoint Intersect length = %d, want 0", got)
	}
	if !b.IsSupersetOf(c) {
		t.Errorf("%v should be a superset of %v", b, c)
	}
}

func TestAccessType(t *testing.T) {
	if got := ReadWrite.String(); got != "rw-" {
		t.Errorf("ReadWrite.String() = %q", got)
	}
	if !AnyAccess.SupersetOf(ReadWrite) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf returned unexpected results")
	}
	if got := ReadWrite.Intersect(Execute.Union(Read)); got != Read {
		t.Errorf("Intersect = %v, want %v", got, Read)
	}
	if NoAccess.Any() {
		t.Errorf("NoAccess.Any() = true")
	}
	if got := MemoryTypeFor(false).ShortString(); got != "UC" {
		t.Errorf("MemoryTypeFor(false) = %s, want UC", got)
	}
}
