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

	"github.com/google/btree"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/sync"
)

func rangeLess(a, b hostarch.AddrRange) bool {
	return a.Start < b.Start
}

// RangeAllocator hands out page-aligned virtual ranges from a fixed span.
// Free ranges are kept coalesced: no two free ranges are adjacent.
type RangeAllocator struct {
	total hostarch.AddrRange

	mu   sync.Mutex
	free *btree.BTreeG[hostarch.AddrRange]
}

// NewRangeAllocator returns an allocator with all of total free.
//
// Preconditions: total is non-empty and page-aligned.
func NewRangeAllocator(total hostarch.AddrRange) *RangeAllocator {
	if !total.WellFormed() || total.Length() == 0 || !total.IsPageAligned() {
		panic(fmt.Sprintf("invalid allocator range %v", total))
	}
	a := &RangeAllocator{
		total: total,
		free:  btree.NewG(2, rangeLess),
	}
	a.free.ReplaceOrInsert(total)
	return a
}

// Total returns the span managed by a.
func (a *RangeAllocator) Total() hostarch.AddrRange {
	return a.total
}

// Allocate returns the lowest free range of length bytes, rounded up to whole
// pages. It returns linuxerr.EINVAL for a zero length and linuxerr.ENOMEM if
// no free range is large enough.
func (a *RangeAllocator) Allocate(length uint64) (hostarch.AddrRange, error) {
	if length == 0 {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(length)
	if !ok {
		return hostarch.AddrRange{}, linuxerr.ENOMEM
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var found hostarch.AddrRange
	a.free.Ascend(func(fr hostarch.AddrRange) bool {
		if fr.Length() >= length {
			found = fr
			return false
		}
		return true
	})
	if found.Length() == 0 {
		return hostarch.AddrRange{}, linuxerr.ENOMEM
	}
	ar := hostarch.AddrRange{Start: found.Start, End: found.Start + hostarch.Addr(length)}
	a.carveLocked(found, ar)
	return ar, nil
}

// AllocateSpecific marks ar as allocated. It returns linuxerr.EINVAL if ar is
// malformed or outside the managed span, and linuxerr.EEXIST if any part of
// ar is already allocated.
func (a *RangeAllocator) AllocateSpecific(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() || !a.total.IsSupersetOf(ar) {
		return linuxerr.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	fr, ok := a.containingLocked(ar.Start)
	if !ok || !fr.IsSupersetOf(ar) {
		return linuxerr.EEXIST
	}
	a.carveLocked(fr, ar)
	return nil
}

// containingLocked returns the free range containing addr.
//
// Preconditions: a.mu must be locked.
func (a *RangeAllocator) containingLocked(addr hostarch.Addr) (hostarch.AddrRange, bool) {
	var (
		fr hostarch.AddrRange
		ok bool
	)
	a.free.DescendLessOrEqual(hostarch.AddrRange{Start: addr}, func(r hostarch.AddrRange) bool {
		fr, ok = r, r.Contains(addr)
		return false
	})
	return fr, ok
}

// carveLocked removes ar from the free range fr, reinserting whatever is left
// on either side.
//
// Preconditions: a.mu must be locked. fr.IsSupersetOf(ar).
func (a *RangeAllocator) carveLocked(fr, ar hostarch.AddrRange) {
	a.free.Delete(fr)
	if fr.Start < ar.Start {
		a.free.ReplaceOrInsert(hostarch.AddrRange{Start: fr.Start, End: ar.Start})
	}
	if ar.End < fr.End {
		a.free.ReplaceOrInsert(hostarch.AddrRange{Start: ar.End, End: fr.End})
	}
}

// Deallocate returns ar to the free set, merging it with adjacent free
// ranges.
//
// Preconditions: ar was allocated from a and is not free.
func (a *RangeAllocator) Deallocate(ar hostarch.AddrRange) {
	if !a.total.IsSupersetOf(ar) || ar.Length() == 0 {
		panic(fmt.Sprintf("Deallocate(%v) outside %v", ar, a.total))
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		prev, next       hostarch.AddrRange
		hasPrev, hasNext bool
	)
	a.free.DescendLessOrEqual(hostarch.AddrRange{Start: ar.Start}, func(r hostarch.AddrRange) bool {
		prev, hasPrev = r, true
		return false
	})
	a.free.AscendGreaterOrEqual(hostarch.AddrRange{Start: ar.Start}, func(r hostarch.AddrRange) bool {
		next, hasNext = r, true
		return false
	})
	if (hasPrev && prev.End > ar.Start) || (hasNext && next.Start < ar.End) {
		panic(fmt.Sprintf("Deallocate(%v) overlaps a free range", ar))
	}

	merged := ar
	if hasPrev && prev.End == ar.Start {
		a.free.Delete(prev)
		merged.Start = prev.Start
	}
	if hasNext && next.Start == ar.End {
		a.free.Delete(next)
		merged.End = next.End
	}
	a.free.ReplaceOrInsert(merged)
}

// Clone returns an allocator with the same span and free ranges as a.
func (a *RangeAllocator) Clone() *RangeAllocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &RangeAllocator{
		total: a.total,
		free:  a.free.Clone(),
	}
}

// FreeRanges returns the free ranges in address order.
func (a *RangeAllocator) FreeRanges() []hostarch.AddrRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs := make([]hostarch.AddrRange, 0, a.free.Len())
	a.free.Ascend(func(r hostarch.AddrRange) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// FreeBytes returns the total size of the free ranges.
func (a *RangeAllocator) FreeBytes() uint64 {
	var n uint64
	for _, r := range a.FreeRanges() {
		n += r.Length()
	}
	return n
}
