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

// Package pagetables provides a generic implementation of pagetables.
//
// The tables are a software model of the x86-64 four-level radix tree
// (PGD, PUD, PMD, PTE). Intermediate levels are allocated on demand by
// EnsurePTE and are never freed while the PageTables is live. Huge pages are
// not supported.
package pagetables

import (
	"fmt"

	"regionmm.dev/regionmm/pkg/atomicbitops"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/sync"
)

// Address constants.
//
// Note that these are the same as those in hostarch, but they are declared
// here to avoid the dependency in the walk loops.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift

	// entriesPerPage is the number of PTEs per page.
	entriesPerPage = 512

	// lowerTop is the first address above the lower half of the 48-bit
	// canonical address space.
	lowerTop = 1 << 47
)

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// level is one intermediate table. Leaf tables carry ptes; upper levels carry
// next.
type level struct {
	next [entriesPerPage]*level
	ptes *PTEs
}

// PageTables is a set of page tables.
type PageTables struct {
	// id identifies the tables in logs and registries.
	id uint64

	// mu protects the intermediate levels below root.
	mu sync.Mutex

	// root is the PGD.
	root level

	// tables counts allocated intermediate and leaf tables.
	tables atomicbitops.Uint64
}

var nextID atomicbitops.Uint64

// New returns new PageTables.
func New() *PageTables {
	return &PageTables{id: nextID.Add(1)}
}

// ID returns a unique identifier for pt.
func (p *PageTables) ID() uint64 {
	return p.id
}

// Tables returns the number of tables allocated below the root.
func (p *PageTables) Tables() uint64 {
	return p.tables.Load()
}

func indices(addr hostarch.Addr) (pgd, pud, pmd, pte uint16) {
	a := uintptr(addr)
	return uint16((a & pgdMask) >> pgdShift),
		uint16((a & pudMask) >> pudShift),
		uint16((a & pmdMask) >> pmdShift),
		uint16((a & pteMask) >> pteShift)
}

func checkAddr(addr hostarch.Addr) {
	if uintptr(addr) >= lowerTop {
		panic(fmt.Sprintf("address %#x outside the lower half", addr))
	}
}

// EnsurePTE returns the entry that maps addr, allocating intermediate tables
// as required. The returned entry may be invalid.
func (p *PageTables) EnsurePTE(addr hostarch.Addr) *PTE {
	checkAddr(addr)
	pgd, pud, pmd, pte := indices(addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	l := &p.root
	for _, idx := range [...]uint16{pgd, pud} {
		if l.next[idx] == nil {
			l.next[idx] = &level{}
			p.tables.Add(1)
		}
		l = l.next[idx]
	}
	if l.next[pmd] == nil {
		l.next[pmd] = &level{ptes: new(PTEs)}
		p.tables.Add(1)
	}
	return &l.next[pmd].ptes[pte]
}

// lookupPTE returns the entry that maps addr, or nil if no leaf table covers
// addr.
func (p *PageTables) lookupPTE(addr hostarch.Addr) *PTE {
	checkAddr(addr)
	pgd, pud, pmd, pte := indices(addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	l := &p.root
	for _, idx := range [...]uint16{pgd, pud, pmd} {
		if l.next[idx] == nil {
			return nil
		}
		l = l.next[idx]
	}
	return &l.ptes[pte]
}

// Lookup returns the physical address and options for addr. The physical
// address includes the page offset of addr.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	e := p.lookupPTE(addr)
	if e == nil || !e.Valid() {
		return 0, MapOpts{}, false
	}
	return e.Address() + uintptr(addr.PageOffset()), e.Opts(), true
}

// Unmap clears the entry for addr if one exists. It returns true if a valid
// entry was cleared.
func (p *PageTables) Unmap(addr hostarch.Addr) bool {
	e := p.lookupPTE(addr)
	if e == nil || !e.Valid() {
		return false
	}
	e.Clear()
	return true
}

// Mapping is one valid leaf entry.
type Mapping struct {
	Addr     hostarch.Addr
	Physical uintptr
	Opts     MapOpts
}

// Mappings returns every valid leaf entry in [start, end), in address order.
func (p *PageTables) Mappings(ar hostarch.AddrRange) []Mapping {
	var ms []Mapping
	for addr := ar.Start.RoundDown(); addr < ar.End; addr += pteSize {
		if phys, opts, ok := p.Lookup(addr); ok {
			ms = append(ms, Mapping{Addr: addr, Physical: phys, Opts: opts})
		}
	}
	return ms
}
