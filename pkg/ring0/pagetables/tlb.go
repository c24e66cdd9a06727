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

package pagetables

import (
	"regionmm.dev/regionmm/pkg/atomicbitops"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/sync"
)

// TLBEntry is a cached translation for one page.
type TLBEntry struct {
	// Physical is the page-aligned physical address.
	Physical uintptr

	// Opts are the options of the entry at fill time.
	Opts MapOpts
}

// TLB caches translations of one set of PageTables. Entries are filled on a
// successful walk and survive changes to the underlying PTE until Flush is
// called for the page, just as a hardware TLB does.
type TLB struct {
	pt *PageTables

	mu      sync.Mutex
	entries map[hostarch.Addr]TLBEntry

	hits    atomicbitops.Uint64
	misses  atomicbitops.Uint64
	flushes atomicbitops.Uint64
}

// NewTLB returns an empty TLB caching translations of pt.
func NewTLB(pt *PageTables) *TLB {
	return &TLB{
		pt:      pt,
		entries: make(map[hostarch.Addr]TLBEntry),
	}
}

// Translate returns the translation for the page containing addr, walking
// the page tables on a miss. ok is false if neither the TLB nor the page
// tables map addr.
func (t *TLB) Translate(addr hostarch.Addr) (e TLBEntry, ok bool) {
	page := addr.RoundDown()
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[page]; ok {
		t.hits.Add(1)
		return e, true
	}
	t.misses.Add(1)
	phys, opts, ok := t.pt.Lookup(page)
	if !ok {
		return TLBEntry{}, false
	}
	e = TLBEntry{Physical: phys, Opts: opts}
	t.entries[page] = e
	return e, true
}

// Flush invalidates the cached translation of the page containing addr.
func (t *TLB) Flush(addr hostarch.Addr) {
	t.mu.Lock()
	delete(t.entries, addr.RoundDown())
	t.mu.Unlock()
	t.flushes.Add(1)
}

// FlushAll invalidates every cached translation.
func (t *TLB) FlushAll() {
	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
	t.flushes.Add(1)
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// TLBStats are TLB counters.
type TLBStats struct {
	Hits    uint64
	Misses  uint64
	Flushes uint64
}

// Stats returns the TLB counters.
func (t *TLB) Stats() TLBStats {
	return TLBStats{
		Hits:    t.hits.Load(),
		Misses:  t.misses.Load(),
		Flushes: t.flushes.Load(),
	}
}
