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
	"fmt"
	"sync/atomic"

	"regionmm.dev/regionmm/pkg/hostarch"
)

// Opts are pagetable options.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	writeThrough   = 0x008
	cacheDisable   = 0x010
	accessed       = 0x020
	dirty          = 0x040
	global         = 0x100
	readDisable    = 0x200 // Available to software.
	executeDisable = 1 << 63
	optionMask     = executeDisable | 0xfff
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.
func (o MapOpts) String() string {
	u := "k"
	if o.User {
		u = "u"
	}
	return fmt.Sprintf("%s%s/%s", o.AccessType, u, o.MemoryType.ShortString())
}

// PTE is a page table entry.
type PTE uintptr

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	atomic.StoreUintptr((*uintptr)(p), 0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return atomic.LoadUintptr((*uintptr)(p))&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
func (p *PTE) Opts() MapOpts {
	v := atomic.LoadUintptr((*uintptr)(p))
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0 && v&readDisable == 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global:     v&global != 0,
		User:       v&user != 0,
		MemoryType: memoryTypeFromBits(v),
	}
}

func memoryTypeFromBits(v uintptr) hostarch.MemoryType {
	if v&cacheDisable != 0 {
		return hostarch.MemoryTypeUncached
	}
	return hostarch.MemoryTypeWriteBack
}

// Set sets this PTE value.
//
// Precondition: addr must be page-aligned.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if addr&optionMask != 0 {
		panic(fmt.Sprintf("unaligned physical address %#x", addr))
	}
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (addr &^ optionMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if !opts.AccessType.Read {
		v |= readDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if opts.MemoryType == hostarch.MemoryTypeUncached {
		v |= cacheDisable | writeThrough
	}
	atomic.StoreUintptr((*uintptr)(p), v)
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return atomic.LoadUintptr((*uintptr)(p)) &^ optionMask
}

// String implements fmt.Stringer.
func (p *PTE) String() string {
	if !p.Valid() {
		return "none"
	}
	return fmt.Sprintf("%#x %s", p.Address(), p.Opts())
}
