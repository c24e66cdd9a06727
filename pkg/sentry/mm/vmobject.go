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

	"regionmm.dev/regionmm/pkg/bitmap"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/refs"
	"regionmm.dev/regionmm/pkg/sentry/inode"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
	"regionmm.dev/regionmm/pkg/sync"
)

// VMObjectKind is the kind of backing store of a VMObject.
type VMObjectKind uint8

const (
	// Anonymous objects are zero-filled on first access.
	Anonymous VMObjectKind = iota

	// Inode objects are paged in from an inode.
	Inode
)

// String implements fmt.Stringer.
func (k VMObjectKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case Inode:
		return "inode"
	default:
		return fmt.Sprintf("VMObjectKind(%d)", k)
	}
}

// VMObject is an ordered, fixed-size sequence of physical page slots. An
// empty slot is not yet backed. A populated slot holds one reference on its
// PhysicalPage; the same PhysicalPage may be held by slots of several
// VMObjects after a fork.
//
// VMObjects are reference counted by the Regions that map them.
type VMObject struct {
	refs.Refs[VMObject]

	kind VMObjectKind
	mf   *pgalloc.MemoryFile

	// ino and mgr are only set for Inode objects. mgr is used to drop the
	// object from the inode cache when it is destroyed.
	ino inode.Inode
	mgr *Manager

	// pagingMu serializes zero and inode faults on this object, so that
	// concurrent faulters on the same empty slot populate it exactly once.
	pagingMu sync.Mutex

	// mu protects the fields below.
	mu sync.Mutex

	// pages are the slots. len(pages) is immutable.
	pages []*pgalloc.PhysicalPage

	// dirty has a bit set for every page written through a writable
	// mapping. It is only allocated for Inode objects.
	dirty bitmap.Bitmap
}

// NewAnonymousVMObject returns a zero-fill VMObject of the given size in
// bytes, rounded up to a whole number of pages, holding one reference.
func NewAnonymousVMObject(mf *pgalloc.MemoryFile, size uint64) *VMObject {
	o := &VMObject{
		kind:  Anonymous,
		mf:    mf,
		pages: make([]*pgalloc.PhysicalPage, hostarch.PagesFor(size)),
	}
	o.InitRefs()
	return o
}

// newInodeVMObject returns a VMObject covering every page of ino, holding
// one reference. Use Manager.InodeVMObject to share objects between mappings
// of the same inode.
func newInodeVMObject(mgr *Manager, ino inode.Inode) *VMObject {
	n := hostarch.PagesFor(uint64(ino.Size()))
	o := &VMObject{
		kind:  Inode,
		mf:    mgr.mf,
		ino:   ino,
		mgr:   mgr,
		pages: make([]*pgalloc.PhysicalPage, n),
		dirty: bitmap.New(uint32(n)),
	}
	o.InitRefs()
	return o
}

// DecRef drops a reference. When the last reference is dropped every
// populated slot releases its page.
func (o *VMObject) DecRef() {
	o.Refs.DecRef(o.destroy)
}

func (o *VMObject) destroy() {
	if o.kind == Inode {
		o.mgr.forgetInodeVMObject(o)
	}
	o.mu.Lock()
	pages := o.pages
	o.pages = make([]*pgalloc.PhysicalPage, len(pages))
	o.mu.Unlock()
	for _, p := range pages {
		if p != nil {
			p.DecRef()
		}
	}
}

// Kind returns the kind of backing store.
func (o *VMObject) Kind() VMObjectKind {
	return o.kind
}

// IsAnonymous returns true for Anonymous objects.
func (o *VMObject) IsAnonymous() bool {
	return o.kind == Anonymous
}

// IsInode returns true for Inode objects.
func (o *VMObject) IsInode() bool {
	return o.kind == Inode
}

// Inode returns the backing inode, or nil for Anonymous objects.
func (o *VMObject) Inode() inode.Inode {
	return o.ino
}

// PageCount returns the number of slots.
func (o *VMObject) PageCount() int {
	return len(o.pages)
}

// Size returns the size of the object in bytes.
func (o *VMObject) Size() uint64 {
	return uint64(len(o.pages)) * hostarch.PageSize
}

// checkIndex panics if i is not a valid slot index.
func (o *VMObject) checkIndex(i int) {
	if i < 0 || i >= len(o.pages) {
		panic(fmt.Sprintf("slot %d out of range [0, %d)", i, len(o.pages)))
	}
}

// IsPopulated returns true if slot i holds a page.
func (o *VMObject) IsPopulated(i int) bool {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pages[i] != nil
}

// PageRef returns the page in slot i with a new reference, or nil if the
// slot is empty. The caller must DecRef the returned page.
func (o *VMObject) PageRef(i int) *pgalloc.PhysicalPage {
	o.checkIndex(i)
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.pages[i]
	if p != nil {
		p.IncRef()
	}
	return p
}

// pageRefs returns the reference count of the page in slot i, or 0 if the
// slot is empty.
func (o *VMObject) pageRefs(i int) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p := o.pages[i]; p != nil {
		return p.ReadRefs()
	}
	return 0
}

// paddr returns the physical address of the page in slot i.
func (o *VMObject) paddr(i int) (uintptr, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p := o.pages[i]; p != nil {
		return p.Paddr(), true
	}
	return 0, false
}

// isSharedZeroPage returns true if slot i holds the shared zero page.
func (o *VMObject) isSharedZeroPage(i int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.pages[i]
	return p != nil && p.IsSharedZeroPage()
}

// installPage stores p, whose reference is transferred to o, into the empty
// slot i.
//
// Preconditions: o.pagingMu must be locked.
func (o *VMObject) installPage(i int, p *pgalloc.PhysicalPage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pages[i] != nil {
		panic(fmt.Sprintf("installPage into populated slot %d", i))
	}
	o.pages[i] = p
}

// replacePage stores p, whose reference is transferred to o, into slot i and
// drops the reference held on the previous page.
func (o *VMObject) replacePage(i int, p *pgalloc.PhysicalPage) {
	o.mu.Lock()
	old := o.pages[i]
	o.pages[i] = p
	o.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// Clone returns a new Anonymous VMObject whose slots hold new references on
// the same pages as o. No memory is copied.
func (o *VMObject) Clone() *VMObject {
	if o.kind != Anonymous {
		panic(fmt.Sprintf("Clone of %s VMObject", o.kind))
	}
	c := &VMObject{
		kind: Anonymous,
		mf:   o.mf,
	}
	o.mu.Lock()
	c.pages = make([]*pgalloc.PhysicalPage, len(o.pages))
	for i, p := range o.pages {
		if p != nil {
			p.IncRef()
			c.pages[i] = p
		}
	}
	o.mu.Unlock()
	c.InitRefs()
	return c
}

// isDirty returns true if slot i has been written through a writable
// mapping. Anonymous objects never track dirty pages.
func (o *VMObject) isDirty(i int) bool {
	if o.kind != Inode {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty.Contains(uint32(i))
}

// markDirty records that slot i was written through a writable mapping.
func (o *VMObject) markDirty(i int) {
	if o.kind != Inode {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty.Add(uint32(i))
}

// counts summarizes the slots [first, first+n).
type counts struct {
	resident int
	shared   int
	dirty    int
}

// countRange counts the slots [first, first+n). The shared zero page backs
// no private memory and is not counted.
func (o *VMObject) countRange(first, n int) counts {
	var c counts
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := first; i < first+n; i++ {
		p := o.pages[i]
		if p == nil || p.IsSharedZeroPage() {
			continue
		}
		c.resident++
		if p.ReadRefs() > 1 {
			c.shared++
		}
		if o.kind == Inode && o.dirty.Contains(uint32(i)) {
			c.dirty++
		}
	}
	return c
}

// ResidentPages returns the number of populated slots, not counting slots
// holding the shared zero page.
func (o *VMObject) ResidentPages() int {
	return o.countRange(0, len(o.pages)).resident
}

// String implements fmt.Stringer.
func (o *VMObject) String() string {
	if o.ino != nil {
		return fmt.Sprintf("VMObject{%s %s, %d pages}", o.kind, o.ino.Name(), len(o.pages))
	}
	return fmt.Sprintf("VMObject{%s, %d pages}", o.kind, len(o.pages))
}
