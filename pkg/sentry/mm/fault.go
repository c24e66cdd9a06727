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

	"github.com/pkg/errors"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/sentry/irq"
	"regionmm.dev/regionmm/pkg/sentry/pgalloc"
	"regionmm.dev/regionmm/pkg/sync"
)

// pageBuffers holds page-sized buffers for inode reads.
var pageBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, hostarch.PageSize)
		return &b
	},
}

// handleZeroFault populates page i of an anonymous Region.
//
// Preconditions: Interrupts must be disabled.
func (r *Region) handleZeroFault(ctx context.Context, pf PageFault, i int) (PageFaultResponse, error) {
	s := r.slot(i)
	r.vmo.pagingMu.Lock()
	defer r.vmo.pagingMu.Unlock()

	if r.vmo.IsPopulated(s) {
		// Another faulter populated the slot first.
		faultsMetric.Increment(faultRemap)
		r.remapPage(ctx, i)
		return Continue, nil
	}

	var (
		p    *pgalloc.PhysicalPage
		kind string
	)
	if !r.opts.Shared && !r.opts.Access.Write {
		p = r.mgr.mf.SharedZeroPage()
		kind = faultZeroShared
	} else {
		var err error
		p, err = r.mgr.mf.AllocateUserPage(true)
		if err != nil {
			return crash(pf, CrashOutOfMemory, err)
		}
		kind = faultZero
	}
	r.vmo.installPage(s, p)

	r.mu.Lock()
	r.setShouldCOWLocked(i, false)
	r.remapPageLocked(ctx, i)
	r.mu.Unlock()

	faultsMetric.Increment(kind)
	if log.IsLogging(log.Debug) {
		log.Debugf("Zero fault %v resolved with %v", pf, p)
	}
	return Continue, nil
}

// handleInodeFault pages in page i of an inode-backed Region. Bytes past the
// end of the inode read as zero.
//
// Preconditions: Interrupts must be disabled.
func (r *Region) handleInodeFault(ctx context.Context, pf PageFault, i int) (PageFaultResponse, error) {
	s := r.slot(i)
	markDirty := pf.IsWrite() && r.IsWritable()

	// Acquiring pagingMu and reading the inode may block.
	en := irq.Enable(ctx)
	r.vmo.pagingMu.Lock()
	defer r.vmo.pagingMu.Unlock()

	if r.vmo.IsPopulated(s) {
		en.Restore()
		if markDirty {
			r.vmo.markDirty(s)
		}
		faultsMetric.Increment(faultRemap)
		r.remapPage(ctx, i)
		return Continue, nil
	}

	bufp := pageBuffers.Get().(*[]byte)
	defer pageBuffers.Put(bufp)
	buf := *bufp
	off := int64(s) * hostarch.PageSize
	n, err := r.vmo.ino.ReadBytes(ctx, off, buf)
	en.Restore()
	if err != nil {
		if !linuxerr.Equals(linuxerr.EIO, err) {
			err = errors.Wrapf(linuxerr.EIO, "reading %s at %#x: %v", r.vmo.ino.Name(), off, err)
		}
		return crash(pf, CrashBackingStore, err)
	}
	clear(buf[n:])

	p, err := r.mgr.mf.AllocateUserPage(false)
	if err != nil {
		return crash(pf, CrashOutOfMemory, err)
	}
	copy(r.mgr.mf.QuickMap(p), buf)
	r.mgr.mf.Unquickmap()

	r.vmo.installPage(s, p)
	if markDirty {
		r.vmo.markDirty(s)
	}
	r.remapPage(ctx, i)

	faultsMetric.Increment(faultInode)
	if log.IsLogging(log.Debug) {
		log.Debugf("Inode fault %v read %d bytes of %s into %v", pf, n, r.vmo.ino.Name(), p)
	}
	return Continue, nil
}

// handleCOWFault gives page i of r a private, writable copy. A write
// protection fault on a clean page of an inode-backed Region marks the page
// dirty and maps it writable.
//
// If r's VMObject holds the only reference to the page, the page is made
// writable in place. Otherwise a new page is allocated, the contents are
// copied, and the new page replaces the shared one in r's VMObject. A write
// to the shared zero page always copies.
//
// Preconditions: Interrupts must be disabled. r is writable.
func (r *Region) handleCOWFault(ctx context.Context, pf PageFault, i int) (PageFaultResponse, error) {
	s := r.slot(i)
	mf := r.mgr.mf

	r.mu.Lock()
	defer r.mu.Unlock()

	zero := r.vmo.isSharedZeroPage(s)
	if !r.shouldCOWLocked(i) && !zero {
		if !r.vmo.IsPopulated(s) {
			return permissionDenied(pf, "write protection fault on empty page %d of %v", i, r)
		}
		if r.vmo.IsInode() {
			// First write to a clean inode page.
			r.vmo.markDirty(s)
			faultsMetric.Increment(faultDirty)
		} else {
			// Another faulter already broke copy-on-write for this page;
			// the stale translation only needs refreshing.
			faultsMetric.Increment(faultRemap)
		}
		r.remapPageLocked(ctx, i)
		return Continue, nil
	}

	if !zero && r.vmo.pageRefs(s) == 1 {
		r.setShouldCOWLocked(i, false)
		r.remapPageLocked(ctx, i)
		faultsMetric.Increment(faultCOWInPlace)
		if log.IsLogging(log.Debug) {
			log.Debugf("COW fault %v: sole owner, page %d of %v made writable", pf, i, r)
		}
		return Continue, nil
	}

	old := r.vmo.PageRef(s)
	if old == nil {
		return permissionDenied(pf, "copy-on-write fault on empty page %d of %v", i, r)
	}
	defer old.DecRef()

	p, err := mf.AllocateUserPage(false)
	if err != nil {
		return crash(pf, CrashOutOfMemory, err)
	}
	src, err := mf.MapInternal(old.Paddr(), hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("MapInternal(%v) failed: %v", old, err))
	}
	copy(mf.QuickMap(p), src)
	mf.Unquickmap()

	r.vmo.replacePage(s, p)
	r.setShouldCOWLocked(i, false)
	r.remapPageLocked(ctx, i)

	faultsMetric.Increment(faultCOW)
	if log.IsLogging(log.Debug) {
		log.Debugf("COW fault %v: copied %v into %v", pf, old, p)
	}
	return Continue, nil
}
