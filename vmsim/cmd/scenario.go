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

package cmd

import (
	"bytes"
	"context"
	"fmt"

	"regionmm.dev/regionmm/pkg/hostarch"
	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/sentry/mm"
)

// forkScenario is a parent address space with a private heap and a shared
// page, forked once, after which the child has written to both.
type forkScenario struct {
	parent *mm.AddressSpace
	child  *mm.AddressSpace
	heap   *mm.Region
	shm    *mm.Region
}

var (
	childHeapData = []byte("child")
	childShmData  = []byte("shared")
)

// heapByte is the byte the parent writes at the start of heap page i.
func heapByte(i int) byte {
	return 'a' + byte(i%26)
}

// runForkScenario builds a forkScenario over mgr with a heap of the given
// number of pages. On success the caller must call release.
func runForkScenario(ctx context.Context, mgr *mm.Manager, pages int) (s *forkScenario, err error) {
	if pages < 1 {
		return nil, fmt.Errorf("heap must have at least one page, got %d", pages)
	}
	s = &forkScenario{parent: mgr.NewAddressSpace()}
	defer func() {
		if err != nil {
			s.release(ctx)
		}
	}()

	s.heap, err = s.parent.AllocateRegion(ctx, mm.AllocateOpts{
		RegionOpts: mm.RegionOpts{Name: "[heap]", Access: hostarch.ReadWrite},
		Length:     uint64(pages) * hostarch.PageSize,
	})
	if err != nil {
		return s, fmt.Errorf("allocating heap: %w", err)
	}
	s.shm, err = s.parent.AllocateRegion(ctx, mm.AllocateOpts{
		RegionOpts: mm.RegionOpts{Name: "[shm]", Access: hostarch.ReadWrite, Shared: true},
		Length:     hostarch.PageSize,
	})
	if err != nil {
		return s, fmt.Errorf("allocating shared page: %w", err)
	}
	for i := 0; i < pages; i++ {
		if err := s.parent.CopyOut(ctx, s.heap.VAddrForPage(i), []byte{heapByte(i)}); err != nil {
			return s, fmt.Errorf("writing heap page %d: %w", i, err)
		}
	}

	s.child, err = s.parent.Fork(ctx)
	if err != nil {
		return s, fmt.Errorf("fork: %w", err)
	}
	log.Debugf("Forked %d regions, %d heap pages now copy-on-write", len(s.child.Regions()), s.heap.COWPages())

	if err := s.child.CopyOut(ctx, s.heap.Base(), childHeapData); err != nil {
		return s, fmt.Errorf("child heap write: %w", err)
	}
	if err := s.child.CopyOut(ctx, s.shm.Base(), childShmData); err != nil {
		return s, fmt.Errorf("child shared write: %w", err)
	}
	return s, s.check(ctx)
}

// check verifies that the child's heap write stayed private and its shared
// write is visible to the parent.
func (s *forkScenario) check(ctx context.Context) error {
	got := make([]byte, len(childHeapData))
	if err := s.parent.CopyIn(ctx, s.heap.Base(), got); err != nil {
		return fmt.Errorf("parent heap read: %w", err)
	}
	if got[0] != heapByte(0) {
		return fmt.Errorf("parent heap page 0 starts with %q, want %q", got[0], heapByte(0))
	}
	got = make([]byte, len(childShmData))
	if err := s.parent.CopyIn(ctx, s.shm.Base(), got); err != nil {
		return fmt.Errorf("parent shared read: %w", err)
	}
	if !bytes.Equal(got, childShmData) {
		return fmt.Errorf("parent shared page holds %q, want %q", got, childShmData)
	}
	return nil
}

func (s *forkScenario) release(ctx context.Context) {
	if s.child != nil {
		s.child.Release(ctx)
	}
	s.parent.Release(ctx)
}
