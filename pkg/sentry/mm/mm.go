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

// Package mm implements virtual memory regions: mappings of memory objects
// into address spaces, demand paging and copy-on-write sharing across forks.
//
// A VMObject is an ordered sequence of physical page slots, either anonymous
// (zero-fill) or backed by an inode. A Region maps a page-aligned slice of a
// VMObject into one PageDirectory. Physical pages are populated lazily by
// Region.HandleFault and shared between forked Regions until one side writes.
//
// Lock order:
//
//	AddressSpace.mu
//		VMObject.pagingMu
//			Region.mu
//				VMObject.mu
//					Manager.mu
//					pgalloc.MemoryFile locks
//
// Page table mutations happen with interrupts disabled (see package irq).
// The inode fault path re-enables interrupts around acquiring
// VMObject.pagingMu and reading from the inode, since both may block.
package mm

import (
	"time"

	"regionmm.dev/regionmm/pkg/log"
	"regionmm.dev/regionmm/pkg/metric"
)

// checkInvariants enables runtime invariant checks.
const checkInvariants = true

// Fault kinds, as recorded by faultsMetric.
const (
	faultZero       = "zero"
	faultZeroShared = "zero_shared"
	faultInode      = "inode"
	faultCOW        = "cow"
	faultCOWInPlace = "cow_in_place"
	faultRemap      = "remap"
	faultDirty      = "dirty"
)

var (
	faultsMetric = metric.MustCreateNewUint64Metric("/mm/faults", "Number of page faults resolved, by kind.",
		metric.NewField("kind", faultZero, faultZeroShared, faultInode, faultCOW, faultCOWInPlace, faultRemap, faultDirty))
	crashesMetric = metric.MustCreateNewUint64Metric("/mm/crashes", "Number of page faults that terminated the faulting task, by reason.",
		metric.NewField("reason", CrashPermission.String(), CrashOutOfMemory.String(), CrashBackingStore.String(), CrashNoRegion.String()))
	committedPagesMetric = metric.MustCreateNewUint64Metric("/mm/committed_pages", "Number of pages populated by an explicit commit.")
)

// crashLog reports fatal faults. Many tasks crashing at once must not flood
// the log.
var crashLog = log.BasicRateLimitedLogger(time.Second)
