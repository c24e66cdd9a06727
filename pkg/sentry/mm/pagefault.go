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

	"github.com/pkg/errors"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/hostarch"
)

// FaultType classifies a page fault.
type FaultType uint8

const (
	// NotPresent means no valid page table entry maps the address.
	NotPresent FaultType = iota

	// ProtectionViolation means a valid entry exists but does not permit
	// the access.
	ProtectionViolation
)

// String implements fmt.Stringer.
func (t FaultType) String() string {
	switch t {
	case NotPresent:
		return "NotPresent"
	case ProtectionViolation:
		return "ProtectionViolation"
	default:
		return fmt.Sprintf("FaultType(%d)", t)
	}
}

// FaultAccess is the kind of access that faulted.
type FaultAccess uint8

const (
	// Read is a load.
	Read FaultAccess = iota

	// Write is a store.
	Write
)

// String implements fmt.Stringer.
func (a FaultAccess) String() string {
	switch a {
	case Read:
		return "Read"
	case Write:
		return "Write"
	default:
		return fmt.Sprintf("FaultAccess(%d)", a)
	}
}

// PageFault describes one trap taken on a virtual address. It only exists
// for the duration of fault handling.
type PageFault struct {
	Addr   hostarch.Addr
	Type   FaultType
	Access FaultAccess
}

// IsWrite returns true if the faulting access was a write.
func (pf PageFault) IsWrite() bool {
	return pf.Access == Write
}

// String implements fmt.Stringer.
func (pf PageFault) String() string {
	return fmt.Sprintf("%s %s at %#x", pf.Type, pf.Access, pf.Addr)
}

// PageFaultResponse is the outcome of handling a PageFault.
type PageFaultResponse uint8

const (
	// Continue means the fault was resolved and the faulting instruction
	// may be re-executed.
	Continue PageFaultResponse = iota

	// ShouldCrash means the faulting task must be terminated.
	ShouldCrash
)

// String implements fmt.Stringer.
func (r PageFaultResponse) String() string {
	switch r {
	case Continue:
		return "Continue"
	case ShouldCrash:
		return "ShouldCrash"
	default:
		return fmt.Sprintf("PageFaultResponse(%d)", r)
	}
}

// CrashReason classifies why a fault terminated the faulting task.
type CrashReason uint8

const (
	// CrashPermission means the access violated the Region's rights.
	CrashPermission CrashReason = iota

	// CrashOutOfMemory means the physical allocator was exhausted.
	CrashOutOfMemory

	// CrashBackingStore means the inode read failed.
	CrashBackingStore

	// CrashNoRegion means no Region maps the faulting address.
	CrashNoRegion
)

// String implements fmt.Stringer.
func (r CrashReason) String() string {
	switch r {
	case CrashPermission:
		return "permission"
	case CrashOutOfMemory:
		return "oom"
	case CrashBackingStore:
		return "io"
	case CrashNoRegion:
		return "no_region"
	default:
		return fmt.Sprintf("CrashReason(%d)", r)
	}
}

// FaultError is returned alongside ShouldCrash. It wraps an errno-valued
// error: EFAULT for permission and missing-region crashes, ENOMEM for
// allocator exhaustion, EIO for backing store failures.
type FaultError struct {
	Fault  PageFault
	Reason CrashReason
	Err    error
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("fatal page fault (%s) on %s: %v", e.Reason, e.Fault, e.Err)
}

// Unwrap returns the underlying error.
func (e *FaultError) Unwrap() error {
	return e.Err
}

// crash records and returns a fatal fault.
func crash(pf PageFault, reason CrashReason, err error) (PageFaultResponse, error) {
	crashesMetric.Increment(reason.String())
	fe := &FaultError{Fault: pf, Reason: reason, Err: err}
	crashLog.Warningf("%v", fe)
	return ShouldCrash, fe
}

// permissionDenied returns a permission crash for pf.
func permissionDenied(pf PageFault, format string, args ...any) (PageFaultResponse, error) {
	return crash(pf, CrashPermission, errors.Wrapf(linuxerr.EFAULT, format, args...))
}
