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

package irq

import (
	"context"
	"testing"
)

func TestNestedGuards(t *testing.T) {
	p := NewProcessor()
	ctx := WithProcessor(context.Background(), p)

	outer := Disable(ctx)
	if p.Enabled() {
		t.Fatalf("interrupts enabled after Disable")
	}
	inner := Disable(ctx)
	en := Enable(ctx)
	if !p.Enabled() {
		t.Fatalf("interrupts disabled after Enable")
	}
	en.Restore()
	if p.Enabled() {
		t.Fatalf("Enabler.Restore did not disable interrupts again")
	}
	inner.Restore()
	if p.Enabled() {
		t.Fatalf("inner Restore enabled interrupts")
	}
	outer.Restore()
	if !p.Enabled() {
		t.Fatalf("outer Restore did not enable interrupts")
	}
	if got := p.Disables(); got != 2 {
		t.Errorf("Disables() = %d, want 2", got)
	}
}

func TestAssertDisabled(t *testing.T) {
	ctx := WithProcessor(context.Background(), NewProcessor())
	func() {
		defer Disable(ctx).Restore()
		AssertDisabled(ctx, "remap")
	}()
	defer func() {
		if recover() == nil {
			t.Errorf("AssertDisabled did not panic with interrupts enabled")
		}
	}()
	AssertDisabled(ctx, "remap")
}

func TestFromContextDefault(t *testing.T) {
	if !FromContext(context.Background()).Enabled() {
		t.Errorf("default processor has interrupts disabled")
	}
}

func TestEnsure(t *testing.T) {
	ctx := Ensure(context.Background())
	d := Disable(ctx)
	AssertDisabled(ctx, "ensure")
	d.Restore()
	p := NewProcessor()
	withP := WithProcessor(context.Background(), p)
	if FromContext(Ensure(withP)) != p {
		t.Errorf("Ensure replaced an existing processor")
	}
}
