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

// Package irq models the interrupt-enable state of the processor executing a
// kernel path.
//
// Critical sections are scoped guards:
//
//	defer irq.Disable(ctx).Restore()
//
// Paths that may block (for example, reading a page from a backing inode)
// re-enable interrupts for the duration of the blocking operation:
//
//	en := irq.Enable(ctx)
//	n, err := ino.ReadBytes(ctx, off, buf)
//	en.Restore()
package irq

import (
	"context"
	"fmt"

	"regionmm.dev/regionmm/pkg/atomicbitops"
)

// Processor is the interrupt state of one thread of execution. A Processor
// must not be shared between concurrently running goroutines.
type Processor struct {
	// disabled is true while interrupts are disabled.
	disabled atomicbitops.Bool

	// disables counts transitions from enabled to disabled.
	disables atomicbitops.Uint64
}

// NewProcessor returns a Processor with interrupts enabled.
func NewProcessor() *Processor {
	return &Processor{}
}

// Enabled returns true if interrupts are enabled on p.
func (p *Processor) Enabled() bool {
	return !p.disabled.Load()
}

// Disables returns the number of times interrupts went from enabled to
// disabled on p.
func (p *Processor) Disables() uint64 {
	return p.disables.Load()
}

func (p *Processor) set(disabled bool) bool {
	prev := p.disabled.Swap(disabled)
	if disabled && !prev {
		p.disables.Add(1)
	}
	return prev
}

// Disabler restores the interrupt state saved by Disable.
type Disabler struct {
	p    *Processor
	prev bool
}

// Restore restores the interrupt state in effect before the matching Disable.
func (d Disabler) Restore() {
	d.p.set(d.prev)
}

// Enabler restores the interrupt state saved by Enable.
type Enabler struct {
	p    *Processor
	prev bool
}

// Restore restores the interrupt state in effect before the matching Enable.
func (e Enabler) Restore() {
	e.p.set(e.prev)
}

// Disable disables interrupts on the processor carried by ctx.
func Disable(ctx context.Context) Disabler {
	p := FromContext(ctx)
	return Disabler{p: p, prev: p.set(true)}
}

// Enable enables interrupts on the processor carried by ctx. It is used around
// operations that may block.
func Enable(ctx context.Context) Enabler {
	p := FromContext(ctx)
	return Enabler{p: p, prev: p.set(false)}
}

// AssertDisabled panics if interrupts are enabled on the processor carried by
// ctx.
func AssertDisabled(ctx context.Context, op string) {
	if FromContext(ctx).Enabled() {
		panic(fmt.Sprintf("%s called with interrupts enabled", op))
	}
}

type contextID int

// CtxProcessor is the context key for the current Processor.
const CtxProcessor contextID = iota

// WithProcessor returns a copy of ctx carrying p.
func WithProcessor(ctx context.Context, p *Processor) context.Context {
	return context.WithValue(ctx, CtxProcessor, p)
}

// Ensure returns ctx if it already carries a Processor, or a copy of ctx
// carrying a new Processor with interrupts enabled.
func Ensure(ctx context.Context) context.Context {
	if ctx.Value(CtxProcessor) != nil {
		return ctx
	}
	return WithProcessor(ctx, NewProcessor())
}

// FromContext returns the Processor carried by ctx. If ctx carries none, a
// fresh Processor with interrupts enabled is returned; state changes made on
// it are not observed by later calls.
func FromContext(ctx context.Context) *Processor {
	if v := ctx.Value(CtxProcessor); v != nil {
		return v.(*Processor)
	}
	return NewProcessor()
}
