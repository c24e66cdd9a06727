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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemoveContains(t *testing.T) {
	b := New(70)
	if !b.IsEmpty() {
		t.Fatalf("new bitmap is not empty")
	}
	for _, i := range []uint32{0, 5, 63, 64, 69} {
		b.Add(i)
		if !b.Contains(i) {
			t.Errorf("Contains(%d) = false after Add", i)
		}
	}
	b.Add(5)
	if got := b.GetNumOnes(); got != 5 {
		t.Errorf("GetNumOnes() = %d, want 5", got)
	}
	b.Remove(63)
	b.Remove(63)
	if got, want := b.ToSlice(), []uint32{0, 5, 64, 69}; !cmp.Equal(got, want) {
		t.Errorf("ToSlice() diff (-got +want):\n%s", cmp.Diff(got, want))
	}
}

func TestOutOfRangePanics(t *testing.T) {
	b := New(3)
	defer func() {
		if recover() == nil {
			t.Errorf("Add(3) on a 3-bit bitmap did not panic")
		}
	}()
	b.Add(3)
}

func TestFillAndClearRange(t *testing.T) {
	for _, test := range []struct {
		name      string
		size      uint32
		fill      [2]uint32
		clear     [2]uint32
		wantOnes  uint32
		wantFirst uint32
	}{
		{name: "within one block", size: 64, fill: [2]uint32{2, 10}, clear: [2]uint32{4, 6}, wantOnes: 6, wantFirst: 2},
		{name: "across blocks", size: 200, fill: [2]uint32{60, 140}, clear: [2]uint32{60, 64}, wantOnes: 76, wantFirst: 64},
		{name: "full", size: 128, fill: [2]uint32{0, 128}, clear: [2]uint32{0, 0}, wantOnes: 128, wantFirst: 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := New(test.size)
			b.FillRange(test.fill[0], test.fill[1])
			b.ClearRange(test.clear[0], test.clear[1])
			if got := b.GetNumOnes(); got != test.wantOnes {
				t.Errorf("GetNumOnes() = %d, want %d", got, test.wantOnes)
			}
			if got := uint32(len(b.ToSlice())); got != test.wantOnes {
				t.Errorf("len(ToSlice()) = %d, want %d", got, test.wantOnes)
			}
			first, err := b.FirstOne(0)
			if err != nil {
				t.Fatalf("FirstOne: %v", err)
			}
			if first != test.wantFirst {
				t.Errorf("FirstOne(0) = %d, want %d", first, test.wantFirst)
			}
		})
	}
}

func TestFirstZero(t *testing.T) {
	b := NewFilled(66)
	if _, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero on a full bitmap succeeded")
	}
	b.Remove(65)
	if got, err := b.FirstZero(3); err != nil || got != 65 {
		t.Errorf("FirstZero(3) = (%d, %v), want (65, nil)", got, err)
	}
}

func TestClone(t *testing.T) {
	b := NewFilled(10)
	c := b.Clone()
	c.Remove(0)
	if !b.Contains(0) {
		t.Errorf("Remove on a clone modified the original")
	}
	if c.Len() != 10 || c.GetNumOnes() != 9 {
		t.Errorf("clone has Len %d, ones %d; want 10, 9", c.Len(), c.GetNumOnes())
	}
}
