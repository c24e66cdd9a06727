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

package inode

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
)

func TestMemInodeRead(t *testing.T) {
	ctx := context.Background()
	ino := NewMemInode("mem", []byte("hello world"))
	for _, tc := range []struct {
		name string
		off  int64
		len  int
		want string
	}{
		{name: "start", off: 0, len: 5, want: "hello"},
		{name: "short", off: 6, len: 16, want: "world"},
		{name: "eof", off: 11, len: 4, want: ""},
		{name: "past eof", off: 100, len: 4, want: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, tc.len)
			n, err := ino.ReadBytes(ctx, tc.off, buf)
			if err != nil {
				t.Fatalf("ReadBytes: %v", err)
			}
			if diff := cmp.Diff(tc.want, string(buf[:n])); diff != "" {
				t.Errorf("ReadBytes mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if got := ino.Reads(); got != 4 {
		t.Errorf("Reads() = %d, want 4", got)
	}
}

func TestMemInodeError(t *testing.T) {
	ino := NewMemInode("mem", []byte("x"))
	ino.SetError(linuxerr.EIO)
	if _, err := ino.ReadBytes(context.Background(), 0, make([]byte, 1)); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("ReadBytes = %v, want EIO", err)
	}
	ino.SetError(nil)
	if _, err := ino.ReadBytes(context.Background(), 0, make([]byte, 1)); err != nil {
		t.Errorf("ReadBytes after clearing error: %v", err)
	}
}

func TestUniqueIDs(t *testing.T) {
	a, b := NewMemInode("a", nil), NewMemInode("b", nil)
	if a.ID() == b.ID() {
		t.Errorf("two inodes share ID %d", a.ID())
	}
}

func TestHostInode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	h, err := OpenHost(path)
	if err != nil {
		t.Fatalf("OpenHost: %v", err)
	}
	defer h.Close()

	if got := h.Size(); got != 10 {
		t.Errorf("Size() = %d, want 10", got)
	}
	buf := make([]byte, 8)
	n, err := h.ReadBytes(context.Background(), 4, buf)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if got := string(buf[:n]); got != "456789" {
		t.Errorf("ReadBytes = %q, want %q", got, "456789")
	}
}

func TestOpenHostErrors(t *testing.T) {
	if _, err := OpenHost(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Errorf("OpenHost of a missing file succeeded")
	}
	if _, err := OpenHost(t.TempDir()); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("OpenHost of a directory = %v, want EINVAL", err)
	}
}
