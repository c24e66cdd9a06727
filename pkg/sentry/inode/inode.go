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

// Package inode provides the backing stores used to page in file-backed
// memory.
package inode

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"regionmm.dev/regionmm/pkg/atomicbitops"
	"regionmm.dev/regionmm/pkg/errors/linuxerr"
	"regionmm.dev/regionmm/pkg/sync"
)

// ID identifies an inode.
type ID uint64

// Inode is a backing store for file-backed memory.
type Inode interface {
	// ID returns the inode's identity. Two Inodes with the same ID back the
	// same memory object.
	ID() ID

	// Size returns the file size in bytes.
	Size() int64

	// Name returns a path-like name for reports.
	Name() string

	// ReadBytes reads up to len(dst) bytes starting at off. It returns the
	// number of bytes read; reads at or past the end of the file return
	// (0, nil). ReadBytes may block.
	ReadBytes(ctx context.Context, off int64, dst []byte) (int, error)
}

var lastID atomicbitops.Uint64

// NextID returns a new unique inode ID.
func NextID() ID {
	return ID(lastID.Add(1))
}

// MemInode is an in-memory Inode.
type MemInode struct {
	id   ID
	name string

	mu   sync.Mutex
	data []byte
	err  error

	reads atomicbitops.Uint64
}

// NewMemInode returns an in-memory inode holding a copy of data.
func NewMemInode(name string, data []byte) *MemInode {
	return &MemInode{
		id:   NextID(),
		name: name,
		data: append([]byte(nil), data...),
	}
}

// ID implements Inode.ID.
func (i *MemInode) ID() ID { return i.id }

// Name implements Inode.Name.
func (i *MemInode) Name() string { return i.name }

// Size implements Inode.Size.
func (i *MemInode) Size() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return int64(len(i.data))
}

// ReadBytes implements Inode.ReadBytes.
func (i *MemInode) ReadBytes(ctx context.Context, off int64, dst []byte) (int, error) {
	i.reads.Add(1)
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return 0, i.err
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	if off >= int64(len(i.data)) {
		return 0, nil
	}
	return copy(dst, i.data[off:]), nil
}

// SetError makes every subsequent read fail with err. A nil err clears the
// failure.
func (i *MemInode) SetError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.err = err
}

// Reads returns the number of ReadBytes calls.
func (i *MemInode) Reads() uint64 {
	return i.reads.Load()
}

// HostInode is an Inode backed by a host file.
type HostInode struct {
	id   ID
	name string
	fd   int
	size int64
}

// OpenHost opens path read-only as a HostInode.
func OpenHost(path string) (*HostInode, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "stat %q", path)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		unix.Close(fd)
		return nil, errors.Wrapf(linuxerr.EINVAL, "%q is not a regular file", path)
	}
	return &HostInode{
		id:   NextID(),
		name: path,
		fd:   fd,
		size: st.Size,
	}, nil
}

// ID implements Inode.ID.
func (h *HostInode) ID() ID { return h.id }

// Name implements Inode.Name.
func (h *HostInode) Name() string { return h.name }

// Size implements Inode.Size.
func (h *HostInode) Size() int64 { return h.size }

// ReadBytes implements Inode.ReadBytes.
func (h *HostInode) ReadBytes(ctx context.Context, off int64, dst []byte) (int, error) {
	done := 0
	for done < len(dst) {
		n, err := unix.Pread(h.fd, dst[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return done, errors.Wrapf(linuxerr.EIO, "pread %s at %d: %v", h.name, off+int64(done), err)
		}
		if n == 0 {
			break
		}
		done += n
	}
	return done, nil
}

// Close releases the host file descriptor.
func (h *HostInode) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return errors.Wrapf(err, "closing %q", h.name)
	}
	return nil
}

// String implements fmt.Stringer.
func (h *HostInode) String() string {
	return fmt.Sprintf("host:%s (fd %d)", h.name, h.fd)
}
