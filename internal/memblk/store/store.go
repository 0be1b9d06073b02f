// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store provides the backing memory of the memblk device. It is one
// contiguous byte region which is the only source of truth for the device
// data.
package store

import (
	"github.com/pkg/errors"
)

const maxInt = int64(^uint(0) >> 1)

// ErrAllocation is returned when the backing region cannot be obtained.
var ErrAllocation = errors.New("backing store allocation failed")

// Allocator hands out backing regions. Free is called exactly once for every
// region returned by a successful Allocate.
type Allocator interface {
	Allocate(n int64) ([]byte, error)
	Free(buf []byte) error
}

// HeapAllocator allocates regions on the Go heap. Limit caps the size of one
// region in bytes, zero means no cap.
type HeapAllocator struct {
	Limit int64
}

// Allocate returns zeroed memory of n bytes. Runtime refusal to make the slice
// (too large for the address space) is reported as an error. A size the
// address space accepts but the machine cannot back kills the process, use
// MmapAllocator for regions whose size is not under control.
func (h HeapAllocator) Allocate(n int64) (buf []byte, err error) {
	if h.Limit > 0 && n > h.Limit {
		return nil, errors.Errorf("%d bytes over the limit of %d bytes", n, h.Limit)
	}

	if n > maxInt {
		return nil, errors.Errorf("%d bytes do not fit into address space", n)
	}

	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, errors.Errorf("%v", r)
		}
	}()

	return make([]byte, int(n)), nil
}

// Free does nothing, the garbage collector reclaims the region once the store
// drops it.
func (h HeapAllocator) Free(buf []byte) error {
	return nil
}

// Store is the backing region. It does no bounds checking and no locking. The
// caller clamps every access to [0, Size()) and serializes overlapping
// accesses.
type Store struct {
	data      []byte
	allocator Allocator
	released  bool
}

// New allocates a store of size bytes with allocator a. On failure nothing is
// left allocated and the error wraps ErrAllocation.
func New(size int64, a Allocator) (*Store, error) {
	if size < 0 {
		return nil, errors.Wrapf(ErrAllocation, "negative size %d", size)
	}

	data, err := a.Allocate(size)
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "%d bytes: %v", size, err)
	}

	if int64(len(data)) != size {
		a.Free(data)
		return nil, errors.Wrapf(ErrAllocation, "allocator returned %d bytes instead of %d", len(data), size)
	}

	return &Store{data: data, allocator: a}, nil
}

// Size of the region in bytes.
func (s *Store) Size() int64 {
	return int64(len(s.data))
}

// ReadAt copies len(p) bytes starting at off into p.
func (s *Store) ReadAt(p []byte, off int64) {
	copy(p, s.data[off:off+int64(len(p))])
}

// WriteAt copies p into the region starting at off.
func (s *Store) WriteAt(p []byte, off int64) {
	copy(s.data[off:off+int64(len(p))], p)
}

// Release returns the region to the allocator. The store must not be used
// afterwards. Only the first call does anything.
func (s *Store) Release() error {
	if s.released {
		return nil
	}

	err := s.allocator.Free(s.data)
	s.data = nil
	s.released = true

	return errors.Wrap(err, "releasing backing store")
}
