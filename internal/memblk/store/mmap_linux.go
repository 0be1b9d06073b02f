// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MmapAllocator maps anonymous private memory outside of the Go heap. The
// kernel refuses a mapping it cannot back with ENOMEM, which is returned as an
// ordinary error. Limit caps the size of one region in bytes, zero means no
// cap.
type MmapAllocator struct {
	Limit int64

	// Skip the commit accounting of the kernel. Mappings larger than the
	// memory then succeed and the process gets killed when it touches more
	// pages than the machine has.
	NoReserve bool
}

// Allocate maps n bytes of zeroed memory.
func (m MmapAllocator) Allocate(n int64) ([]byte, error) {
	if m.Limit > 0 && n > m.Limit {
		return nil, errors.Errorf("%d bytes over the limit of %d bytes", n, m.Limit)
	}

	if n > maxInt {
		return nil, errors.Errorf("%d bytes do not fit into address space", n)
	}

	// Zero length mappings are invalid.
	if n == 0 {
		return []byte{}, nil
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if m.NoReserve {
		flags |= unix.MAP_NORESERVE
	}

	buf, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes", n)
	}

	return buf, nil
}

// Free unmaps a region returned by Allocate.
func (m MmapAllocator) Free(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	return errors.Wrap(unix.Munmap(buf), "munmap")
}

// Default allocator of the platform.
func Default() Allocator {
	return MmapAllocator{}
}
