// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func TestMmapAllocator(t *testing.T) {
	s, err := New(1<<20, MmapAllocator{})
	if err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 512)
	s.ReadAt(got, 1<<20-512)
	if !bytes.Equal(got, make([]byte, 512)) {
		t.Error("fresh mapping is not zeroed")
	}

	s.WriteAt([]byte("memblk"), 4096)
	s.ReadAt(got[:6], 4096)
	if string(got[:6]) != "memblk" {
		t.Errorf("read back %q", got[:6])
	}

	if err := s.Release(); err != nil {
		t.Errorf("Release() = %v", err)
	}
	if err := s.Release(); err != nil {
		t.Errorf("second Release() = %v", err)
	}
}

func TestMmapAllocatorZeroSize(t *testing.T) {
	s, err := New(0, MmapAllocator{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Size() != 0 {
		t.Errorf("Size() = %d, want 0", s.Size())
	}
	if err := s.Release(); err != nil {
		t.Errorf("Release() = %v", err)
	}
}

func TestMmapAllocatorFailures(t *testing.T) {
	tests := []struct {
		name string
		size int64
		a    MmapAllocator
		want error
	}{
		// Far beyond any user address space.
		{"enomem", 1 << 60, MmapAllocator{}, unix.ENOMEM},
		{"enomem without reserve", 1 << 60, MmapAllocator{NoReserve: true}, unix.ENOMEM},
		{"over limit", 8192, MmapAllocator{Limit: 4096}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.size, tt.a)
			if s != nil {
				t.Error("got store, want nil")
			}
			if !errors.Is(err, ErrAllocation) {
				t.Errorf("err = %v, want ErrAllocation", err)
			}
		})

		if tt.want != nil {
			_, err := tt.a.Allocate(tt.size)
			if !errors.Is(err, tt.want) {
				t.Errorf("%s: Allocate() = %v, want %v", tt.name, err, tt.want)
			}
		}
	}
}
