// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// +build !linux

package store

// Default allocator of the platform.
func Default() Allocator {
	return HeapAllocator{}
}
