// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// memblk is a block device emulated entirely in memory. A Device owns one
// contiguous backing region of capacity*SectorSize bytes and services read and
// write requests made of scatter-gather segments through a single entry point,
// Dispatch.
//
// The package does not lock the backing region. Callers submitting requests
// from multiple goroutines serialize overlapping requests themselves or wrap
// the device, e.g. with the serial package.
package memblk
