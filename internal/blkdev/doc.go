// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blkdev exposes a memblk device to the kernel through BUSE.
//
// The package structure is following:
//
// - blkdev.go translates BUSE reads and write batches into memblk requests
// and owns the device once it is handed over.
//
// - dirtymap records which chunks of the device were written. It is consulted
// only when the device is removed.
//
// - export uploads the dirty chunks together with a manifest to an object
// store when the device is removed. Export/s3 is the S3 backend for it.
package blkdev
