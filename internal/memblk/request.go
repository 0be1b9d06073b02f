// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memblk

import (
	"fmt"

	"github.com/asch/memblk/internal/memblk/segment"
)

// Direction of the data movement of a request.
type Direction int

const (
	// Read moves data from the device into the segments.
	Read Direction = iota

	// Write moves data from the segments into the device.
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	}

	return fmt.Sprintf("direction(%d)", int(d))
}

// Request is one I/O operation. Segments are applied in order and together
// form one contiguous window of the device starting at Sector*SectorSize.
type Request struct {
	Dir      Direction
	Sector   int64
	Segments []segment.Segment
}

// Length is the number of bytes the request asks for.
func (r Request) Length() int64 {
	return segment.Total(r.Segments)
}

// Status of a completed request.
type Status int

const (
	StatusOK Status = iota
	StatusIOError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusIOError:
		return "io error"
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// Completion is the outcome of one dispatched request. Bytes is the number of
// bytes actually moved. It is smaller than the requested length when the
// request runs past the end of the device, which is not an error, or when a
// fault stopped the transfer, in which case Status is StatusIOError and Err
// holds the cause.
type Completion struct {
	Status Status
	Bytes  int64
	Err    error
}

// OK reports whether the request completed without a fault.
func (c Completion) OK() bool {
	return c.Status == StatusOK
}

func fault(bytes int64, err error) Completion {
	return Completion{Status: StatusIOError, Bytes: bytes, Err: err}
}
