// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memblk

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/memblk/internal/memblk/segment"
)

// Dispatch executes req to completion against the backing region and reports
// how many bytes were moved.
//
// Segments are walked in order starting at byte Sector*SectorSize. A segment
// running past the end of the device is cut at the end and the remaining
// segments are skipped. Such a short transfer still completes with StatusOK.
// A segment which does not describe valid caller memory stops the request with
// StatusIOError and the bytes moved so far. Nothing is ever retried.
//
// Dispatch takes no locks and does not allocate. Concurrent requests touching
// overlapping ranges, where at least one of them is a write, race and the
// resulting data is undefined. Serializing them is up to the caller. The
// device must be Ready for the whole call, i.e. Destroy must not run
// concurrently with it.
func (d *Device) Dispatch(req Request) Completion {
	if State(atomic.LoadInt32(&d.state)) != Ready {
		return fault(0, ErrNotReady)
	}

	if req.Dir != Read && req.Dir != Write {
		return d.fault(req, 0, 0, errors.Wrapf(ErrInvalidRequest, "unknown %v", req.Dir))
	}

	if req.Sector < 0 {
		return d.fault(req, 0, 0, errors.Wrapf(ErrInvalidRequest, "negative sector %d", req.Sector))
	}

	size := d.store.Size()

	// Sectors past the end would overflow the byte position for huge
	// values. Any position at or past the end transfers nothing.
	position := size
	if req.Sector < d.capacity {
		position = req.Sector * SectorSize
	}

	var transferred int64
	it := segment.NewIterator(req.Segments)
	for i := 0; ; i++ {
		s, ok := it.Next()
		if !ok {
			break
		}

		if s.Offset < 0 || s.Length < 0 {
			return d.fault(req, transferred, it.Remaining(), errors.Wrapf(ErrSegmentFault,
				"segment %d: offset %d, length %d", i, s.Offset, s.Length))
		}

		want := int64(s.Length)
		if want > size-position {
			want = size - position
		}

		if want <= 0 {
			continue
		}

		if s.Offset > len(s.Buf) || want > int64(len(s.Buf)-s.Offset) {
			return d.fault(req, transferred, it.Remaining(), errors.Wrapf(ErrSegmentFault,
				"segment %d: %d bytes at offset %d of %d byte buffer", i, want, s.Offset, len(s.Buf)))
		}

		window := s.Buf[s.Offset : s.Offset+int(want)]
		if req.Dir == Write {
			d.store.WriteAt(window, position)
		} else {
			d.store.ReadAt(window, position)
		}

		position += want
		transferred += want
	}

	return Completion{Status: StatusOK, Bytes: transferred}
}

// Logs the failed request. skipped is the number of segments which were not
// reached.
func (d *Device) fault(req Request, transferred int64, skipped int, err error) Completion {
	log.Warn().Err(err).
		Stringer("dir", req.Dir).
		Int64("sector", req.Sector).
		Int64("transferred", transferred).
		Int("skipped segments", skipped).
		Msg("Request failed.")

	return fault(transferred, err)
}
