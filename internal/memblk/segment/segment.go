// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package segment describes the caller side of a scatter-gather transfer and
// walks it in order.
package segment

// Segment is one contiguous piece of caller memory taking part in a request.
// It addresses Buf[Offset:Offset+Length]. The memory stays owned by the caller
// and must not be retained after the request completes.
type Segment struct {
	Buf    []byte
	Offset int
	Length int
}

// Iterator yields segments in their declared order. It is finite and cannot
// be restarted.
type Iterator struct {
	segs []Segment
}

// NewIterator returns an iterator over segs. The slice is not copied.
func NewIterator(segs []Segment) *Iterator {
	return &Iterator{segs: segs}
}

// Next returns the next segment. Once the segments are exhausted it keeps
// returning false.
func (it *Iterator) Next() (Segment, bool) {
	if len(it.segs) == 0 {
		return Segment{}, false
	}

	s := it.segs[0]
	it.segs = it.segs[1:]

	return s, true
}

// Remaining number of segments not yet returned by Next.
func (it *Iterator) Remaining() int {
	return len(it.segs)
}

// Total returns the sum of segment lengths. Invalid negative lengths count as
// zero.
func Total(segs []Segment) int64 {
	var total int64
	for _, s := range segs {
		if s.Length > 0 {
			total += int64(s.Length)
		}
	}

	return total
}

// Split cuts buf into segments of at most max bytes, the same way a block
// layer hands over a contiguous transfer page by page. max <= 0 yields one
// segment covering the whole buffer.
func Split(buf []byte, max int) []Segment {
	if max <= 0 || len(buf) <= max {
		return []Segment{{Buf: buf, Length: len(buf)}}
	}

	segs := make([]Segment, 0, (len(buf)+max-1)/max)
	for off := 0; off < len(buf); off += max {
		length := max
		if off+length > len(buf) {
			length = len(buf) - off
		}
		segs = append(segs, Segment{Buf: buf, Offset: off, Length: length})
	}

	return segs
}
