// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package segment

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIteratorOrder(t *testing.T) {
	a, b, c := make([]byte, 1), make([]byte, 2), make([]byte, 3)
	segs := []Segment{
		{Buf: a, Length: 1},
		{Buf: b, Length: 2},
		{Buf: c, Length: 3},
	}

	it := NewIterator(segs)
	var lengths []int
	for s, ok := it.Next(); ok; s, ok = it.Next() {
		lengths = append(lengths, s.Length)
	}

	if diff := cmp.Diff([]int{1, 2, 3}, lengths); diff != "" {
		t.Errorf("iteration order mismatch (-want +got):\n%s", diff)
	}

	if _, ok := it.Next(); ok {
		t.Error("exhausted iterator returned a segment")
	}
	if it.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", it.Remaining())
	}
}

func TestIteratorEmpty(t *testing.T) {
	it := NewIterator(nil)
	if _, ok := it.Next(); ok {
		t.Error("empty iterator returned a segment")
	}
}

func TestTotal(t *testing.T) {
	segs := []Segment{{Length: 512}, {Length: 0}, {Length: -3}, {Length: 100}}
	if got := Total(segs); got != 612 {
		t.Errorf("Total() = %d, want 612", got)
	}
}

func TestSplit(t *testing.T) {
	buf := make([]byte, 10)

	tests := []struct {
		name string
		max  int
		want [][2]int
	}{
		{"even", 5, [][2]int{{0, 5}, {5, 5}}},
		{"tail", 4, [][2]int{{0, 4}, {4, 4}, {8, 2}}},
		{"larger than buffer", 64, [][2]int{{0, 10}}},
		{"no limit", 0, [][2]int{{0, 10}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got [][2]int
			for _, s := range Split(buf, tt.max) {
				if len(s.Buf) != len(buf) {
					t.Errorf("segment does not reference the whole caller buffer")
				}
				got = append(got, [2]int{s.Offset, s.Length})
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Split mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplitEmpty(t *testing.T) {
	segs := Split(nil, 4096)
	if len(segs) != 1 || segs[0].Length != 0 {
		t.Errorf("Split(nil) = %+v, want one zero-length segment", segs)
	}
}
