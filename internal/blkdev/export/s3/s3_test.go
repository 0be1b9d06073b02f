// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		prefix string
		key    int64
		want   string
	}{
		{"", 0, "00000000/00000000"},
		{"image", 1, "image/00000001/00000000"},
		{"image/", 1<<32 + 2, "image/00000002/00000001"},
		{"a/b", -1, "a/b/ffffffff/ffffffff"},
	}

	for _, tt := range tests {
		if got := encode(tt.prefix, tt.key); got != tt.want {
			t.Errorf("encode(%q, %d) = %q, want %q", tt.prefix, tt.key, got, tt.want)
		}
	}
}

func TestDecodeInvertsEncode(t *testing.T) {
	for _, key := range []int64{0, 1, 42, 1 << 32, 1<<40 + 7, -1} {
		got, ok := decode("image", encode("image", key))
		if !ok || got != key {
			t.Errorf("decode(encode(%d)) = %d, %v", key, got, ok)
		}
	}
}

func TestDecodeForeignNames(t *testing.T) {
	for _, name := range []string{
		"other/00000001/00000000",
		"image/readme.txt",
		"image/00000001",
		"image/00000001/00000000/extra",
		"image/0001/0000",
	} {
		if key, ok := decode("image", name); ok {
			t.Errorf("decode(%q) = %d, want rejected", name, key)
		}
	}
}
