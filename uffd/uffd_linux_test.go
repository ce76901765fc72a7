package uffd

import "testing"

func TestLeUint64(t *testing.T) {
	cases := []struct {
		in   []byte
		want uint64
	}{
		{[]byte{0, 0, 0, 0, 0, 0, 0, 0}, 0},
		{[]byte{1, 0, 0, 0, 0, 0, 0, 0}, 1},
		{[]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, ^uint64(0)},
		{[]byte{0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, 0x1000},
	}
	for _, c := range cases {
		if got := leUint64(c.in); got != c.want {
			t.Errorf("leUint64(%v) = %#x, want %#x", c.in, got, c.want)
		}
	}
}
