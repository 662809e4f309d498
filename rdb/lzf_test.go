package rdb

import (
	"bytes"
	"testing"
)

func TestLZFDecompress(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		outLen int
		want   []byte // nil means an error is expected
	}{
		{"empty", []byte{}, 0, []byte{}},
		{"literal run", []byte{0x05, 'h', 'e', 'l', 'l', 'o', '!'}, 6, []byte("hello!")},
		{"overlapping back reference", []byte{0x00, 'a', 0x60, 0x00}, 6, []byte("aaaaaa")},
		{"back reference after literals", []byte{0x02, 'a', 'b', 'c', 0x20, 0x02}, 6, []byte("abcabc")},
		{"extended length", []byte{0x00, 'x', 0xe0, 0x01, 0x00}, 11, bytes.Repeat([]byte("x"), 11)},
		{"declared length without input", []byte{}, 3, nil},
		{"reference before start", []byte{0x00, 'a', 0x60, 0x05}, 6, nil},
		{"truncated literal", []byte{0x05, 'h', 'e', 'l'}, 6, nil},
		{"missing distance byte", []byte{0x00, 'a', 0x60}, 6, nil},
		{"output overflow", []byte{0x05, 'h', 'e', 'l', 'l', 'o', '!'}, 4, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := lzfDecompress(tt.in, tt.outLen)
			if tt.want == nil {
				if err == nil {
					t.Fatalf("expected an error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
