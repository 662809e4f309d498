package rdb

import (
	"errors"
	"fmt"
)

var errLZFTruncated = errors.New("lzf: truncated input")

// lzfDecompress expands an LZF stream, the format RDB uses for compressed
// strings, into exactly outLen bytes.
//
// A control byte below 32 starts a literal run of ctrl+1 bytes. Any other
// control byte is a back reference: the top three bits hold the length
// minus two (7 means one more length byte follows) and the low five bits
// with the next byte hold the distance minus one.
func lzfDecompress(in []byte, outLen int) ([]byte, error) {
	out := make([]byte, 0, outLen)
	i := 0

	for i < len(in) && len(out) < outLen {
		ctrl := int(in[i])
		i++

		if ctrl < 1<<5 {
			n := ctrl + 1
			if i+n > len(in) {
				return nil, errLZFTruncated
			}
			if len(out)+n > outLen {
				return nil, fmt.Errorf("lzf: literal run overflows %d bytes", outLen)
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}

		n := ctrl >> 5
		if n == 7 {
			if i >= len(in) {
				return nil, errLZFTruncated
			}
			n += int(in[i])
			i++
		}
		n += 2
		if i >= len(in) {
			return nil, errLZFTruncated
		}
		dist := ((ctrl&0x1f)<<8 | int(in[i])) + 1
		i++

		if dist > len(out) {
			return nil, fmt.Errorf("lzf: back reference %d before start of output", dist)
		}
		if len(out)+n > outLen {
			return nil, fmt.Errorf("lzf: back reference overflows %d bytes", outLen)
		}
		// Byte by byte, the source may overlap what is being written
		for from := len(out) - dist; n > 0; n-- {
			out = append(out, out[from])
			from++
		}
	}

	if len(out) != outLen {
		return nil, fmt.Errorf("lzf: expanded to %d bytes, expected %d", len(out), outLen)
	}
	return out, nil
}
