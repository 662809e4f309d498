package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Serialize encodes a value into its wire form. It returns nil for a value
// of unknown type.
func Serialize(v Value) []byte {
	out, err := Append(nil, v)
	if err != nil {
		return nil
	}
	return out
}

// Append appends the wire form of v to dst
func Append(dst []byte, v Value) ([]byte, error) {
	switch v.Type {
	case TypeSimpleString, TypeError:
		dst = append(dst, byte(v.Type))
		dst = append(dst, v.Data...)
		return append(dst, CRLF...), nil
	case TypeInteger:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, v.Integer, 10)
		return append(dst, CRLF...), nil
	case TypeBulkString:
		if v.IsNull {
			return append(dst, "$-1\r\n"...), nil
		}
		dst = appendHeader(dst, '$', len(v.Data))
		dst = append(dst, v.Data...)
		return append(dst, CRLF...), nil
	case TypeRawBulk:
		dst = appendHeader(dst, '$', len(v.Data))
		return append(dst, v.Data...), nil
	case TypeArray:
		if v.IsNull {
			return append(dst, "*-1\r\n"...), nil
		}
		dst = appendHeader(dst, '*', len(v.Array))
		var err error
		for _, item := range v.Array {
			if dst, err = Append(dst, item); err != nil {
				return dst, err
			}
		}
		return dst, nil
	default:
		return dst, fmt.Errorf("unsupported value type: %c", v.Type)
	}
}

func appendHeader(dst []byte, prefix byte, n int) []byte {
	dst = append(dst, prefix)
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, CRLF...)
}

// Writer buffers encoded values until Flush
type Writer struct {
	bw      *bufio.Writer
	scratch []byte
}

// NewWriter creates a new RESP protocol writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw: bufio.NewWriter(w),
	}
}

// WriteValue encodes v into the buffer. Nothing reaches the underlying
// writer before Flush unless the buffer fills.
func (w *Writer) WriteValue(v Value) error {
	out, err := Append(w.scratch[:0], v)
	if err != nil {
		return err
	}
	// Keep small scratch buffers for reuse; drop snapshot-sized ones
	if cap(out) <= 64*1024 {
		w.scratch = out
	}
	_, err = w.bw.Write(out)
	return err
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Reset discards buffered data and switches to a new underlying writer
func (w *Writer) Reset(writer io.Writer) {
	w.bw.Reset(writer)
}
