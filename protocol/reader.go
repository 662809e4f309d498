package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// CRLF is the Redis protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, proto-max-bulk-len)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum size for arrays
	maxArraySize = 1024 * 1024

	// maxDepth is the deepest array nesting accepted
	maxDepth = 128

	// preallocLimit caps what a declared length reserves up front; the rest
	// grows as data arrives
	preallocLimit = 64 * 1024
)

// Reader decodes RESP values from a stream. A frame split across several
// reads of the underlying stream is reassembled before it is returned.
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br: bufio.NewReader(r),
	}
}

// Parse parses exactly one RESP value from the start of buf.
// A buffer that ends before the declared lengths are satisfied yields a
// *ProtocolError wrapping io.ErrUnexpectedEOF.
func Parse(buf []byte) (Value, error) {
	if len(buf) == 0 {
		return Value{}, protocolErrorf(io.ErrUnexpectedEOF, "empty buffer")
	}
	v, err := NewReader(bytes.NewReader(buf)).ReadNext()
	if err == nil {
		return v, nil
	}
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		return Value{}, err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Value{}, protocolErrorf(io.ErrUnexpectedEOF, "incomplete frame")
	default:
		return Value{}, protocolErrorf(err, "parse failed")
	}
}

// ReadNext reads the next RESP value from the stream. It returns io.EOF
// only when the stream ends on a frame boundary.
func (r *Reader) ReadNext() (Value, error) {
	return r.readValue(0)
}

func (r *Reader) readValue(depth int) (Value, error) {
	prefix, err := r.br.ReadByte()
	if err != nil {
		return Value{}, err
	}

	t := ValueType(prefix)
	switch t {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: t, Data: line}, nil

	case TypeInteger:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		n, err := parseInt64(line)
		if err != nil {
			return Value{}, protocolErrorf(err, "invalid integer: %s", line)
		}
		return Value{Type: TypeInteger, Integer: n}, nil

	case TypeBulkString:
		n, err := r.readLength("bulk string", maxBulkSize)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Value{Type: TypeBulkString, IsNull: true}, nil
		}
		var buf bytes.Buffer
		buf.Grow(int(min(n+2, preallocLimit)))
		if _, err := io.CopyN(&buf, r.br, n+2); err != nil {
			return Value{}, unexpectedEOF(err)
		}
		data := buf.Bytes()
		if data[n] != '\r' || data[n+1] != '\n' {
			return Value{}, protocolErrorf(nil, "expected CRLF after bulk string, got %q", data[n:])
		}
		return Value{Type: TypeBulkString, Data: data[:n:n]}, nil

	case TypeArray:
		n, err := r.readLength("array", maxArraySize)
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Value{Type: TypeArray, IsNull: true}, nil
		}
		if depth >= maxDepth {
			return Value{}, protocolErrorf(nil, "arrays nested deeper than %d", maxDepth)
		}
		items := make([]Value, 0, min(n, 1024))
		for ; n > 0; n-- {
			item, err := r.readValue(depth + 1)
			if err != nil {
				return Value{}, unexpectedEOF(err)
			}
			items = append(items, item)
		}
		return Value{Type: TypeArray, Array: items}, nil
	}

	if prefix == 0 {
		return Value{}, protocolErrorf(nil, "unknown RESP type: empty byte (connection may be closed)")
	}
	return Value{}, protocolErrorf(nil, "unknown RESP type: %q (0x%02x)", prefix, prefix)
}

// ReadRawBulk copies a $<len>\r\n<bytes> payload that has no trailing CRLF
// into w and returns its length. This is how a master ships its snapshot
// after FULLRESYNC. A null length copies nothing.
func (r *Reader) ReadRawBulk(w io.Writer) (int64, error) {
	prefix, err := r.br.ReadByte()
	if err != nil {
		return 0, unexpectedEOF(err)
	}
	if ValueType(prefix) != TypeBulkString {
		return 0, protocolErrorf(nil, "expected bulk payload, got %q", prefix)
	}

	n, err := r.readLength("bulk payload", maxBulkSize)
	if err != nil || n < 0 {
		return 0, err
	}
	copied, err := io.CopyN(w, r.br, n)
	if err != nil {
		return copied, unexpectedEOF(err)
	}
	return copied, nil
}

// readLength reads a length line; -1 is returned as is for null values
func (r *Reader) readLength(what string, limit int64) (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	n, err := parseInt64(line)
	if err != nil {
		return 0, protocolErrorf(err, "invalid %s length: %s", what, line)
	}
	if n == -1 {
		return -1, nil
	}
	if n < 0 || n > limit {
		return 0, protocolErrorf(nil, "invalid %s length: %d", what, n)
	}
	return n, nil
}

// readLine returns the next CRLF-terminated line without its terminator.
// The returned slice is owned by the caller.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, protocolErrorf(nil, "missing CRLF terminator")
	}
	return line[:len(line)-2], nil
}

// parseInt64 parses a decimal integer with an optional sign
func parseInt64(b []byte) (int64, error) {
	neg := false
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		neg = b[0] == '-'
		b = b[1:]
	}
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, strconv.ErrSyntax
		}
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// unexpectedEOF upgrades an EOF seen in the middle of a frame
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
