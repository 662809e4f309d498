package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"
)

// RDB format constants
const (
	MaxSupportedRDBVersion = 12 // Redis 7.x

	RDBOpcodeEOF      = 0xFF
	RDBOpcodeDB       = 0xFE
	RDBOpcodeExpiry   = 0xFD
	RDBOpcodeExpiryMs = 0xFC
	RDBOpcodeResizeDB = 0xFB
	RDBOpcodeAux      = 0xFA

	// Type constants
	RDBTypeString         = 0
	RDBTypeList           = 1
	RDBTypeSet            = 2
	RDBTypeZSet           = 3
	RDBTypeHash           = 4
	RDBTypeZSet2          = 5
	RDBTypeHashZipmap     = 9
	RDBTypeListZiplist    = 10
	RDBTypeSetIntset      = 11
	RDBTypeZSetZiplist    = 12
	RDBTypeHashZiplist    = 13
	RDBTypeListQuicklist  = 14
	RDBTypeHashListpack   = 16
	RDBTypeZSetListpack   = 17
	RDBTypeListQuicklist2 = 18
	RDBTypeSetListpack    = 20
)

// maxStringLen bounds a single length-prefixed string
const maxStringLen = 512 * 1024 * 1024

// Handler receives entries as the parser walks a snapshot
type Handler interface {
	// OnDatabase is called for each database selector
	OnDatabase(index int) error

	// OnKey is called for each string key; expiry is nil for persistent keys
	OnKey(key, value []byte, expiry *time.Time) error

	// OnSkip is called for a key whose value type is parsed but not kept
	OnSkip(key []byte, valueType byte) error

	// OnAux is called for auxiliary fields
	OnAux(key, value []byte) error

	// OnEnd is called when the EOF opcode is reached
	OnEnd() error
}

// Logger is the logging interface used while parsing
type Logger interface {
	Debug(msg string, fields ...interface{})
}

// Parser parses RDB snapshots in streaming mode
type Parser struct {
	br      *bufio.Reader
	handler Handler
	logger  Logger
	version int
}

// NewParser creates a new RDB parser
func NewParser(r io.Reader, handler Handler) *Parser {
	return &Parser{
		br:      bufio.NewReader(r),
		handler: handler,
	}
}

// SetLogger sets the logger for the parser
func (p *Parser) SetLogger(logger Logger) {
	p.logger = logger
}

func (p *Parser) logDebug(msg string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

// Version returns the RDB version read from the header
func (p *Parser) Version() int {
	return p.version
}

// Parse parses the snapshot up to and including the EOF opcode. The
// trailing checksum is not verified.
func (p *Parser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("%w: reading header: %w", ErrInvalidHeader, eofToUnexpected(err))
	}

	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, header[:5])
	}

	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("%w: bad version %q", ErrInvalidHeader, header[5:])
	}
	if version > MaxSupportedRDBVersion {
		return fmt.Errorf("%w: unsupported version %d (max supported: %d)", ErrInvalidHeader, version, MaxSupportedRDBVersion)
	}
	p.version = version

	var expiry *time.Time

	for {
		opcode, err := p.br.ReadByte()
		if err != nil {
			return fmt.Errorf("reading opcode: %w", eofToUnexpected(err))
		}

		switch opcode {
		case RDBOpcodeEOF:
			return p.handler.OnEnd()

		case RDBOpcodeDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("reading database number: %w", err)
			}
			if err := p.handler.OnDatabase(int(db)); err != nil {
				return err
			}

		case RDBOpcodeExpiry:
			var seconds uint32
			if err := binary.Read(p.br, binary.LittleEndian, &seconds); err != nil {
				return fmt.Errorf("reading expiry seconds: %w", eofToUnexpected(err))
			}
			t := time.Unix(int64(seconds), 0)
			expiry = &t

		case RDBOpcodeExpiryMs:
			var millis uint64
			if err := binary.Read(p.br, binary.LittleEndian, &millis); err != nil {
				return fmt.Errorf("reading expiry milliseconds: %w", eofToUnexpected(err))
			}
			t := time.UnixMilli(int64(millis))
			expiry = &t

		case RDBOpcodeResizeDB:
			if _, err := p.readLength(); err != nil {
				return fmt.Errorf("reading hash table size: %w", err)
			}
			if _, err := p.readLength(); err != nil {
				return fmt.Errorf("reading expire table size: %w", err)
			}

		case RDBOpcodeAux:
			if err := p.readAuxField(); err != nil {
				return fmt.Errorf("reading aux field: %w", err)
			}

		default:
			if err := p.readKeyValue(opcode, expiry); err != nil {
				return err
			}
			// An expiry applies to the next key only
			expiry = nil
		}
	}
}

// readLength reads a length-encoded integer
func (p *Parser) readLength() (uint64, error) {
	length, special, err := p.readLengthOrEncoding()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("%w: unexpected string encoding %d where a length was expected", ErrCorrupt, length)
	}
	return length, nil
}

// readLengthOrEncoding reads the length prefix; when special is true the
// returned value is the encoding of an integer or compressed string
func (p *Parser) readLengthOrEncoding() (uint64, bool, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, false, eofToUnexpected(err)
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		// 6-bit length
		return uint64(b & 0x3F), false, nil

	case 1:
		// 14-bit length
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, false, eofToUnexpected(err)
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil

	case 2:
		switch b {
		case 0x80:
			// 32-bit length
			var length uint32
			if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
				return 0, false, eofToUnexpected(err)
			}
			return uint64(length), false, nil
		case 0x81:
			// 64-bit length
			var length uint64
			if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
				return 0, false, eofToUnexpected(err)
			}
			return length, false, nil
		default:
			return 0, false, fmt.Errorf("%w: invalid length prefix 0x%02x", ErrCorrupt, b)
		}

	default:
		return uint64(b & 0x3F), true, nil
	}
}

// readAuxField reads an auxiliary key/value pair
func (p *Parser) readAuxField() error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("aux key: %w", err)
	}

	value, err := p.readString()
	if err != nil {
		return fmt.Errorf("aux value for key %s: %w", key, err)
	}

	p.logDebug("RDB aux field", "key", string(key), "value", string(value))
	return p.handler.OnAux(key, value)
}

// readKeyValue reads a key and a value of the given type
func (p *Parser) readKeyValue(valueType byte, expiry *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("reading key: %w", err)
	}

	if valueType == RDBTypeString {
		value, err := p.readString()
		if err != nil {
			return fmt.Errorf("reading value for key %s: %w", key, err)
		}
		return p.handler.OnKey(key, value, expiry)
	}

	if err := p.skipValue(valueType); err != nil {
		return fmt.Errorf("skipping value for key %s: %w", key, err)
	}
	p.logDebug("RDB value skipped", "key", string(key), "type", valueType)
	return p.handler.OnSkip(key, valueType)
}

// skipValue consumes a non-string value
func (p *Parser) skipValue(valueType byte) error {
	switch valueType {
	case RDBTypeList, RDBTypeSet, RDBTypeListQuicklist:
		return p.skipStrings(1)

	case RDBTypeHash:
		return p.skipStrings(2)

	case RDBTypeZSet:
		// member followed by a score stored as a length-prefixed string
		length, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < length; i++ {
			if _, err := p.readString(); err != nil {
				return err
			}
			n, err := p.br.ReadByte()
			if err != nil {
				return eofToUnexpected(err)
			}
			// 253-255 encode nan and infinities with no payload
			if n < 253 {
				if _, err := p.br.Discard(int(n)); err != nil {
					return eofToUnexpected(err)
				}
			}
		}
		return nil

	case RDBTypeZSet2:
		// member followed by a binary float64
		length, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < length; i++ {
			if _, err := p.readString(); err != nil {
				return err
			}
			if _, err := p.br.Discard(8); err != nil {
				return eofToUnexpected(err)
			}
		}
		return nil

	case RDBTypeHashZipmap, RDBTypeListZiplist, RDBTypeSetIntset, RDBTypeZSetZiplist,
		RDBTypeHashZiplist, RDBTypeHashListpack, RDBTypeZSetListpack, RDBTypeSetListpack:
		// single opaque blob
		_, err := p.readString()
		return err

	case RDBTypeListQuicklist2:
		length, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < length; i++ {
			if _, err := p.readLength(); err != nil { // container kind
				return err
			}
			if _, err := p.readString(); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedType, valueType)
	}
}

// skipStrings consumes a length followed by length*per strings
func (p *Parser) skipStrings(per uint64) error {
	length, err := p.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < length*per; i++ {
		if _, err := p.readString(); err != nil {
			return err
		}
	}
	return nil
}

// readString reads a string in any of its RDB encodings
func (p *Parser) readString() ([]byte, error) {
	length, special, err := p.readLengthOrEncoding()
	if err != nil {
		return nil, err
	}
	if !special {
		return p.readStringData(length)
	}

	switch length {
	case 0:
		// 8-bit integer
		b, err := p.br.ReadByte()
		if err != nil {
			return nil, eofToUnexpected(err)
		}
		return strconv.AppendInt(nil, int64(int8(b)), 10), nil
	case 1:
		// 16-bit integer
		var val int16
		if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
			return nil, eofToUnexpected(err)
		}
		return strconv.AppendInt(nil, int64(val), 10), nil
	case 2:
		// 32-bit integer
		var val int32
		if err := binary.Read(p.br, binary.LittleEndian, &val); err != nil {
			return nil, eofToUnexpected(err)
		}
		return strconv.AppendInt(nil, int64(val), 10), nil
	case 3:
		return p.readCompressedString()
	default:
		return nil, fmt.Errorf("%w: invalid special string encoding %d", ErrCorrupt, length)
	}
}

// readCompressedString reads an LZF compressed string
func (p *Parser) readCompressedString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("compressed length: %w", err)
	}

	uncompressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("uncompressed length: %w", err)
	}
	if uncompressedLen > maxStringLen {
		return nil, fmt.Errorf("%w: uncompressed length %d too large", ErrCorrupt, uncompressedLen)
	}

	compressed, err := p.readStringData(compressedLen)
	if err != nil {
		return nil, err
	}

	data, err := lzfDecompress(compressed, int(uncompressedLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return data, nil
}

// readStringData reads length raw bytes. The buffer grows as data arrives
// so a corrupt length cannot force a huge allocation up front.
func (p *Parser) readStringData(length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	if length > maxStringLen {
		return nil, fmt.Errorf("%w: string length %d too large", ErrCorrupt, length)
	}

	data, err := io.ReadAll(io.LimitReader(p.br, int64(length)))
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != length {
		return nil, fmt.Errorf("string data: want %d bytes, got %d: %w", length, len(data), io.ErrUnexpectedEOF)
	}

	return data, nil
}

func eofToUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
