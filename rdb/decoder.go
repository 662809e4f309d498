package rdb

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/raniellyferreira/redis-kv-server/storage"
)

var (
	// ErrNoData indicates the snapshot file does not exist or cannot be read
	ErrNoData = errors.New("rdb: no snapshot data")

	// ErrNoKeyValueSection indicates a snapshot without a database selector
	ErrNoKeyValueSection = errors.New("rdb: no key-value section")

	// ErrInvalidHeader indicates a missing or malformed REDIS header
	ErrInvalidHeader = errors.New("rdb: invalid header")

	// ErrUnsupportedType indicates a value type the decoder cannot walk past
	ErrUnsupportedType = errors.New("rdb: unsupported value type")

	// ErrCorrupt indicates malformed encoded data
	ErrCorrupt = errors.New("rdb: corrupt data")
)

// emptySnapshotBase64 is an empty RDB produced by Redis 7.2
const emptySnapshotBase64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

// EmptySnapshot returns the canonical empty snapshot a master sends after
// FULLRESYNC
func EmptySnapshot() []byte {
	data, err := base64.StdEncoding.DecodeString(emptySnapshotBase64)
	if err != nil {
		panic(fmt.Sprintf("rdb: decoding empty snapshot: %v", err))
	}
	return data
}

// Stats describes a decoded snapshot
type Stats struct {
	Version     int
	Keys        int
	SkippedKeys int
	Expiring    int
	AuxFields   map[string]string
}

// collector gathers the string keys of the first database into entries
type collector struct {
	entries  map[string]storage.Entry
	stats    Stats
	sawDB    bool
	activeDB int
	firstDB  int
}

func newCollector() *collector {
	return &collector{
		entries: make(map[string]storage.Entry),
		stats:   Stats{AuxFields: make(map[string]string)},
	}
}

func (c *collector) OnDatabase(index int) error {
	if !c.sawDB {
		c.sawDB = true
		c.firstDB = index
	}
	c.activeDB = index
	return nil
}

func (c *collector) OnKey(key, value []byte, expiry *time.Time) error {
	if !c.sawDB {
		return fmt.Errorf("%w: key %q before database selector", ErrCorrupt, key)
	}
	if c.activeDB != c.firstDB {
		c.stats.SkippedKeys++
		return nil
	}
	c.entries[string(key)] = storage.Entry{Data: value, Expiry: expiry}
	c.stats.Keys = len(c.entries)
	if expiry != nil {
		c.stats.Expiring++
	}
	return nil
}

func (c *collector) OnSkip(key []byte, valueType byte) error {
	if !c.sawDB {
		return fmt.Errorf("%w: key %q before database selector", ErrCorrupt, key)
	}
	c.stats.SkippedKeys++
	return nil
}

func (c *collector) OnAux(key, value []byte) error {
	c.stats.AuxFields[string(key)] = string(value)
	return nil
}

func (c *collector) OnEnd() error {
	if !c.sawDB {
		return ErrNoKeyValueSection
	}
	return nil
}

// Decoder turns snapshot bytes into store entries
type Decoder struct {
	logger Logger
}

// NewDecoder creates a decoder; logger may be nil
func NewDecoder(logger Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode reads a complete snapshot from r. String keys of the first
// database section become entries, FC/FD expiries attached. Nothing is
// returned unless the whole snapshot parses.
func (d *Decoder) Decode(r io.Reader) (map[string]storage.Entry, Stats, error) {
	c := newCollector()
	p := NewParser(r, c)
	if d.logger != nil {
		p.SetLogger(d.logger)
	}

	if err := p.Parse(); err != nil {
		return nil, Stats{}, err
	}

	c.stats.Version = p.Version()
	return c.entries, c.stats, nil
}

// Decode parses a snapshot held in memory
func Decode(data []byte) (map[string]storage.Entry, error) {
	entries, _, err := NewDecoder(nil).Decode(bytes.NewReader(data))
	return entries, err
}

// DecodeFile parses the snapshot at dir/name
func DecodeFile(dir, name string) (map[string]storage.Entry, error) {
	entries, _, err := NewDecoder(nil).DecodeFile(dir, name)
	return entries, err
}

// DecodeFile parses the snapshot at dir/name. A missing or unreadable file
// yields ErrNoData.
func (d *Decoder) DecodeFile(dir, name string) (map[string]storage.Entry, Stats, error) {
	path := filepath.Join(dir, name)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Stats{}, fmt.Errorf("%w: %s does not exist", ErrNoData, path)
		}
		return nil, Stats{}, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	defer f.Close()

	entries, stats, err := d.Decode(f)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return entries, stats, nil
}
