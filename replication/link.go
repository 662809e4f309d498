package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-kv-server/protocol"
)

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// EventKind tells what a link Event carries
type EventKind int

const (
	// EventFrame carries one RESP value read from the master
	EventFrame EventKind = iota
	// EventSnapshot carries the snapshot payload that follows FULLRESYNC
	EventSnapshot
	// EventClosed reports the end of the link; Err says why
	EventClosed
)

// Event is produced by the link reader goroutine
type Event struct {
	Kind     EventKind
	Value    protocol.Value
	Size     int
	Snapshot []byte
	Err      error
}

// LinkConfig configures a master link
type LinkConfig struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         Logger
}

// Link is the slave's connection to its master. A reader goroutine decodes
// the stream into Events; Send is meant to be called from a single goroutine.
type Link struct {
	addr         string
	conn         net.Conn
	writer       *protocol.Writer
	events       chan Event
	logger       Logger
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the master at addr and starts reading from it
func Dial(ctx context.Context, addr string, cfg LinkConfig) (*Link, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	cfg.Logger.Debug("Connecting to master", "addr", addr)

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	l := &Link{
		addr:         addr,
		conn:         conn,
		writer:       protocol.NewWriter(conn),
		events:       make(chan Event, 256),
		logger:       cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}

	go l.readLoop()

	cfg.Logger.Info("Connected to master", "addr", addr)
	return l, nil
}

// Addr returns the master address
func (l *Link) Addr() string {
	return l.addr
}

// Events returns the channel of decoded master events
func (l *Link) Events() <-chan Event {
	return l.events
}

// Send writes a value to the master
func (l *Link) Send(v protocol.Value) error {
	if l.writeTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			return err
		}
	}
	if err := l.writer.WriteValue(v); err != nil {
		return err
	}
	return l.writer.Flush()
}

// Close closes the connection and stops the reader
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

// readLoop decodes frames until the connection ends. A FULLRESYNC reply is
// followed by the snapshot payload, which has no trailing CRLF.
func (l *Link) readLoop() {
	reader := protocol.NewReader(l.conn)

	for {
		value, err := reader.ReadNext()
		if err != nil {
			l.emit(Event{Kind: EventClosed, Err: closeReason(err)})
			return
		}

		l.emit(Event{Kind: EventFrame, Value: value, Size: len(protocol.Serialize(value))})

		if value.Type == protocol.TypeSimpleString && isFullResync(value.Data) {
			var payload bytes.Buffer
			if _, err := reader.ReadRawBulk(&payload); err != nil {
				l.emit(Event{Kind: EventClosed, Err: fmt.Errorf("failed to read RDB data: %w", err)})
				return
			}
			l.logger.Debug("RDB data reading completed", "totalSize", payload.Len())
			l.emit(Event{Kind: EventSnapshot, Snapshot: payload.Bytes()})
		}
	}
}

func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

func isFullResync(b []byte) bool {
	return len(b) >= len("FULLRESYNC") && strings.EqualFold(string(b[:len("FULLRESYNC")]), "FULLRESYNC")
}

func closeReason(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("connection closed: %w", err)
	}
	return err
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{}) {}
func (nopLogger) Info(msg string, fields ...interface{})  {}
func (nopLogger) Error(msg string, fields ...interface{}) {}
