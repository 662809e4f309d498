package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/raniellyferreira/redis-kv-server/command"
	"github.com/raniellyferreira/redis-kv-server/protocol"
)

// frame is one decoded request, or the error that ended the stream
type frame struct {
	value protocol.Value
	err   error
}

// conn is a client connection. The reader goroutine owns netConn reads;
// everything else belongs to the loop.
type conn struct {
	id           uint64
	netConn      net.Conn
	out          io.Writer
	writer       *protocol.Writer
	inbox        chan frame
	writeTimeout time.Duration
	metrics      Metrics
	closed       bool
}

func newConn(id uint64, nc net.Conn, writeTimeout time.Duration, metrics Metrics) *conn {
	c := &conn{
		id:           id,
		netConn:      nc,
		inbox:        make(chan frame, inboxSize),
		writeTimeout: writeTimeout,
		metrics:      metrics,
	}
	c.out = countingWriter{w: nc, metrics: metrics}
	c.writer = protocol.NewWriter(c.out)
	return c
}

// readLoop decodes frames into the inbox until the stream ends
func (c *conn) readLoop(ctx context.Context) {
	reader := protocol.NewReader(countingReader{r: c.netConn, metrics: c.metrics})

	for {
		value, err := reader.ReadNext()
		if err != nil {
			select {
			case c.inbox <- frame{err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case c.inbox <- frame{value: value}:
		case <-ctx.Done():
			return
		}
	}
}

// writeReplies writes and flushes replies in order
func (c *conn) writeReplies(replies []protocol.Value) error {
	if len(replies) == 0 {
		return nil
	}
	c.setWriteDeadline()
	for _, reply := range replies {
		if err := c.writer.WriteValue(reply); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

// writeRaw writes pre-serialized bytes; the reply writer is always flushed
// so nothing can interleave
func (c *conn) writeRaw(data []byte) error {
	c.setWriteDeadline()
	_, err := c.out.Write(data)
	return err
}

func (c *conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *conn) close() {
	c.closed = true
	c.netConn.Close()
}

// serveConn interprets up to framesPerTick frames from c's inbox
func (s *Server) serveConn(c *conn) bool {
	worked := false
	for n := 0; n < framesPerTick && !c.closed; n++ {
		select {
		case f := <-c.inbox:
			worked = true
			s.handleFrame(c, f)
		default:
			return worked
		}
	}
	return worked
}

func (s *Server) handleFrame(c *conn, f frame) {
	if f.err != nil {
		s.handleReadError(c, f.err)
		return
	}

	replies := s.interp.Interpret(f.value, command.FallbackError)
	name := commandName(f.value)

	if name == "PSYNC" && len(replies) == 2 && replies[0].Type == protocol.TypeSimpleString {
		s.promoteReplica(c)
	}

	if err := c.writeReplies(replies); err != nil {
		s.logger.Error("Failed to write reply", "id", c.id, "error", err)
		s.closeConn(c)
		return
	}

	if name == "QUIT" {
		s.closeConn(c)
	}
}

// handleReadError answers a malformed frame with a protocol error and drops
// the connection; a clean end of stream just drops it
func (s *Server) handleReadError(c *conn, err error) {
	var perr *protocol.ProtocolError
	switch {
	case errors.As(err, &perr) && !errors.Is(err, io.ErrUnexpectedEOF):
		s.logger.Debug("Protocol error", "id", c.id, "error", err)
		_ = c.writeReplies([]protocol.Value{protocol.ErrorValue("ERR Protocol error: " + perr.Message)})
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
	default:
		s.logger.Debug("Read failed", "id", c.id, "error", err)
	}
	s.closeConn(c)
}

// promoteReplica makes c the replica link; writes are forwarded to it from
// now on. A previous replica keeps its connection but stops receiving the
// stream.
func (s *Server) promoteReplica(c *conn) {
	if s.replica != nil && s.replica != c {
		s.logger.Info("Replacing replica", "old", s.replica.id, "new", c.id)
	}
	s.replica = c
	s.logger.Info("Replica attached", "id", c.id, "remote", c.netConn.RemoteAddr().String())
}

// commandName returns the upper-cased command name of a request, or ""
func commandName(v protocol.Value) string {
	cmd, err := protocol.ParseCommand(v)
	if err != nil {
		return ""
	}
	return cmd.Name
}

type countingReader struct {
	r       io.Reader
	metrics Metrics
}

func (cr countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.metrics.BytesRead(n)
	return n, err
}

type countingWriter struct {
	w       io.Writer
	metrics Metrics
}

func (cw countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.metrics.BytesWritten(n)
	return n, err
}
