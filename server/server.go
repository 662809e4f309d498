package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-kv-server/command"
	"github.com/raniellyferreira/redis-kv-server/config"
	"github.com/raniellyferreira/redis-kv-server/protocol"
	"github.com/raniellyferreira/redis-kv-server/storage"
)

const (
	// defaultIdleSleep is how long the loop sleeps after a tick with no work
	defaultIdleSleep = time.Millisecond

	// framesPerTick bounds how many frames one connection may have
	// interpreted per tick so a pipelining client cannot starve the others
	framesPerTick = 64

	inboxSize = 128
)

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Metrics receives connection level observations. Implementations must be
// safe for concurrent use; reader goroutines report traffic.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	BytesRead(n int)
	BytesWritten(n int)
	Propagated(n int, offset int64)
	ReplicationOffset(offset int64)
}

// Config configures a Server
type Config struct {
	// Addr is the listen address; empty means ":<port>" from the server config
	Addr string

	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
	IdleSleep      time.Duration

	Logger         Logger
	Metrics        Metrics
	CommandOptions []command.Option
}

// Server multiplexes client connections, the replica link and the master
// link onto a single goroutine. That goroutine alone touches the store, the
// configuration, the interpreter and the handshake; reader goroutines only
// decode frames into per-connection inboxes.
type Server struct {
	cfg    Config
	store  storage.Store
	config *config.ServerConfig
	interp *command.Interpreter
	logger Logger

	listener net.Listener
	accepted chan net.Conn

	// Owned by the loop goroutine
	conns   []*conn
	nextID  uint64
	replica *conn
	master  *masterLink

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New creates a server over store and cfg. Nothing is bound until Start.
func New(store storage.Store, cfg *config.ServerConfig, opts Config) *Server {
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = defaultIdleSleep
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf(":%d", cfg.Port)
	}

	s := &Server{
		cfg:      opts,
		store:    store,
		config:   cfg,
		logger:   opts.Logger,
		accepted: make(chan net.Conn, 16),
		loopDone: make(chan struct{}),
	}

	cmdOpts := append([]command.Option{
		command.WithPropagator(s.propagate),
		command.WithServerStats(loopStats{s}),
	}, opts.CommandOptions...)
	s.interp = command.New(store, cfg, cmdOpts...)

	return s
}

// Interpreter returns the command interpreter owned by the server loop
func (s *Server) Interpreter() *command.Interpreter {
	return s.interp
}

// Start binds the listener and starts the acceptor and the loop. In slave
// role it also connects to the master and opens the handshake. The server
// stops when ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	err := errors.New("server already started")
	s.startOnce.Do(func() {
		err = s.start(ctx)
	})
	return err
}

func (s *Server) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("Server listening", "addr", listener.Addr().String(), "role", s.config.Role.Name())

	if slave, ok := s.config.Role.(*config.Slave); ok {
		s.master = s.connectMaster(slave)
	}

	go func() {
		<-s.ctx.Done()
		s.listener.Close()
	}()

	s.wg.Add(1)
	go s.acceptConnections()

	go s.loop()

	return nil
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-s.loopDone
	return s.Close()
}

// Close stops the server and closes every connection
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
		<-s.loopDone
		s.wg.Wait()
		// The acceptor may have queued connections after the loop exited
		s.dropAccepted()
		s.logger.Info("Server stopped")
	})
	return s.closeErr
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// loopStats reports connection counts to INFO. It reads loop-owned state,
// so only the interpreter, running on the loop goroutine, may call it.
type loopStats struct {
	s *Server
}

func (ls loopStats) ConnectedClients() int {
	n := 0
	for _, c := range ls.s.conns {
		if !c.closed && c != ls.s.replica {
			n++
		}
	}
	return n
}

func (ls loopStats) ConnectedReplicas() int {
	if r := ls.s.replica; r != nil && !r.closed {
		return 1
	}
	return 0
}

// acceptConnections hands new connections to the loop
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Accept failed", "error", err)
			continue
		}

		select {
		case s.accepted <- nc:
		case <-s.ctx.Done():
			nc.Close()
			return
		}
	}
}

// loop is the single owner of all mutable server state. Each tick registers
// new connections, then drains client inboxes in registration order, then
// the master link.
func (s *Server) loop() {
	defer close(s.loopDone)
	defer s.shutdown()

	for {
		if s.ctx.Err() != nil {
			return
		}

		worked := s.registerAccepted()

		for _, c := range s.conns {
			if s.serveConn(c) {
				worked = true
			}
		}

		if s.master != nil && s.serveMaster() {
			worked = true
		}

		s.compact()

		if !worked {
			time.Sleep(s.cfg.IdleSleep)
		}
	}
}

func (s *Server) registerAccepted() bool {
	worked := false
	for {
		select {
		case nc := <-s.accepted:
			s.register(nc)
			worked = true
		default:
			return worked
		}
	}
}

func (s *Server) register(nc net.Conn) {
	s.nextID++
	c := newConn(s.nextID, nc, s.cfg.WriteTimeout, s.cfg.Metrics)
	s.conns = append(s.conns, c)
	s.cfg.Metrics.ConnectionOpened()
	s.logger.Debug("Client connected", "id", c.id, "remote", nc.RemoteAddr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.readLoop(s.ctx)
	}()
}

// compact drops closed connections, keeping registration order
func (s *Server) compact() {
	live := s.conns[:0]
	for _, c := range s.conns {
		if !c.closed {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(s.conns); i++ {
		s.conns[i] = nil
	}
	s.conns = live
	if s.replica != nil && s.replica.closed {
		s.logger.Info("Replica disconnected", "id", s.replica.id)
		s.replica = nil
	}
}

func (s *Server) shutdown() {
	s.dropAccepted()
	for _, c := range s.conns {
		s.closeConn(c)
	}
	s.conns = nil
	s.replica = nil
	if s.master != nil {
		s.master.link.Close()
		s.master = nil
	}
}

// dropAccepted closes connections accepted but never registered
func (s *Server) dropAccepted() {
	for {
		select {
		case nc := <-s.accepted:
			nc.Close()
		default:
			return
		}
	}
}

func (s *Server) closeConn(c *conn) {
	if c.closed {
		return
	}
	c.close()
	s.cfg.Metrics.ConnectionClosed()
	s.logger.Debug("Client disconnected", "id", c.id)
}

// propagate forwards a successful write to the replica and advances the
// master offset by the bytes sent
func (s *Server) propagate(cmd protocol.Value) {
	master, ok := s.config.Role.(*config.Master)
	if !ok || s.replica == nil || s.replica.closed {
		return
	}

	data := protocol.Serialize(cmd)
	if err := s.replica.writeRaw(data); err != nil {
		s.logger.Error("Failed to propagate to replica", "id", s.replica.id, "error", err)
		s.closeConn(s.replica)
		return
	}

	master.ReplOffset += int64(len(data))
	s.cfg.Metrics.Propagated(len(data), master.ReplOffset)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{}) {}
func (nopLogger) Info(msg string, fields ...interface{})  {}
func (nopLogger) Error(msg string, fields ...interface{}) {}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()              {}
func (nopMetrics) ConnectionClosed()              {}
func (nopMetrics) BytesRead(n int)                {}
func (nopMetrics) BytesWritten(n int)             {}
func (nopMetrics) Propagated(n int, offset int64) {}
func (nopMetrics) ReplicationOffset(offset int64) {}
