package kvserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/raniellyferreira/redis-kv-server/command"
	"github.com/raniellyferreira/redis-kv-server/config"
	"github.com/raniellyferreira/redis-kv-server/metrics"
	"github.com/raniellyferreira/redis-kv-server/rdb"
	"github.com/raniellyferreira/redis-kv-server/server"
	"github.com/raniellyferreira/redis-kv-server/storage"
)

// Server is a Redis-compatible key-value server, running as a master or as
// a slave of another master
type Server struct {
	// Configuration
	opts   *options
	config *config.ServerConfig
	logger Logger

	// Components
	store   *storage.MemoryStorage
	metrics *metrics.Collector
	server  *server.Server

	// Boot results
	snapshotErr   error
	snapshotStats rdb.Stats

	// State
	mu              sync.Mutex
	started         bool
	closed          bool
	cancel          context.CancelFunc
	metricsListener net.Listener
	metricsDone     chan struct{}
}

// New creates a Server with the given options
//
// The snapshot named by WithDir and WithDBFilename is loaded here. A missing
// or undecodable snapshot is logged and the server starts with an empty
// store; SnapshotErr reports what happened. Nothing is bound until Start.
//
// Example:
//
//	srv, err := kvserver.New(
//		kvserver.WithPort(6380),
//		kvserver.WithReplicaOf("localhost 6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	logger := o.logger
	if logger == nil {
		l := newDefaultLogger()
		l.level = o.logLevel
		logger = l
	}

	cfg := config.New(o.port)
	cfg.Dir = o.dir
	cfg.DBFilename = o.dbFilename
	switch {
	case o.replicaOf != "":
		slave, err := config.ParseReplicaOf(o.replicaOf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Role = slave
	case o.replID != "":
		cfg.Role = &config.Master{ReplID: o.replID}
	}

	store := storage.NewMemory()
	collector := metrics.NewCollector(store)
	store.AddObserver(collector)

	s := &Server{
		opts:    o,
		config:  cfg,
		logger:  logger,
		store:   store,
		metrics: collector,
	}

	s.loadSnapshot()

	s.server = server.New(store, cfg, server.Config{
		Addr:           o.addr(),
		WriteTimeout:   o.writeTimeout,
		ConnectTimeout: o.connectTimeout,
		Logger:         &loggerAdapter{logger: logger},
		Metrics:        collector,
		CommandOptions: []command.Option{
			command.WithMetrics(collector),
			command.WithVersion(Version),
		},
	})

	return s, nil
}

// loadSnapshot fills the store from dir/dbfilename when both are set
func (s *Server) loadSnapshot() {
	if s.config.Dir == "" || s.config.DBFilename == "" {
		return
	}
	path := filepath.Join(s.config.Dir, s.config.DBFilename)

	decoder := rdb.NewDecoder(&loggerAdapter{logger: s.logger})
	entries, stats, err := decoder.DecodeFile(s.config.Dir, s.config.DBFilename)
	switch {
	case err == nil:
	case errors.Is(err, rdb.ErrNoKeyValueSection):
		s.logger.Info("Snapshot has no keys", Field{Key: "path", Value: path})
		return
	case errors.Is(err, rdb.ErrNoData):
		s.snapshotErr = &SnapshotError{Path: path, Err: err}
		s.logger.Info("No snapshot found, starting empty", Field{Key: "path", Value: path})
		return
	default:
		s.snapshotErr = &SnapshotError{Path: path, Err: err}
		s.logger.Error("Failed to load snapshot, starting empty",
			Field{Key: "path", Value: path}, Field{Key: "error", Value: err})
		return
	}

	s.store.Load(entries)
	s.snapshotStats = stats
	s.logger.Info("Snapshot loaded",
		Field{Key: "path", Value: path},
		Field{Key: "keys", Value: stats.Keys},
		Field{Key: "skipped", Value: stats.SkippedKeys},
		Field{Key: "version", Value: stats.Version})
}

// Start binds the client listener and starts serving. In slave role the
// server also connects to its master; an unreachable master is logged and
// does not fail Start. When a metrics address is configured the /metrics
// endpoint is served too.
//
// Example:
//
//	if err := srv.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)

	if err := s.server.Start(ctx); err != nil {
		cancel()
		return &ConnectionError{Addr: s.opts.addr(), Err: err}
	}

	if s.opts.metricsAddr != "" {
		ln, err := net.Listen("tcp", s.opts.metricsAddr)
		if err != nil {
			cancel()
			_ = s.server.Close()
			return &ConnectionError{Addr: s.opts.metricsAddr, Err: err}
		}
		s.metricsListener = ln
		s.metricsDone = make(chan struct{})
		go func() {
			defer close(s.metricsDone)
			if err := s.metrics.Serve(ctx, ln); err != nil {
				s.logger.Error("Metrics endpoint stopped", Field{Key: "error", Value: err})
			}
		}()
		s.logger.Info("Metrics endpoint listening", Field{Key: "addr", Value: ln.Addr().String()})
	}

	s.cancel = cancel
	s.started = true
	s.logger.Info("Server started",
		Field{Key: "addr", Value: s.server.Addr()},
		Field{Key: "role", Value: s.config.Role.Name()},
		Field{Key: "version", Value: Version})

	return nil
}

// Run starts the server and blocks until ctx is cancelled, then closes it
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close gracefully shuts down the server
//
// Client connections, the replica link and the master link are closed and
// the metrics endpoint stops. Close is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.started {
		s.cancel()
		err = s.server.Close()
		if s.metricsDone != nil {
			<-s.metricsDone
		}
	}
	s.metrics.Stop()

	return err
}

// Addr returns the client listening address
func (s *Server) Addr() string {
	return s.server.Addr()
}

// MetricsAddr returns the metrics listening address, or "" when disabled
// or not started
func (s *Server) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// Role returns "master" or "slave"
func (s *Server) Role() string {
	return s.config.Role.Name()
}

// Storage returns the underlying store for direct access
//
// Reads are safe from any goroutine. Writes made here bypass the command
// interpreter and are not forwarded to a replica.
func (s *Server) Storage() storage.Store {
	return s.store
}

// Metrics returns the server's metrics collector
func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

// SnapshotErr returns why the boot snapshot was not loaded, or nil when it
// was loaded or none was configured
func (s *Server) SnapshotErr() error {
	return s.snapshotErr
}

// SnapshotStats describes the snapshot loaded at boot
func (s *Server) SnapshotStats() rdb.Stats {
	return s.snapshotStats
}
