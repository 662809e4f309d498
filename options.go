package kvserver

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/raniellyferreira/redis-kv-server/config"
)

// options holds the configuration for a Server
type options struct {
	// Listening
	port       int
	bindHost   string
	listenAddr string

	// Snapshot location, also served by CONFIG GET
	dir        string
	dbFilename string

	// Replication
	replicaOf string
	replID    string

	// Timeouts
	connectTimeout time.Duration
	writeTimeout   time.Duration

	// Observability
	logger      Logger
	logLevel    LogLevel
	metricsAddr string
}

// defaultOptions returns a configuration with sensible defaults
func defaultOptions() *options {
	return &options{
		port:           config.DefaultPort,
		connectTimeout: 5 * time.Second,
		writeTimeout:   10 * time.Second,
		logLevel:       LevelInfo,
	}
}

// addr returns the address the client listener binds
func (o *options) addr() string {
	if o.listenAddr != "" {
		return o.listenAddr
	}
	return net.JoinHostPort(o.bindHost, strconv.Itoa(o.port))
}

// Option represents a configuration option for a Server
type Option func(*options) error

// WithPort sets the client port. It is also the port a slave announces to
// its master.
//
// Example:
//
//	WithPort(6380)
func WithPort(port int) Option {
	return func(o *options) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
		}
		o.port = port
		return nil
	}
}

// WithBindAddr sets the interface the client listener binds. Empty binds
// every interface.
//
// Example:
//
//	WithBindAddr("127.0.0.1")
func WithBindAddr(host string) Option {
	return func(o *options) error {
		o.bindHost = host
		return nil
	}
}

// WithListenAddr sets the full listen address, overriding WithPort and
// WithBindAddr for the listener only. Port 0 picks a free port.
//
// Example:
//
//	WithListenAddr("127.0.0.1:0")
func WithListenAddr(addr string) Option {
	return func(o *options) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, addr, err)
		}
		o.listenAddr = addr
		return nil
	}
}

// WithDir sets the snapshot directory
//
// Example:
//
//	WithDir("/var/lib/kvserver")
func WithDir(dir string) Option {
	return func(o *options) error {
		o.dir = dir
		return nil
	}
}

// WithDBFilename sets the snapshot file name inside the snapshot directory
//
// Example:
//
//	WithDBFilename("dump.rdb")
func WithDBFilename(name string) Option {
	return func(o *options) error {
		o.dbFilename = name
		return nil
	}
}

// WithReplicaOf runs the server as a slave of the master at "<host> <port>"
//
// Example:
//
//	WithReplicaOf("localhost 6379")
func WithReplicaOf(master string) Option {
	return func(o *options) error {
		if master == "" {
			return nil
		}
		if _, err := config.ParseReplicaOf(master); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		o.replicaOf = master
		return nil
	}
}

// WithReplID fixes the replication ID a master hands out instead of a
// random one
//
// Example:
//
//	WithReplID("8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb")
func WithReplID(id string) Option {
	return func(o *options) error {
		if len(id) != 40 {
			return fmt.Errorf("%w: replication id must be 40 characters, got %d", ErrInvalidConfig, len(id))
		}
		o.replID = id
		return nil
	}
}

// WithConnectTimeout sets the timeout for dialing the master
//
// Example:
//
//	WithConnectTimeout(10 * time.Second)
func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		o.connectTimeout = timeout
		return nil
	}
}

// WithWriteTimeout sets the write timeout for client, replica and master
// connections
//
// Example:
//
//	WithWriteTimeout(10 * time.Second)
func WithWriteTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		o.writeTimeout = timeout
		return nil
	}
}

// WithLogger sets a custom logger for the server
//
// Example:
//
//	WithLogger(myCustomLogger)
func WithLogger(logger Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		o.logger = logger
		return nil
	}
}

// WithLogLevel sets the minimum level of the default logger. It has no
// effect on a logger set with WithLogger.
//
// Example:
//
//	WithLogLevel("debug")
func WithLogLevel(level string) Option {
	return func(o *options) error {
		l, err := ParseLogLevel(level)
		if err != nil {
			return err
		}
		o.logLevel = l
		return nil
	}
}

// WithMetricsAddr serves Prometheus metrics at GET /metrics on addr.
// Empty disables the endpoint; metrics are still collected.
//
// Example:
//
//	WithMetricsAddr(":9121")
func WithMetricsAddr(addr string) Option {
	return func(o *options) error {
		o.metricsAddr = addr
		return nil
	}
}
