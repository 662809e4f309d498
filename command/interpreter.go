package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-kv-server/config"
	"github.com/raniellyferreira/redis-kv-server/lua"
	"github.com/raniellyferreira/redis-kv-server/protocol"
	"github.com/raniellyferreira/redis-kv-server/storage"
)

// Fallback selects how requests the interpreter cannot dispatch are answered
type Fallback int

const (
	// FallbackError answers with an error reply; used for client connections
	FallbackError Fallback = iota
	// FallbackOK answers +OK; used for the replication stream so unknown
	// master commands never desynchronize it
	FallbackOK
)

// Metrics receives one observation per interpreted command
type Metrics interface {
	ObserveCommand(name string, took time.Duration, failed bool)
}

// ServerStats exposes connection counts reported by INFO
type ServerStats interface {
	ConnectedClients() int
	ConnectedReplicas() int
}

// Propagator receives every successful write as a command value
type Propagator func(cmd protocol.Value)

// Interpreter executes commands against a store and the server
// configuration. It is not safe for concurrent use; the connection
// multiplexer owns it.
type Interpreter struct {
	store   storage.Store
	config  *config.ServerConfig
	scripts *lua.Engine

	propagate Propagator
	metrics   Metrics
	stats     ServerStats
	version   string

	now       func() time.Time
	startTime time.Time

	commandsProcessed int64
}

// Option configures an Interpreter
type Option func(*Interpreter)

// WithPropagator registers the hook that receives successful writes
func WithPropagator(fn Propagator) Option {
	return func(i *Interpreter) {
		i.propagate = fn
	}
}

// WithMetrics registers a command metrics sink
func WithMetrics(m Metrics) Option {
	return func(i *Interpreter) {
		i.metrics = m
	}
}

// WithServerStats registers the source of connection counts for INFO
func WithServerStats(s ServerStats) Option {
	return func(i *Interpreter) {
		i.stats = s
	}
}

// WithVersion sets the version reported by INFO server
func WithVersion(v string) Option {
	return func(i *Interpreter) {
		i.version = v
	}
}

// WithClock replaces the time source used for PX/EX expiries
func WithClock(now func() time.Time) Option {
	return func(i *Interpreter) {
		if now != nil {
			i.now = now
		}
	}
}

// New creates an interpreter over store and cfg
func New(store storage.Store, cfg *config.ServerConfig, opts ...Option) *Interpreter {
	i := &Interpreter{
		store:   store,
		config:  cfg,
		scripts: lua.NewEngine(store),
		version: "0.0.0",
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(i)
	}

	i.startTime = i.now()
	i.scripts.SetWriteHook(func(args []string) {
		if len(args) > 0 {
			i.emit(protocol.CommandValue(args[0], args[1:]...))
		}
	})

	return i
}

// Config returns the configuration the interpreter reads and mutates
func (i *Interpreter) Config() *config.ServerConfig {
	return i.config
}

// Scripts returns the Lua engine backing EVAL
func (i *Interpreter) Scripts() *lua.Engine {
	return i.scripts
}

// CommandsProcessed returns how many commands were dispatched
func (i *Interpreter) CommandsProcessed() int64 {
	return i.commandsProcessed
}

// Interpret executes one request and returns its replies. Most commands
// produce one reply; PSYNC produces two; CONFIG GET of an unknown parameter
// produces none. A request that is not a command, or names an unknown one,
// is answered according to fallback.
func (i *Interpreter) Interpret(req protocol.Value, fallback Fallback) []protocol.Value {
	cmd, err := protocol.ParseCommand(req)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidArgument) {
			return one(errorReply(fmt.Sprintf("ERR %s", err)))
		}
		return one(fallbackReply(fallback, "ERR invalid request: expected an array of strings"))
	}

	handler, known := handlers[cmd.Name]
	if !known {
		if i.metrics != nil {
			i.metrics.ObserveCommand("unknown", 0, fallback == FallbackError)
		}
		return one(fallbackReply(fallback, fmt.Sprintf("ERR unknown command '%s'", cmd.Name)))
	}

	start := time.Now()
	replies := handler(i, cmd)
	i.commandsProcessed++

	if i.metrics != nil {
		failed := len(replies) > 0 && replies[0].IsError()
		i.metrics.ObserveCommand(strings.ToLower(cmd.Name), time.Since(start), failed)
	}

	return replies
}

// emit forwards a write to the propagator, if any
func (i *Interpreter) emit(cmd protocol.Value) {
	if i.propagate != nil {
		i.propagate(cmd)
	}
}

func fallbackReply(fallback Fallback, msg string) protocol.Value {
	if fallback == FallbackOK {
		return protocol.SimpleString("OK")
	}
	return errorReply(msg)
}

// errorReply builds an error value; CR and LF would break the framing
func errorReply(msg string) protocol.Value {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return protocol.ErrorValue(msg)
}

func wrongArgs(name string) []protocol.Value {
	return one(errorReply(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))))
}

func one(v protocol.Value) []protocol.Value {
	return []protocol.Value{v}
}

func ok() []protocol.Value {
	return one(protocol.SimpleString("OK"))
}
