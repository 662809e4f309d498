package replication

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raniellyferreira/redis-kv-server/protocol"
)

// HandshakeState is the slave side position in the replication handshake.
// States only move forward.
type HandshakeState int

const (
	// BeforePing: PING sent, waiting for PONG
	BeforePing HandshakeState = iota
	// PingSentSuccessfully: REPLCONF listening-port sent, waiting for OK
	PingSentSuccessfully
	// ReplConf1Sent: REPLCONF capa sent, waiting for OK
	ReplConf1Sent
	// ReplConf2Sent: PSYNC sent, waiting for FULLRESYNC (terminal)
	ReplConf2Sent
)

// String returns the state name
func (s HandshakeState) String() string {
	switch s {
	case BeforePing:
		return "before_ping"
	case PingSentSuccessfully:
		return "ping_sent"
	case ReplConf1Sent:
		return "replconf1_sent"
	case ReplConf2Sent:
		return "replconf2_sent"
	default:
		return "unknown"
	}
}

// HandshakeError is returned for a master reply the current state does not expect
type HandshakeError struct {
	State HandshakeState
	Reply string
	Err   error
}

// Error implements the error interface
func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("handshake: unexpected reply %q in state %s", e.Reply, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Handshake drives the slave side of the replication handshake:
//
//	PING -> +PONG -> REPLCONF listening-port <port> -> +OK ->
//	REPLCONF capa psync2 -> +OK -> PSYNC ? -1 -> +FULLRESYNC <id> <offset>
//
// It performs no I/O; the caller writes the emitted commands.
type Handshake struct {
	state         HandshakeState
	listeningPort int
	complete      bool
	replID        string
	offset        int64
}

// NewHandshake creates a handshake for a slave listening on port
func NewHandshake(listeningPort int) *Handshake {
	return &Handshake{listeningPort: listeningPort}
}

// Start returns the PING command that opens the handshake
func (h *Handshake) Start() protocol.Value {
	return protocol.CommandValue("PING")
}

// State returns the current state
func (h *Handshake) State() HandshakeState {
	return h.state
}

// Complete reports whether FULLRESYNC has been received
func (h *Handshake) Complete() bool {
	return h.complete
}

// ReplID returns the master replication ID from FULLRESYNC
func (h *Handshake) ReplID() string {
	return h.replID
}

// Offset returns the master replication offset from FULLRESYNC
func (h *Handshake) Offset() int64 {
	return h.offset
}

// Interpret advances the handshake with a reply from the master and returns
// the commands to send next. An unexpected reply leaves the state unchanged
// and yields an error value together with a *HandshakeError.
func (h *Handshake) Interpret(reply protocol.Value) ([]protocol.Value, error) {
	if !reply.IsString() {
		return h.reject(reply, nil)
	}
	text := string(reply.Data)

	switch h.state {
	case BeforePing:
		if strings.EqualFold(text, "PONG") {
			h.state = PingSentSuccessfully
			return []protocol.Value{
				protocol.CommandValue("REPLCONF", "listening-port", strconv.Itoa(h.listeningPort)),
			}, nil
		}

	case PingSentSuccessfully:
		if strings.EqualFold(text, "OK") {
			h.state = ReplConf1Sent
			return []protocol.Value{protocol.CommandValue("REPLCONF", "capa", "psync2")}, nil
		}

	case ReplConf1Sent:
		if strings.EqualFold(text, "OK") {
			h.state = ReplConf2Sent
			return []protocol.Value{protocol.CommandValue("PSYNC", "?", "-1")}, nil
		}

	case ReplConf2Sent:
		if h.complete {
			return h.reject(reply, fmt.Errorf("handshake already complete"))
		}
		replID, offset, ok, err := ParseFullResync(text)
		if ok && err == nil {
			h.replID = replID
			h.offset = offset
			h.complete = true
			return nil, nil
		}
		return h.reject(reply, err)
	}

	return h.reject(reply, nil)
}

func (h *Handshake) reject(reply protocol.Value, cause error) ([]protocol.Value, error) {
	err := &HandshakeError{State: h.state, Reply: reply.String(), Err: cause}
	return []protocol.Value{protocol.ErrorValue("ERR " + err.Error())}, err
}

// ParseFullResync parses "FULLRESYNC <replid> <offset>". ok is false when
// text is not a FULLRESYNC reply at all.
func ParseFullResync(text string) (replID string, offset int64, ok bool, err error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "FULLRESYNC") {
		return "", 0, false, nil
	}
	if len(fields) != 3 {
		return "", 0, true, fmt.Errorf("malformed FULLRESYNC reply: %q", text)
	}
	offset, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", 0, true, fmt.Errorf("invalid FULLRESYNC offset %q: %w", fields[2], err)
	}
	return fields[1], offset, true, nil
}
