package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-kv-server/config"
	"github.com/raniellyferreira/redis-kv-server/protocol"
	"github.com/raniellyferreira/redis-kv-server/rdb"
)

type handlerFunc func(i *Interpreter, cmd *protocol.Command) []protocol.Value

var handlers = map[string]handlerFunc{
	"PING":     (*Interpreter).handlePing,
	"ECHO":     (*Interpreter).handleEcho,
	"SET":      (*Interpreter).handleSet,
	"GET":      (*Interpreter).handleGet,
	"DEL":      (*Interpreter).handleDel,
	"KEYS":     (*Interpreter).handleKeys,
	"CONFIG":   (*Interpreter).handleConfig,
	"INFO":     (*Interpreter).handleInfo,
	"PSYNC":    (*Interpreter).handlePsync,
	"REPLCONF": (*Interpreter).handleReplconf,
	"EVAL":     (*Interpreter).handleEval,
	"EVALSHA":  (*Interpreter).handleEvalSHA,
	"SCRIPT":   (*Interpreter).handleScript,
	"COMMAND":  (*Interpreter).handleCommand,
	"CLIENT":   (*Interpreter).handleClient,
	"QUIT":     (*Interpreter).handleQuit,
}

func (i *Interpreter) handlePing(cmd *protocol.Command) []protocol.Value {
	switch len(cmd.Args) {
	case 0:
		return one(protocol.SimpleString("PONG"))
	case 1:
		return one(protocol.BulkBytes(cmd.Args[0]))
	default:
		return wrongArgs(cmd.Name)
	}
}

func (i *Interpreter) handleEcho(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) != 1 {
		return wrongArgs(cmd.Name)
	}
	return one(protocol.SimpleString(string(cmd.Args[0])))
}

// handleSet stores a value. PX and EX set a relative expiry; any other
// option is skipped.
func (i *Interpreter) handleSet(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) < 2 {
		return wrongArgs(cmd.Name)
	}

	key := string(cmd.Args[0])
	value := cmd.Args[1]

	var expiry *time.Time
	opts := cmd.Args[2:]
	for n := 0; n < len(opts); n++ {
		var unit time.Duration
		switch strings.ToUpper(string(opts[n])) {
		case "PX":
			unit = time.Millisecond
		case "EX":
			unit = time.Second
		default:
			continue
		}

		if n+1 >= len(opts) {
			return one(errorReply("ERR syntax error"))
		}
		amount, err := strconv.ParseInt(string(opts[n+1]), 10, 64)
		if err != nil {
			return one(errorReply("ERR value is not an integer or out of range"))
		}
		if amount <= 0 {
			return one(errorReply("ERR invalid expire time in 'set' command"))
		}

		at := i.now().Add(time.Duration(amount) * unit)
		expiry = &at
		n++
	}

	if err := i.store.Set(key, value, expiry); err != nil {
		return one(errorReply(fmt.Sprintf("ERR %v", err)))
	}

	i.emit(cmd.Value())
	return ok()
}

func (i *Interpreter) handleGet(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) != 1 {
		return wrongArgs(cmd.Name)
	}

	value, exists := i.store.Get(string(cmd.Args[0]))
	if !exists {
		return one(protocol.NullBulkString())
	}
	return one(protocol.BulkBytes(value))
}

func (i *Interpreter) handleDel(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) == 0 {
		return wrongArgs(cmd.Name)
	}

	deleted := int64(0)
	for _, arg := range cmd.Args {
		if _, ok := i.store.Remove(string(arg)); ok {
			deleted++
		}
	}

	if deleted > 0 {
		i.emit(cmd.Value())
	}
	return one(protocol.Integer(deleted))
}

func (i *Interpreter) handleKeys(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) != 1 {
		return wrongArgs(cmd.Name)
	}

	keys := i.store.Keys(string(cmd.Args[0]))
	values := make([]protocol.Value, len(keys))
	for n, key := range keys {
		values[n] = protocol.BulkString(key)
	}
	return one(protocol.Array(values...))
}

func (i *Interpreter) handleConfig(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) == 0 {
		return wrongArgs(cmd.Name)
	}

	sub := strings.ToUpper(string(cmd.Args[0]))
	switch sub {
	case "GET":
		if len(cmd.Args) != 2 {
			return wrongArgs("config|get")
		}
		name := strings.ToLower(string(cmd.Args[1]))
		value, known := i.config.Get(name)
		if !known {
			return nil
		}
		return one(protocol.Array(protocol.BulkString(name), protocol.BulkString(value)))

	case "SET":
		if len(cmd.Args) != 3 {
			return wrongArgs("config|set")
		}
		if err := i.config.Set(string(cmd.Args[1]), string(cmd.Args[2])); err != nil {
			return one(errorReply(fmt.Sprintf("ERR %v", err)))
		}
		return ok()

	default:
		return one(errorReply(fmt.Sprintf("ERR unknown subcommand '%s'", cmd.Args[0])))
	}
}

// handlePsync answers a full resynchronization request with the replication
// ID, the current offset and an empty snapshot
func (i *Interpreter) handlePsync(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) != 2 {
		return wrongArgs(cmd.Name)
	}

	master, isMaster := i.config.Role.(*config.Master)
	if !isMaster {
		return one(errorReply("ERR PSYNC is only served by a master"))
	}

	return []protocol.Value{
		protocol.SimpleString(fmt.Sprintf("FULLRESYNC %s %d", master.ReplID, master.ReplOffset)),
		protocol.RawBulk(rdb.EmptySnapshot()),
	}
}

func (i *Interpreter) handleReplconf(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) == 0 {
		return wrongArgs(cmd.Name)
	}
	return ok()
}

// handleCommand answers the introspection probe clients send on connect
func (i *Interpreter) handleCommand(cmd *protocol.Command) []protocol.Value {
	return one(protocol.Array())
}

// handleClient accepts CLIENT SETNAME/SETINFO and the like without storing them
func (i *Interpreter) handleClient(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) == 0 {
		return wrongArgs(cmd.Name)
	}
	return ok()
}

func (i *Interpreter) handleQuit(cmd *protocol.Command) []protocol.Value {
	return ok()
}
