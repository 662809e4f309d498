package command

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/raniellyferreira/redis-kv-server/lua"
	"github.com/raniellyferreira/redis-kv-server/protocol"
)

func (i *Interpreter) handleEval(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) < 2 {
		return wrongArgs(cmd.Name)
	}

	keys, args, errReply := splitScriptArgs(cmd.Args[1:])
	if errReply != nil {
		return one(*errReply)
	}

	result, err := i.scripts.Eval(string(cmd.Args[0]), keys, args)
	if err != nil {
		return one(scriptError(err))
	}
	return one(scriptResult(result))
}

func (i *Interpreter) handleEvalSHA(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) < 2 {
		return wrongArgs(cmd.Name)
	}

	keys, args, errReply := splitScriptArgs(cmd.Args[1:])
	if errReply != nil {
		return one(*errReply)
	}

	result, err := i.scripts.EvalSHA(string(cmd.Args[0]), keys, args)
	if err != nil {
		return one(scriptError(err))
	}
	return one(scriptResult(result))
}

func (i *Interpreter) handleScript(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) == 0 {
		return wrongArgs(cmd.Name)
	}

	sub := strings.ToUpper(string(cmd.Args[0]))
	switch sub {
	case "LOAD":
		if len(cmd.Args) != 2 {
			return wrongArgs("script|load")
		}
		return one(protocol.BulkString(i.scripts.LoadScript(string(cmd.Args[1]))))

	case "EXISTS":
		if len(cmd.Args) < 2 {
			return wrongArgs("script|exists")
		}
		hashes := make([]string, len(cmd.Args)-1)
		for n, arg := range cmd.Args[1:] {
			hashes[n] = string(arg)
		}
		results := i.scripts.ScriptExists(hashes)

		values := make([]protocol.Value, len(results))
		for n, exists := range results {
			if exists {
				values[n] = protocol.Integer(1)
			} else {
				values[n] = protocol.Integer(0)
			}
		}
		return one(protocol.Array(values...))

	case "FLUSH":
		i.scripts.ScriptFlush()
		return ok()

	default:
		return one(errorReply(fmt.Sprintf("ERR unknown SCRIPT subcommand '%s'", sub)))
	}
}

// splitScriptArgs splits "numkeys key... arg..." into keys and args
func splitScriptArgs(rest [][]byte) ([]string, []string, *protocol.Value) {
	numKeys, err := strconv.Atoi(string(rest[0]))
	if err != nil {
		reply := errorReply("ERR value is not an integer or out of range")
		return nil, nil, &reply
	}
	if numKeys < 0 || numKeys > len(rest)-1 {
		reply := errorReply("ERR Number of keys can't be negative or greater than args")
		return nil, nil, &reply
	}

	keys := make([]string, numKeys)
	for n := range keys {
		keys[n] = string(rest[1+n])
	}
	args := make([]string, len(rest)-1-numKeys)
	for n := range args {
		args[n] = string(rest[1+numKeys+n])
	}
	return keys, args, nil
}

func scriptError(err error) protocol.Value {
	if errors.Is(err, lua.ErrNoScript) {
		return errorReply(err.Error())
	}
	return errorReply(fmt.Sprintf("ERR %v", err))
}

// scriptResult converts a script return value into a reply the way Redis
// maps Lua types: false is nil, true is 1, {err=...} and {ok=...} tables
// become error and status replies.
func scriptResult(result interface{}) protocol.Value {
	switch v := result.(type) {
	case nil:
		return protocol.NullBulkString()
	case bool:
		if v {
			return protocol.Integer(1)
		}
		return protocol.NullBulkString()
	case string:
		return protocol.BulkString(v)
	case int64:
		return protocol.Integer(v)
	case float64:
		// Lua numbers are truncated to integers, as Redis does
		return protocol.Integer(int64(v))
	case []interface{}:
		values := make([]protocol.Value, len(v))
		for n, item := range v {
			values[n] = scriptResult(item)
		}
		return protocol.Array(values...)
	case map[string]interface{}:
		if msg, ok := v["err"]; ok {
			return errorReply(fmt.Sprint(msg))
		}
		if status, ok := v["ok"]; ok {
			return protocol.SimpleString(fmt.Sprint(status))
		}
		// Other hash-like tables flatten to key/value pairs
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		values := make([]protocol.Value, 0, len(v)*2)
		for _, key := range keys {
			values = append(values, protocol.BulkString(key), scriptResult(v[key]))
		}
		return protocol.Array(values...)
	default:
		return protocol.BulkString(fmt.Sprintf("%v", v))
	}
}
