package lua

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/raniellyferreira/redis-kv-server/storage"
	lua "github.com/yuin/gopher-lua"
)

// ErrNoScript is returned by EvalSHA for an unknown digest
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL.")

// WriteHook receives every write a script performed, as command arguments
type WriteHook func(args []string)

// Engine provides Redis-compatible Lua script execution
type Engine struct {
	store     storage.Store
	scripts   *xsync.MapOf[string, string] // SHA1 -> script body
	writeHook WriteHook
	now       func() time.Time
}

// NewEngine creates a new Lua execution engine
func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store:   store,
		scripts: xsync.NewMapOf[string, string](),
		now:     time.Now,
	}
}

// SetWriteHook registers fn to be called after each successful write
// command issued from a script
func (e *Engine) SetWriteHook(fn WriteHook) {
	e.writeHook = fn
}

// Eval executes a Lua script with the given keys and arguments. A script
// that compiles is cached under its SHA1, so EVALSHA finds it afterwards
// even when it fails at run time.
func (e *Engine) Eval(script string, keys []string, args []string) (interface{}, error) {
	L := newSandbox()
	defer L.Close()

	fn, err := L.LoadString(script)
	if err != nil {
		return nil, fmt.Errorf("script compile error: %w", err)
	}
	e.scripts.Store(scriptSHA(script), script)

	e.setupRedisAPI(L, keys, args)

	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	if L.GetTop() == 0 {
		return nil, nil
	}
	return convertLuaValue(L.Get(-1)), nil
}

// EvalSHA executes a previously loaded script by its SHA1 hash
func (e *Engine) EvalSHA(sha string, keys []string, args []string) (interface{}, error) {
	script, exists := e.scripts.Load(strings.ToLower(sha))
	if !exists {
		return nil, ErrNoScript
	}
	return e.Eval(script, keys, args)
}

// LoadScript caches a script and returns its SHA1 hash
func (e *Engine) LoadScript(script string) string {
	hash := scriptSHA(script)
	e.scripts.Store(hash, script)
	return hash
}

func scriptSHA(script string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(script)))
}

// ScriptExists checks if scripts with given SHA1 hashes exist
func (e *Engine) ScriptExists(hashes []string) []bool {
	results := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, results[i] = e.scripts.Load(strings.ToLower(hash))
	}
	return results
}

// ScriptFlush removes all cached scripts
func (e *Engine) ScriptFlush() {
	e.scripts.Clear()
}

// ScriptCount returns the number of cached scripts
func (e *Engine) ScriptCount() int {
	return e.scripts.Size()
}

// newSandbox opens a state with only the base, table, string and math
// libraries. File loading from the base library is removed.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// setupRedisAPI configures the Lua state with Redis-compatible functions
func (e *Engine) setupRedisAPI(L *lua.LState, keys []string, args []string) {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call":         e.redisCall,
		"pcall":        e.redisPCall,
		"status_reply": statusReply,
		"error_reply":  errorReply,
	})
	L.SetGlobal("redis", redisTable)
}

// redisCall implements redis.call(); a failing command raises a Lua error
func (e *Engine) redisCall(L *lua.LState) int {
	result, err := e.executeRedisCommand(L)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(convertToLuaValue(L, result))
	return 1
}

// redisPCall implements redis.pcall(); failures come back as {err = msg}
func (e *Engine) redisPCall(L *lua.LState) int {
	result, err := e.executeRedisCommand(L)
	if err != nil {
		errTable := L.NewTable()
		errTable.RawSetString("err", lua.LString(err.Error()))
		L.Push(errTable)
		return 1
	}
	L.Push(convertToLuaValue(L, result))
	return 1
}

func statusReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("ok", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

func errorReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("err", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

// executeRedisCommand collects the call arguments and runs the command
func (e *Engine) executeRedisCommand(L *lua.LState) (interface{}, error) {
	argc := L.GetTop()
	if argc == 0 {
		return nil, fmt.Errorf("ERR Please specify at least one argument for this redis lib call")
	}

	cmdName := L.ToString(1)
	if cmdName == "" {
		return nil, fmt.Errorf("ERR Lua redis lib command arguments must be strings or integers")
	}

	args := make([]string, argc-1)
	for i := 2; i <= argc; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			args[i-2] = string(v)
		case lua.LNumber:
			args[i-2] = v.String()
		default:
			return nil, fmt.Errorf("ERR Lua redis lib command arguments must be strings or integers")
		}
	}

	return e.executeCommand(strings.ToUpper(cmdName), args)
}

func wrongArgs(cmd string) error {
	return fmt.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd))
}

// executeCommand executes a Redis command against the store
func (e *Engine) executeCommand(cmd string, args []string) (interface{}, error) {
	switch cmd {
	case "GET":
		if len(args) != 1 {
			return nil, wrongArgs(cmd)
		}
		value, exists := e.store.Get(args[0])
		if !exists {
			return nil, nil
		}
		return string(value), nil

	case "SET":
		if len(args) < 2 {
			return nil, wrongArgs(cmd)
		}
		expiry, err := e.parseExpiry(args[2:])
		if err != nil {
			return nil, err
		}
		if err := e.store.Set(args[0], []byte(args[1]), expiry); err != nil {
			return nil, err
		}
		e.propagate(cmd, args)
		return status("OK"), nil

	case "DEL":
		if len(args) == 0 {
			return nil, wrongArgs(cmd)
		}
		deleted := int64(0)
		for _, key := range args {
			if _, ok := e.store.Remove(key); ok {
				deleted++
			}
		}
		if deleted > 0 {
			e.propagate(cmd, args)
		}
		return deleted, nil

	case "EXISTS":
		if len(args) == 0 {
			return nil, wrongArgs(cmd)
		}
		count := int64(0)
		for _, key := range args {
			if _, ok := e.store.Get(key); ok {
				count++
			}
		}
		return count, nil

	case "TYPE":
		if len(args) != 1 {
			return nil, wrongArgs(cmd)
		}
		if _, ok := e.store.Get(args[0]); ok {
			return "string", nil
		}
		return "none", nil

	case "KEYS":
		if len(args) != 1 {
			return nil, wrongArgs(cmd)
		}
		keys := e.store.Keys(args[0])
		result := make([]interface{}, len(keys))
		for i, key := range keys {
			result[i] = key
		}
		return result, nil

	default:
		return nil, fmt.Errorf("ERR unknown or unsupported command '%s' called from script", strings.ToLower(cmd))
	}
}

// parseExpiry reads the EX/PX options of SET; other options are ignored
func (e *Engine) parseExpiry(opts []string) (*time.Time, error) {
	var expiry *time.Time
	for i := 0; i < len(opts); i++ {
		unit := time.Duration(0)
		switch strings.ToUpper(opts[i]) {
		case "PX":
			unit = time.Millisecond
		case "EX":
			unit = time.Second
		default:
			continue
		}
		if i+1 >= len(opts) {
			return nil, fmt.Errorf("ERR syntax error")
		}
		n, err := strconv.ParseInt(opts[i+1], 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("ERR value is not an integer or out of range")
		}
		t := e.now().Add(time.Duration(n) * unit)
		expiry = &t
		i++
	}
	return expiry, nil
}

func (e *Engine) propagate(cmd string, args []string) {
	if e.writeHook == nil {
		return
	}
	full := make([]string, 0, len(args)+1)
	full = append(full, cmd)
	full = append(full, args...)
	e.writeHook(full)
}

// status marks a simple status reply such as OK
type status string

// convertToLuaValue converts a Go value to a Lua value
func convertToLuaValue(L *lua.LState, value interface{}) lua.LValue {
	if value == nil {
		return lua.LFalse // Redis nil becomes false in Lua
	}

	switch v := value.(type) {
	case status:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(v))
		return t
	case string:
		return lua.LString(v)
	case int64:
		return lua.LNumber(float64(v))
	case int:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case bool:
		return lua.LBool(v)
	case []interface{}:
		table := L.NewTable()
		for i, item := range v {
			table.RawSetInt(i+1, convertToLuaValue(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// convertLuaValue converts a Lua value to a Go value
func convertLuaValue(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LNilType:
		return nil
	case *lua.LTable:
		if isArrayLikeTable(v) {
			result := make([]interface{}, 0, v.Len())
			for i := 1; i <= v.Len(); i++ {
				result = append(result, convertLuaValue(v.RawGetInt(i)))
			}
			return result
		}
		result := make(map[string]interface{})
		v.ForEach(func(k, val lua.LValue) {
			result[k.String()] = convertLuaValue(val)
		})
		return result
	default:
		return lv.String()
	}
}

// isArrayLikeTable checks if a Lua table only has the keys 1..n
func isArrayLikeTable(table *lua.LTable) bool {
	length := table.Len()

	hasOtherKeys := false
	table.ForEach(func(k, v lua.LValue) {
		num, ok := k.(lua.LNumber)
		if !ok {
			hasOtherKeys = true
			return
		}
		idx := int(num)
		if float64(idx) != float64(num) || idx < 1 || idx > length {
			hasOtherKeys = true
		}
	})

	return !hasOtherKeys
}
