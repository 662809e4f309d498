package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'

	// TypeRawBulk is a pseudo type for a length-prefixed binary payload that is
	// written without the trailing CRLF (the snapshot sent after FULLRESYNC).
	// It never appears in parsed input.
	TypeRawBulk ValueType = 'R'
)

// Value represents a parsed RESP value or a reply to be written.
// Parsed values own their bytes; nothing points back into a read buffer.
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// SimpleString builds a simple string value (+s)
func SimpleString(s string) Value {
	return Value{Type: TypeSimpleString, Data: []byte(s)}
}

// BulkString builds a bulk string value ($len s)
func BulkString(s string) Value {
	return Value{Type: TypeBulkString, Data: []byte(s)}
}

// BulkBytes builds a bulk string value from raw bytes
func BulkBytes(b []byte) Value {
	return Value{Type: TypeBulkString, Data: b}
}

// NullBulkString builds the nil bulk reply ($-1)
func NullBulkString() Value {
	return Value{Type: TypeBulkString, IsNull: true}
}

// ErrorValue builds an error reply (-msg)
func ErrorValue(msg string) Value {
	return Value{Type: TypeError, Data: []byte(msg)}
}

// Integer builds an integer reply (:n)
func Integer(n int64) Value {
	return Value{Type: TypeInteger, Integer: n}
}

// Array builds an array of values
func Array(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}
	return Value{Type: TypeArray, Array: values}
}

// RawBulk builds a binary payload reply written as $len followed by the bytes
// and no terminator
func RawBulk(b []byte) Value {
	return Value{Type: TypeRawBulk, Data: b}
}

// CommandValue builds a command as an array of bulk strings
func CommandValue(name string, args ...string) Value {
	values := make([]Value, 0, len(args)+1)
	values = append(values, BulkString(name))
	for _, arg := range args {
		values = append(values, BulkString(arg))
	}
	return Value{Type: TypeArray, Array: values}
}

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString:
		return string(v.Data)
	case TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeRawBulk:
		return fmt.Sprintf("(raw %d bytes)", len(v.Data))
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// Bytes returns the byte representation of the value
func (v Value) Bytes() []byte {
	return v.Data
}

// Int returns the integer value, or 0 if not an integer
func (v Value) Int() int64 {
	return v.Integer
}

// IsString reports whether the value is a non-null simple or bulk string
func (v Value) IsString() bool {
	return (v.Type == TypeSimpleString || v.Type == TypeBulkString) && !v.IsNull
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Error returns the error message if this is an error value
func (v Value) Error() string {
	if v.Type == TypeError {
		return string(v.Data)
	}
	return ""
}

// Equal reports whether two values are structurally equal
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type || v.IsNull != o.IsNull || v.Integer != o.Integer {
		return false
	}
	if string(v.Data) != string(o.Data) || len(v.Array) != len(o.Array) {
		return false
	}
	for i := range v.Array {
		if !v.Array[i].Equal(o.Array[i]) {
			return false
		}
	}
	return true
}

// Command represents a Redis command parsed from a RESP array
type Command struct {
	Name string
	Args [][]byte
}

// ParseCommand parses a RESP array value into a Command
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || len(v.Array) == 0 {
		return nil, fmt.Errorf("%w: invalid command format", ErrNotCommand)
	}

	cmd := &Command{
		Args: make([][]byte, len(v.Array)-1),
	}

	// First element is the command name
	if !v.Array[0].IsString() {
		return nil, fmt.Errorf("%w: command name must be a string", ErrNotCommand)
	}
	cmd.Name = strings.ToUpper(string(v.Array[0].Data))

	// Remaining elements are arguments
	for i := 1; i < len(v.Array); i++ {
		if !v.Array[i].IsString() {
			return nil, fmt.Errorf("%w: command arguments must be strings", ErrInvalidArgument)
		}
		cmd.Args[i-1] = v.Array[i].Data
	}

	return cmd, nil
}

// Arg returns the i-th argument as a string and whether it exists
func (c *Command) Arg(i int) (string, bool) {
	if i < 0 || i >= len(c.Args) {
		return "", false
	}
	return string(c.Args[i]), true
}

// String returns a string representation of the command
func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return c.Name + " " + strings.Join(args, " ")
}

// Value converts the command back into its RESP array form
func (c *Command) Value() Value {
	values := make([]Value, 0, len(c.Args)+1)
	values = append(values, BulkString(c.Name))
	for _, arg := range c.Args {
		values = append(values, BulkBytes(arg))
	}
	return Value{Type: TypeArray, Array: values}
}
