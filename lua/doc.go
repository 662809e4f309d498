// Package lua runs Redis-style Lua scripts against a storage.Store.
//
// Scripts see KEYS and ARGV tables and reach the store through
// redis.call and redis.pcall. The command set available from a script is
// GET, SET (with EX/PX), DEL, EXISTS, TYPE and KEYS. Writes are reported
// through an optional WriteHook so the caller can replicate them.
//
// Each call runs in a fresh state opened with only the base, table,
// string and math libraries. Script bodies are cached by their SHA1 digest
// for EVALSHA.
package lua
