// Package rdb decodes Redis RDB snapshots.
//
// The Parser walks a snapshot as a stream and reports entries to a
// Handler. Decode and DecodeFile collect the string keys of the first
// database section into storage entries, with their millisecond (0xFC)
// or second (0xFD) expiries attached:
//
//	entries, err := rdb.DecodeFile("/var/lib/redis", "dump.rdb")
//	if err != nil {
//		// ErrNoData, ErrNoKeyValueSection, io.ErrUnexpectedEOF, ...
//	}
//	store.Load(entries)
//
// Lists, sets, hashes and sorted sets are parsed and skipped. Integer
// encoded and LZF compressed strings are supported.
package rdb
