// Package kvserver provides a Redis-compatible in-memory key-value server
// that can run as a master or replicate from one.
//
// Clients talk RESP over TCP. String keys support millisecond expiry and
// are evicted lazily when read. A master hands out a full resync with an
// empty snapshot to the client that sends PSYNC and forwards every
// successful write to it afterwards. A slave performs the replication
// handshake, loads the snapshot that follows FULLRESYNC and applies the
// command stream.
//
// Basic usage:
//
//	srv, err := kvserver.New(
//		kvserver.WithPort(6379),
//		kvserver.WithDir("/var/lib/kvserver"),
//		kvserver.WithDBFilename("dump.rdb"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	if err := srv.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// Running as a slave:
//
//	srv, err := kvserver.New(
//		kvserver.WithPort(6380),
//		kvserver.WithReplicaOf("localhost 6379"),
//	)
//
// The server supports:
//
//   - PING, ECHO, SET with EX/PX, GET, DEL, KEYS and CONFIG GET/SET
//   - INFO with server, clients, replication, stats and keyspace sections
//   - EVAL, EVALSHA and SCRIPT through a sandboxed Lua interpreter
//   - Loading a snapshot file at boot
//   - Prometheus metrics at /metrics
//
// All command execution happens on one goroutine, so commands from
// different clients never interleave.
package kvserver
