// Package server multiplexes connections onto a single goroutine.
//
// One loop goroutine owns the store, the configuration, the command
// interpreter and, in slave role, the replication handshake. Every client
// connection has a reader goroutine that only decodes RESP frames and hands
// them over through an ordered inbox. Each tick the loop registers new
// connections, interprets pending frames client by client in the order the
// clients connected, then processes the master link. A tick that finds no
// work sleeps for a millisecond.
//
// In master role the client that completes PSYNC becomes the replica:
// successful writes from other clients are forwarded to it and the master
// replication offset grows by the bytes sent. In slave role the server
// dials its master, performs the handshake, loads the snapshot that follows
// FULLRESYNC and applies the streamed commands without replying.
package server
