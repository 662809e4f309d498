// Package command interprets Redis commands against a storage.Store and a
// config.ServerConfig.
//
// Interpret takes one request value and returns the replies to send, in
// order. The caller picks the Fallback used for requests that are not
// commands or name unknown commands: client connections get an error
// reply, the replication stream gets +OK so it never stalls.
//
// Successful writes (SET, DEL and writes made by scripts) are handed to a
// Propagator, which the server uses to forward them to a replica.
package command
