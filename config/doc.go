// Package config holds the mutable runtime configuration of a server:
// snapshot location, listening port and replication role.
package config
