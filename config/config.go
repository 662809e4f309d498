package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPort is the port a server listens on when none is configured
const DefaultPort = 6379

// Role is the replication role of a server: *Master or *Slave
type Role interface {
	// Name returns the role as reported by INFO replication
	Name() string
}

// Master holds the replication identity a master hands out on FULLRESYNC
type Master struct {
	ReplID     string
	ReplOffset int64
}

// Name implements Role
func (m *Master) Name() string { return "master" }

// Slave holds the address of the master a slave replicates from and the
// replication position it has reached
type Slave struct {
	MasterHost string
	MasterPort int

	// Filled in once the master answers FULLRESYNC
	MasterReplID string
	ReplOffset   int64
}

// Name implements Role
func (s *Slave) Name() string { return "slave" }

// Addr returns the master address in host:port form
func (s *Slave) Addr() string {
	return s.MasterHost + ":" + strconv.Itoa(s.MasterPort)
}

// ServerConfig is the runtime configuration of a server. Dir and DBFilename
// are mutable through CONFIG SET; an empty value means unset.
type ServerConfig struct {
	Dir        string
	DBFilename string
	Port       int
	Role       Role
}

// New returns a master configuration with a fresh replication ID
func New(port int) *ServerConfig {
	if port == 0 {
		port = DefaultPort
	}
	return &ServerConfig{
		Port: port,
		Role: &Master{ReplID: NewReplID()},
	}
}

// IsMaster reports whether the server runs in master role
func (c *ServerConfig) IsMaster() bool {
	_, ok := c.Role.(*Master)
	return ok
}

// Get returns the value of a CONFIG GET parameter. Parameter names are
// case-insensitive; the second result is false for unknown names.
func (c *ServerConfig) Get(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "dir":
		return c.Dir, true
	case "dbfilename":
		return c.DBFilename, true
	default:
		return "", false
	}
}

// Set updates a CONFIG SET parameter
func (c *ServerConfig) Set(name, value string) error {
	switch strings.ToLower(name) {
	case "dir":
		c.Dir = value
	case "dbfilename":
		c.DBFilename = value
	default:
		return fmt.Errorf("unsupported CONFIG parameter: %s", name)
	}
	return nil
}

// ParseReplicaOf parses a "<host> <port>" master address
func ParseReplicaOf(s string) (*Slave, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return nil, fmt.Errorf("replicaof must be \"<host> <port>\", got %q", s)
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid master port %q", fields[1])
	}
	return &Slave{MasterHost: fields[0], MasterPort: port}, nil
}

// NewReplID returns a random 40 character hex replication ID
func NewReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("config: reading random replication id: %v", err))
	}
	return hex.EncodeToString(b)
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Server")
	addField("Port", strconv.Itoa(c.Port))

	addSection("Snapshot")
	addField("Directory", orUnset(c.Dir))
	addField("DB Filename", orUnset(c.DBFilename))

	addSection("Replication")
	switch role := c.Role.(type) {
	case *Master:
		addField("Role", role.Name())
		addField("Replication ID", role.ReplID)
		addField("Replication Offset", strconv.FormatInt(role.ReplOffset, 10))
	case *Slave:
		addField("Role", role.Name())
		addField("Master", role.Addr())
	default:
		addField("Role", "unknown")
	}

	return sb.String()
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
