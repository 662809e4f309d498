package command

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/raniellyferreira/redis-kv-server/config"
	"github.com/raniellyferreira/redis-kv-server/protocol"
)

// infoSections lists the INFO sections in the order INFO prints them
var infoSections = []string{"server", "clients", "replication", "stats", "keyspace"}

type infoField struct {
	name  string
	value string
}

// expiredCounter is implemented by stores that count lazy evictions
type expiredCounter interface {
	ExpiredKeys() int64
}

func (i *Interpreter) handleInfo(cmd *protocol.Command) []protocol.Value {
	if len(cmd.Args) > 1 {
		return wrongArgs(cmd.Name)
	}

	sections := infoSections
	if len(cmd.Args) == 1 {
		requested := strings.ToLower(string(cmd.Args[0]))
		switch requested {
		case "all", "default", "everything":
		default:
			sections = []string{requested}
		}
	}

	title := cases.Title(language.English)
	var sb strings.Builder
	for _, section := range sections {
		fields, known := i.infoSection(section)
		if !known {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\r\n")
		}
		sb.WriteString(fmt.Sprintf("# %s\r\n", title.String(section)))
		for _, f := range fields {
			sb.WriteString(f.name)
			sb.WriteByte(':')
			sb.WriteString(f.value)
			sb.WriteString("\r\n")
		}
	}

	return one(protocol.BulkString(sb.String()))
}

func (i *Interpreter) infoSection(section string) ([]infoField, bool) {
	switch section {
	case "server":
		return []infoField{
			{"redis_version", i.version},
			{"redis_mode", "standalone"},
			{"process_id", strconv.Itoa(os.Getpid())},
			{"tcp_port", strconv.Itoa(i.config.Port)},
			{"uptime_in_seconds", strconv.FormatInt(int64(i.now().Sub(i.startTime).Seconds()), 10)},
		}, true

	case "clients":
		clients := 0
		if i.stats != nil {
			clients = i.stats.ConnectedClients()
		}
		return []infoField{{"connected_clients", strconv.Itoa(clients)}}, true

	case "replication":
		return i.replicationInfo(), true

	case "stats":
		expired := int64(0)
		if c, ok := i.store.(expiredCounter); ok {
			expired = c.ExpiredKeys()
		}
		return []infoField{
			{"total_commands_processed", strconv.FormatInt(i.commandsProcessed, 10)},
			{"expired_keys", strconv.FormatInt(expired, 10)},
			{"cached_scripts", strconv.Itoa(i.scripts.ScriptCount())},
		}, true

	case "keyspace":
		keys := i.store.KeyCount()
		if keys == 0 {
			return nil, true
		}
		return []infoField{
			{"db0", fmt.Sprintf("keys=%d,expires=%d,avg_ttl=0", keys, i.store.ExpiresCount())},
		}, true

	default:
		return nil, false
	}
}

func (i *Interpreter) replicationInfo() []infoField {
	switch role := i.config.Role.(type) {
	case *config.Master:
		replicas := 0
		if i.stats != nil {
			replicas = i.stats.ConnectedReplicas()
		}
		return []infoField{
			{"role", role.Name()},
			{"connected_slaves", strconv.Itoa(replicas)},
			{"master_replid", role.ReplID},
			{"master_repl_offset", strconv.FormatInt(role.ReplOffset, 10)},
		}
	case *config.Slave:
		fields := []infoField{
			{"role", role.Name()},
			{"master_host", role.MasterHost},
			{"master_port", strconv.Itoa(role.MasterPort)},
			{"slave_repl_offset", strconv.FormatInt(role.ReplOffset, 10)},
		}
		if role.MasterReplID != "" {
			fields = append(fields, infoField{"master_replid", role.MasterReplID})
		}
		return fields
	default:
		return []infoField{{"role", "unknown"}}
	}
}
