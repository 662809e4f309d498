package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raniellyferreira/redis-kv-server/config"
	"github.com/raniellyferreira/redis-kv-server/protocol"
	"github.com/raniellyferreira/redis-kv-server/rdb"
	"github.com/raniellyferreira/redis-kv-server/storage"
)

func TestServer_PsyncPropagatesWrites(t *testing.T) {
	server := startServer(t, config.New(6379), storage.NewMemory())
	replica := newTestClient(t, server.Addr())
	client := newTestClient(t, server.Addr())

	resp, err := replica.sendCommand("PSYNC", "?", "-1")
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(resp)
	if len(fields) != 3 || fields[0] != "FULLRESYNC" || len(fields[1]) != 40 || fields[2] != "0" {
		t.Fatalf("unexpected PSYNC reply %q", resp)
	}

	snapshot := rdb.EmptySnapshot()
	header := "$" + strconv.Itoa(len(snapshot)) + "\r\n"
	got, err := replica.readRaw(len(header) + len(snapshot))
	if err != nil {
		t.Fatal(err)
	}
	if got != header+string(snapshot) {
		t.Fatalf("unexpected snapshot payload %q", got)
	}

	if resp, err := client.sendCommand("SET", "foo", "bar"); err != nil || resp != "OK" {
		t.Fatalf("SET: %q %v", resp, err)
	}
	// Reads and failed writes are not forwarded
	if _, err := client.sendCommand("GET", "foo"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.sendCommand("DEL", "missing"); err != nil {
		t.Fatal(err)
	}
	if resp, err := client.sendCommand("DEL", "foo"); err != nil || resp != "1" {
		t.Fatalf("DEL: %q %v", resp, err)
	}

	want := "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n" + "*2\r\n$3\r\nDEL\r\n$3\r\nfoo\r\n"
	got, err = replica.readRaw(len(want))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("expected forwarded %q, got %q", want, got)
	}

	info, err := client.sendCommand("INFO", "replication")
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"role:master", "connected_slaves:1", "master_repl_offset:" + strconv.Itoa(len(want))} {
		if !strings.Contains(info, field) {
			t.Errorf("INFO replication missing %q:\n%s", field, info)
		}
	}
}

func TestServer_ReplicaDisconnectStopsPropagation(t *testing.T) {
	server := startServer(t, config.New(6379), storage.NewMemory())
	replica := newTestClient(t, server.Addr())
	client := newTestClient(t, server.Addr())

	if _, err := replica.sendCommand("PSYNC", "?", "-1"); err != nil {
		t.Fatal(err)
	}
	replica.conn.Close()

	waitFor(t, "replica detach", func() bool {
		info, err := client.sendCommand("INFO", "replication")
		return err == nil && strings.Contains(info, "connected_slaves:0")
	})

	if resp, err := client.sendCommand("SET", "k", "v"); err != nil || resp != "OK" {
		t.Fatalf("SET: %q %v", resp, err)
	}
	info, err := client.sendCommand("INFO", "replication")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(info, "master_repl_offset:0") {
		t.Errorf("offset must not move without a replica:\n%s", info)
	}
}

func TestServer_GoRedisClient(t *testing.T) {
	server := startServer(t, config.New(6379), storage.NewMemory())
	ctx := context.Background()

	rc := redis.NewClient(&redis.Options{
		Addr:            server.Addr(),
		Protocol:        2,
		DisableIdentity: true,
	})
	defer rc.Close()

	if pong, err := rc.Ping(ctx).Result(); err != nil || pong != "PONG" {
		t.Fatalf("PING: %q %v", pong, err)
	}

	if err := rc.Set(ctx, "name", "kv", 0).Err(); err != nil {
		t.Fatal(err)
	}
	if err := rc.Set(ctx, "short", "lived", 50*time.Millisecond).Err(); err != nil {
		t.Fatal(err)
	}
	if val, err := rc.Get(ctx, "name").Result(); err != nil || val != "kv" {
		t.Errorf("GET name: %q %v", val, err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := rc.Get(ctx, "short").Result(); !errors.Is(err, redis.Nil) {
		t.Errorf("expected redis.Nil for expired key, got %v", err)
	}

	keys, err := rc.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "name" {
		t.Errorf("KEYS: %v", keys)
	}

	if err := rc.ConfigSet(ctx, "dir", "/var/lib/kv").Err(); err != nil {
		t.Fatal(err)
	}
	cfg, err := rc.ConfigGet(ctx, "dir").Result()
	if err != nil {
		t.Fatal(err)
	}
	if cfg["dir"] != "/var/lib/kv" {
		t.Errorf("CONFIG GET dir: %v", cfg)
	}

	res, err := rc.Eval(ctx, "return redis.call('GET', KEYS[1])", []string{"name"}).Result()
	if err != nil {
		t.Fatal(err)
	}
	if res != "kv" {
		t.Errorf("EVAL: %v", res)
	}

	if n, err := rc.Del(ctx, "name", "nothing").Result(); err != nil || n != 1 {
		t.Errorf("DEL: %d %v", n, err)
	}
}

func TestServer_MasterToSlave(t *testing.T) {
	master := startServer(t, config.New(6379), storage.NewMemory())

	host, port, err := net.SplitHostPort(master.Addr())
	if err != nil {
		t.Fatal(err)
	}
	slaveRole, err := config.ParseReplicaOf(host + " " + port)
	if err != nil {
		t.Fatal(err)
	}
	slaveCfg := config.New(6380)
	slaveCfg.Role = slaveRole
	slave := startServer(t, slaveCfg, storage.NewMemory())

	ctx := context.Background()
	mc := redis.NewClient(&redis.Options{Addr: master.Addr(), Protocol: 2, DisableIdentity: true})
	defer mc.Close()
	sc := redis.NewClient(&redis.Options{Addr: slave.Addr(), Protocol: 2, DisableIdentity: true})
	defer sc.Close()

	waitFor(t, "slave attach", func() bool {
		info, err := mc.Info(ctx, "replication").Result()
		return err == nil && strings.Contains(info, "connected_slaves:1")
	})

	if err := mc.Set(ctx, "foo", "bar", 0).Err(); err != nil {
		t.Fatal(err)
	}
	if err := mc.Set(ctx, "gone", "soon", 0).Err(); err != nil {
		t.Fatal(err)
	}
	if err := mc.Eval(ctx, "return redis.call('SET', KEYS[1], ARGV[1])", []string{"lua"}, "1").Err(); err != nil {
		t.Fatal(err)
	}
	if err := mc.Del(ctx, "gone").Err(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "replicated writes", func() bool {
		foo, err1 := sc.Get(ctx, "foo").Result()
		lua, err2 := sc.Get(ctx, "lua").Result()
		_, err3 := sc.Get(ctx, "gone").Result()
		return err1 == nil && foo == "bar" && err2 == nil && lua == "1" && errors.Is(err3, redis.Nil)
	})

	masterInfo, err := mc.Info(ctx, "replication").Result()
	if err != nil {
		t.Fatal(err)
	}
	offset := infoField(masterInfo, "master_repl_offset")
	if offset == "" || offset == "0" {
		t.Fatalf("master offset not advanced:\n%s", masterInfo)
	}

	waitFor(t, "slave offset", func() bool {
		info, err := sc.Info(ctx, "replication").Result()
		return err == nil && infoField(info, "slave_repl_offset") == offset
	})

	slaveInfo, err := sc.Info(ctx, "replication").Result()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(slaveInfo, "role:slave") || !strings.Contains(slaveInfo, "master_port:"+port) {
		t.Errorf("unexpected slave INFO:\n%s", slaveInfo)
	}
}

func infoField(info, name string) string {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, name+":"); ok {
			return v
		}
	}
	return ""
}

// fakeMaster scripts the master side of a replication link
type fakeMaster struct {
	t      *testing.T
	conn   net.Conn
	reader *protocol.Reader
}

func acceptFakeMaster(t *testing.T, ln net.Listener) *fakeMaster {
	t.Helper()
	ln.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakeMaster{t: t, conn: conn, reader: protocol.NewReader(conn)}
}

func (m *fakeMaster) expect(want ...string) {
	m.t.Helper()
	m.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	v, err := m.reader.ReadNext()
	if err != nil {
		m.t.Fatalf("expecting %v: %v", want, err)
	}
	if !v.Equal(protocol.CommandValue(want[0], want[1:]...)) {
		m.t.Fatalf("expected %v, got %s", want, v.String())
	}
}

func (m *fakeMaster) expectSilence() {
	m.t.Helper()
	m.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	v, err := m.reader.ReadNext()
	var nerr net.Error
	if err == nil || !errors.As(err, &nerr) || !nerr.Timeout() {
		m.t.Fatalf("expected nothing from the slave, got %s (%v)", v.String(), err)
	}
}

func (m *fakeMaster) send(raw []byte) {
	m.t.Helper()
	if _, err := m.conn.Write(raw); err != nil {
		m.t.Fatal(err)
	}
}

func testSnapshot() []byte {
	var b bytes.Buffer
	b.WriteString("REDIS0011")
	b.Write([]byte{rdb.RDBOpcodeDB, 0x00})
	b.Write([]byte{rdb.RDBOpcodeResizeDB, 0x01, 0x00})
	b.WriteByte(rdb.RDBTypeString)
	b.WriteByte(3)
	b.WriteString("foo")
	b.WriteByte(3)
	b.WriteString("bar")
	b.WriteByte(rdb.RDBOpcodeEOF)
	b.Write(make([]byte, 8))
	return b.Bytes()
}

func TestServer_SlaveHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	slaveRole, err := config.ParseReplicaOf(host + " " + port)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.New(6390)
	cfg.Role = slaveRole
	slave := startServer(t, cfg, storage.NewMemory())

	master := acceptFakeMaster(t, ln)

	master.expect("PING")
	master.send([]byte("-ERR not ready\r\n"))
	master.expectSilence()

	master.send([]byte("+PONG\r\n"))
	master.expect("REPLCONF", "listening-port", "6390")
	master.send([]byte("+OK\r\n"))
	master.expect("REPLCONF", "capa", "psync2")
	master.send([]byte("+OK\r\n"))
	master.expect("PSYNC", "?", "-1")

	snapshot := testSnapshot()
	master.send([]byte("+FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb 7\r\n"))
	master.send(append([]byte("$"+strconv.Itoa(len(snapshot))+"\r\n"), snapshot...))

	stream := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"
	master.send([]byte(stream))
	master.expectSilence()

	client := newTestClient(t, slave.Addr())
	waitFor(t, "replicated state", func() bool {
		foo, err1 := client.sendCommand("GET", "foo")
		k, err2 := client.sendCommand("GET", "k")
		return err1 == nil && err2 == nil && foo == "bar" && k == "v"
	})

	info, err := client.sendCommand("INFO", "replication")
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{
		"role:slave",
		"master_replid:8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb",
		"slave_repl_offset:" + strconv.Itoa(7+len(stream)),
	} {
		if !strings.Contains(info, field) {
			t.Errorf("INFO replication missing %q:\n%s", field, info)
		}
	}
}

func TestServer_SlaveWithUnreachableMaster(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	host, port, _ := net.SplitHostPort(addr)
	slaveRole, _ := config.ParseReplicaOf(host + " " + port)
	cfg := config.New(6391)
	cfg.Role = slaveRole

	s := New(storage.NewMemory(), cfg, Config{Addr: "127.0.0.1:0", ConnectTimeout: time.Second})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("slave must start without its master: %v", err)
	}
	defer s.Close()

	client := newTestClient(t, s.Addr())
	if resp, err := client.sendCommand("PING"); err != nil || resp != "PONG" {
		t.Errorf("PING: %q %v", resp, err)
	}
}
