package kvserver_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	kvserver "github.com/raniellyferreira/redis-kv-server"
	"github.com/raniellyferreira/redis-kv-server/rdb"
)

func quietLogger() kvserver.Logger {
	return kvserver.NewLogger(io.Discard, kvserver.LevelError)
}

func startServer(t *testing.T, opts ...kvserver.Option) *kvserver.Server {
	t.Helper()
	opts = append([]kvserver.Option{
		kvserver.WithListenAddr("127.0.0.1:0"),
		kvserver.WithLogger(quietLogger()),
	}, opts...)

	srv, err := kvserver.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newClient(t *testing.T, addr string) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: addr, Protocol: 2, DisableIdentity: true})
	t.Cleanup(func() { c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// snapshotFile writes a one-database snapshot and returns its directory
func snapshotFile(t *testing.T, name string, write func(b *bytes.Buffer)) string {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("REDIS0011")
	b.Write([]byte{rdb.RDBOpcodeAux, 9})
	b.WriteString("redis-ver")
	b.WriteByte(5)
	b.WriteString("7.2.0")
	b.Write([]byte{rdb.RDBOpcodeDB, 0x00, rdb.RDBOpcodeResizeDB, 0x03, 0x02})
	write(&b)
	b.WriteByte(rdb.RDBOpcodeEOF)
	b.Write(make([]byte, 8))

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeString(b *bytes.Buffer, key, value string) {
	b.WriteByte(rdb.RDBTypeString)
	b.WriteByte(byte(len(key)))
	b.WriteString(key)
	b.WriteByte(byte(len(value)))
	b.WriteString(value)
}

func writeExpiryMs(b *bytes.Buffer, at time.Time) {
	b.WriteByte(rdb.RDBOpcodeExpiryMs)
	var ms [8]byte
	binary.LittleEndian.PutUint64(ms[:], uint64(at.UnixMilli()))
	b.Write(ms[:])
}

func TestServer_BootLoadsSnapshot(t *testing.T) {
	dir := snapshotFile(t, "dump.rdb", func(b *bytes.Buffer) {
		writeString(b, "foo", "bar")
		writeExpiryMs(b, time.Now().Add(time.Hour))
		writeString(b, "later", "yes")
		writeExpiryMs(b, time.Now().Add(-time.Hour))
		writeString(b, "stale", "no")
	})

	srv := startServer(t, kvserver.WithDir(dir), kvserver.WithDBFilename("dump.rdb"))
	if err := srv.SnapshotErr(); err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if got := srv.SnapshotStats().Keys; got != 3 {
		t.Errorf("expected 3 decoded keys, got %d", got)
	}

	ctx := context.Background()
	c := newClient(t, srv.Addr())

	tests := []struct {
		key     string
		want    string
		missing bool
	}{
		{key: "foo", want: "bar"},
		{key: "later", want: "yes"},
		{key: "stale", missing: true},
		{key: "missing", missing: true},
	}
	for _, tt := range tests {
		got, err := c.Get(ctx, tt.key).Result()
		if tt.missing {
			if !errors.Is(err, redis.Nil) {
				t.Errorf("GET %s: expected nil, got %q %v", tt.key, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("GET %s: expected %q, got %q %v", tt.key, tt.want, got, err)
		}
	}

	cfg, err := c.ConfigGet(ctx, "dir").Result()
	if err != nil {
		t.Fatal(err)
	}
	if cfg["dir"] != dir {
		t.Errorf("CONFIG GET dir: %v", cfg)
	}
	cfg, err = c.ConfigGet(ctx, "dbfilename").Result()
	if err != nil {
		t.Fatal(err)
	}
	if cfg["dbfilename"] != "dump.rdb" {
		t.Errorf("CONFIG GET dbfilename: %v", cfg)
	}
}

func TestServer_BootWithoutUsableSnapshot(t *testing.T) {
	corrupt := t.TempDir()
	if err := os.WriteFile(filepath.Join(corrupt, "dump.rdb"), []byte("not a snapshot"), 0o644); err != nil {
		t.Fatal(err)
	}
	headerOnly := t.TempDir()
	if err := os.WriteFile(filepath.Join(headerOnly, "dump.rdb"), append([]byte("REDIS0011"), rdb.RDBOpcodeEOF, 0, 0, 0, 0, 0, 0, 0, 0), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		dir     string
		wantErr error
	}{
		{name: "missing file", dir: t.TempDir(), wantErr: rdb.ErrNoData},
		{name: "corrupt file", dir: corrupt, wantErr: rdb.ErrInvalidHeader},
		{name: "no key-value section", dir: headerOnly},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, kvserver.WithDir(tt.dir), kvserver.WithDBFilename("dump.rdb"))

			err := srv.SnapshotErr()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected snapshot error: %v", err)
				}
			} else {
				var serr *kvserver.SnapshotError
				if !errors.As(err, &serr) {
					t.Fatalf("expected *SnapshotError, got %v", err)
				}
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v in chain, got %v", tt.wantErr, err)
				}
			}

			keys, err := newClient(t, srv.Addr()).Keys(context.Background(), "*").Result()
			if err != nil {
				t.Fatal(err)
			}
			if len(keys) != 0 {
				t.Errorf("expected empty store, got %v", keys)
			}
		})
	}
}

func TestServer_Replication(t *testing.T) {
	master := startServer(t, kvserver.WithReplID("8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"))
	host, port, err := net.SplitHostPort(master.Addr())
	if err != nil {
		t.Fatal(err)
	}
	slave := startServer(t, kvserver.WithReplicaOf(host+" "+port), kvserver.WithPort(6381))

	if master.Role() != "master" || slave.Role() != "slave" {
		t.Fatalf("roles: %s, %s", master.Role(), slave.Role())
	}

	ctx := context.Background()
	mc := newClient(t, master.Addr())
	sc := newClient(t, slave.Addr())

	eventually(t, "slave attach", func() bool {
		info, err := mc.Info(ctx, "replication").Result()
		return err == nil && strings.Contains(info, "connected_slaves:1")
	})

	if err := mc.Set(ctx, "session", "abc", time.Hour).Err(); err != nil {
		t.Fatal(err)
	}
	if err := mc.Set(ctx, "counter", "1", 0).Err(); err != nil {
		t.Fatal(err)
	}

	eventually(t, "replicated keys", func() bool {
		keys, err := sc.Keys(ctx, "*").Result()
		return err == nil && len(keys) == 2
	})

	if v, err := sc.Get(ctx, "session").Result(); err != nil || v != "abc" {
		t.Errorf("slave GET session: %q %v", v, err)
	}

	info, err := sc.Info(ctx, "replication").Result()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(info, "master_replid:8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb") {
		t.Errorf("slave did not record the master replid:\n%s", info)
	}
}

func TestServer_LuaScripts(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	c := newClient(t, srv.Addr())

	script := redis.NewScript(`
		redis.call('SET', KEYS[1], ARGV[1])
		return {redis.call('GET', KEYS[1]), #KEYS, #ARGV}
	`)

	res, err := script.Run(ctx, c, []string{"greeting"}, "hello").Result()
	if err != nil {
		t.Fatal(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 || vals[0] != "hello" || vals[1] != int64(1) || vals[2] != int64(1) {
		t.Errorf("unexpected script result %#v", res)
	}

	// Run falls back to EVAL on NOSCRIPT, which caches the script
	exists, err := script.Exists(ctx, c).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(exists) != 1 || !exists[0] {
		t.Errorf("expected script to be cached, got %v", exists)
	}

	if v, ok := srv.Storage().Get("greeting"); !ok || string(v) != "hello" {
		t.Errorf("store: %q %v", v, ok)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := startServer(t, kvserver.WithMetricsAddr("127.0.0.1:0"))
	ctx := context.Background()
	c := newClient(t, srv.Addr())

	if err := c.Set(ctx, "k", "v", 0).Err(); err != nil {
		t.Fatal(err)
	}
	if err := c.Get(ctx, "k").Err(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + srv.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`kvserver_commands_total{command="set"} 1`,
		`kvserver_commands_total{command="get"} 1`,
		"kvserver_keys 1",
		"kvserver_keys_set_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if srv.Metrics().Commands() < 2 {
		t.Errorf("expected at least 2 commands, got %d", srv.Metrics().Commands())
	}
}

func TestServer_Lifecycle(t *testing.T) {
	srv, err := kvserver.New(kvserver.WithListenAddr("127.0.0.1:0"), kvserver.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Errorf("second Start should be a no-op, got %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := srv.Start(ctx); !errors.Is(err, kvserver.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv, err := kvserver.New(kvserver.WithListenAddr("127.0.0.1:0"), kvserver.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv, err := kvserver.New(kvserver.WithListenAddr(ln.Addr().String()), kvserver.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	err = srv.Start(context.Background())
	var cerr *kvserver.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if cerr.Addr != ln.Addr().String() {
		t.Errorf("unexpected address %q", cerr.Addr)
	}
}
