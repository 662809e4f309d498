package metrics_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-kv-server/command"
	"github.com/raniellyferreira/redis-kv-server/config"
	"github.com/raniellyferreira/redis-kv-server/metrics"
	"github.com/raniellyferreira/redis-kv-server/protocol"
	"github.com/raniellyferreira/redis-kv-server/storage"
)

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	return rec.Body.String()
}

func expectLines(t *testing.T, body string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if !strings.Contains(body, line+"\n") {
			t.Errorf("missing %q in output:\n%s", line, body)
		}
	}
}

func TestCollector_CommandsAndStorage(t *testing.T) {
	store := storage.NewMemory()
	c := metrics.NewCollector(store)
	defer c.Stop()
	store.AddObserver(c)

	interp := command.New(store, config.New(6379), command.WithMetrics(c))
	for _, args := range [][]string{
		{"SET", "a", "1"},
		{"SET", "b", "2", "PX", "60000"},
		{"GET", "a"},
		{"GET", "missing"},
		{"DEL", "b"},
		{"GET"},
		{"NOPE"},
	} {
		interp.Interpret(protocol.CommandValue(args[0], args[1:]...), command.FallbackError)
	}

	body := scrape(t, c)
	expectLines(t, body,
		`kvserver_commands_total{command="set"} 2`,
		`kvserver_commands_total{command="get"} 3`,
		`kvserver_commands_total{command="del"} 1`,
		`kvserver_commands_total{command="unknown"} 1`,
		`kvserver_command_errors_total 2`,
		`kvserver_keys_set_total 2`,
		`kvserver_keys_deleted_total 1`,
		`kvserver_keyspace_hits_total 1`,
		`kvserver_keyspace_misses_total 1`,
		`kvserver_keys 1`,
		`kvserver_keys_with_expiry 0`,
	)

	if got := c.Commands(); got != 7 {
		t.Errorf("expected 7 observed commands, got %d", got)
	}
}

func TestCollector_ExpiredKeys(t *testing.T) {
	now := time.Now()
	store := storage.NewMemory(storage.WithClock(func() time.Time { return now }))
	c := metrics.NewCollector(store)
	defer c.Stop()
	store.AddObserver(c)

	past := now.Add(-time.Second)
	if err := store.Set("old", []byte("v"), &past); err != nil {
		t.Fatal(err)
	}
	store.Get("old")

	expectLines(t, scrape(t, c), `kvserver_keys_expired_total 1`, `kvserver_keys 0`)
}

func TestCollector_ConnectionsAndTraffic(t *testing.T) {
	c := metrics.NewCollector(nil)
	defer c.Stop()

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.BytesRead(14)
	c.BytesRead(-1)
	c.BytesWritten(5)
	c.Propagated(31, 31)

	body := scrape(t, c)
	expectLines(t, body,
		`kvserver_connections_total 2`,
		`kvserver_connected_clients 1`,
		`kvserver_net_input_bytes_total 14`,
		`kvserver_net_output_bytes_total 5`,
		`kvserver_replication_propagated_bytes_total 31`,
		`kvserver_replication_offset 31`,
	)
	if strings.Contains(body, "kvserver_keys ") {
		t.Errorf("key gauges should be absent without a store:\n%s", body)
	}
}

func TestCollector_Serve(t *testing.T) {
	c := metrics.NewCollector(nil)
	defer c.Stop()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), "kvserver_connections_total 0") {
		t.Errorf("unexpected body:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
