package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// KeyCounter reports the current size of a store
type KeyCounter interface {
	KeyCount() int64
	ExpiresCount() int64
}

// Collector gathers server metrics and renders them in the Prometheus text
// format. It implements command.Metrics and storage.StorageObserver.
type Collector struct {
	set *vm.Set
	ops gometrics.Meter

	commandErrors *vm.Counter
	connsTotal    *vm.Counter
	bytesRead     *vm.Counter
	bytesWritten  *vm.Counter
	keysSet       *vm.Counter
	keysDeleted   *vm.Counter
	keysExpired   *vm.Counter
	keyHits       *vm.Counter
	keyMisses     *vm.Counter
	propagated    *vm.Counter

	connsOpen  atomic.Int64
	replOffset atomic.Int64
	stopOnce   sync.Once
}

// NewCollector creates a collector. store may be nil, in which case the key
// gauges are not registered.
func NewCollector(store KeyCounter) *Collector {
	set := vm.NewSet()
	c := &Collector{
		set:           set,
		ops:           gometrics.NewMeter(),
		commandErrors: set.NewCounter("kvserver_command_errors_total"),
		connsTotal:    set.NewCounter("kvserver_connections_total"),
		bytesRead:     set.NewCounter("kvserver_net_input_bytes_total"),
		bytesWritten:  set.NewCounter("kvserver_net_output_bytes_total"),
		keysSet:       set.NewCounter("kvserver_keys_set_total"),
		keysDeleted:   set.NewCounter("kvserver_keys_deleted_total"),
		keysExpired:   set.NewCounter("kvserver_keys_expired_total"),
		keyHits:       set.NewCounter("kvserver_keyspace_hits_total"),
		keyMisses:     set.NewCounter("kvserver_keyspace_misses_total"),
		propagated:    set.NewCounter("kvserver_replication_propagated_bytes_total"),
	}

	set.NewGauge("kvserver_connected_clients", func() float64 {
		return float64(c.connsOpen.Load())
	})
	set.NewGauge("kvserver_replication_offset", func() float64 {
		return float64(c.replOffset.Load())
	})
	set.NewGauge("kvserver_ops_per_second", func() float64 {
		return c.ops.Rate1()
	})

	if store != nil {
		set.NewGauge("kvserver_keys", func() float64 {
			return float64(store.KeyCount())
		})
		set.NewGauge("kvserver_keys_with_expiry", func() float64 {
			return float64(store.ExpiresCount())
		})
	}

	return c
}

// ObserveCommand records one interpreted command
func (c *Collector) ObserveCommand(name string, took time.Duration, failed bool) {
	c.ops.Mark(1)
	c.set.GetOrCreateCounter(fmt.Sprintf(`kvserver_commands_total{command=%q}`, name)).Inc()
	c.set.GetOrCreateHistogram(fmt.Sprintf(`kvserver_command_duration_seconds{command=%q}`, name)).Update(took.Seconds())
	if failed {
		c.commandErrors.Inc()
	}
}

// ConnectionOpened records an accepted connection
func (c *Collector) ConnectionOpened() {
	c.connsTotal.Inc()
	c.connsOpen.Add(1)
}

// ConnectionClosed records a closed connection
func (c *Collector) ConnectionClosed() {
	c.connsOpen.Add(-1)
}

// BytesRead records inbound traffic
func (c *Collector) BytesRead(n int) {
	if n > 0 {
		c.bytesRead.Add(n)
	}
}

// BytesWritten records outbound traffic
func (c *Collector) BytesWritten(n int) {
	if n > 0 {
		c.bytesWritten.Add(n)
	}
}

// Propagated records bytes forwarded to a replica and the resulting offset
func (c *Collector) Propagated(n int, offset int64) {
	if n > 0 {
		c.propagated.Add(n)
	}
	c.replOffset.Store(offset)
}

// ReplicationOffset records the offset a slave has processed
func (c *Collector) ReplicationOffset(offset int64) {
	c.replOffset.Store(offset)
}

// OnKeySet implements storage.StorageObserver
func (c *Collector) OnKeySet(key string, value []byte) {
	c.keysSet.Inc()
}

// OnKeyDeleted implements storage.StorageObserver
func (c *Collector) OnKeyDeleted(key string) {
	c.keysDeleted.Inc()
}

// OnKeyExpired implements storage.StorageObserver
func (c *Collector) OnKeyExpired(key string) {
	c.keysExpired.Inc()
}

// OnKeyAccessed implements storage.StorageObserver
func (c *Collector) OnKeyAccessed(key string, hit bool) {
	if hit {
		c.keyHits.Inc()
	} else {
		c.keyMisses.Inc()
	}
}

// OpsPerSecond returns the one minute moving rate of commands
func (c *Collector) OpsPerSecond() float64 {
	return c.ops.Rate1()
}

// Commands returns the total number of commands observed
func (c *Collector) Commands() int64 {
	return c.ops.Count()
}

// Handler serves the metrics in the Prometheus text format, followed by
// the Go process metrics
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		c.set.WritePrometheus(w)
		vm.WriteProcessMetrics(w)
	})
}

// Serve exposes Handler at /metrics on l until ctx is done
func (c *Collector) Serve(ctx context.Context, l net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop releases the rate meter
func (c *Collector) Stop() {
	c.stopOnce.Do(c.ops.Stop)
}
