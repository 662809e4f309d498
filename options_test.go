package kvserver

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"negative port", WithPort(-1)},
		{"port too large", WithPort(70000)},
		{"replicaof without port", WithReplicaOf("localhost")},
		{"replicaof bad port", WithReplicaOf("localhost abc")},
		{"short replid", WithReplID("abc")},
		{"zero write timeout", WithWriteTimeout(0)},
		{"zero connect timeout", WithConnectTimeout(0)},
		{"nil logger", WithLogger(nil)},
		{"unknown log level", WithLogLevel("loud")},
		{"listen addr without port", WithListenAddr("localhost")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestOptions_Apply(t *testing.T) {
	srv, err := New(
		WithPort(6390),
		WithBindAddr("127.0.0.1"),
		WithDir("/data"),
		WithDBFilename("snap.rdb"),
		WithReplicaOf("10.0.0.1 6379"),
		WithWriteTimeout(3*time.Second),
		WithLogLevel("ERROR"),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	if got := srv.opts.addr(); got != "127.0.0.1:6390" {
		t.Errorf("addr: %s", got)
	}
	if srv.config.Port != 6390 || srv.config.Dir != "/data" || srv.config.DBFilename != "snap.rdb" {
		t.Errorf("config: %+v", srv.config)
	}
	if srv.Role() != "slave" {
		t.Errorf("role: %s", srv.Role())
	}
	if srv.opts.writeTimeout != 3*time.Second {
		t.Errorf("write timeout: %v", srv.opts.writeTimeout)
	}
	if l, ok := srv.logger.(*defaultLogger); !ok || l.level != LevelError {
		t.Errorf("expected default logger at error level, got %#v", srv.logger)
	}
	// The snapshot file does not exist
	if srv.SnapshotErr() == nil {
		t.Error("expected a snapshot error for a missing file")
	}
}

func TestOptions_ListenAddrOverridesPort(t *testing.T) {
	o := defaultOptions()
	for _, opt := range []Option{WithPort(7000), WithListenAddr("127.0.0.1:0")} {
		if err := opt(o); err != nil {
			t.Fatal(err)
		}
	}
	if o.addr() != "127.0.0.1:0" {
		t.Errorf("addr: %s", o.addr())
	}
	if o.port != 7000 {
		t.Errorf("port: %d", o.port)
	}
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
		skip  []string
	}{
		{LevelDebug, []string{"DEBUG: d", "INFO: i", "ERROR: e"}, nil},
		{LevelInfo, []string{"INFO: i", "ERROR: e"}, []string{"DEBUG"}},
		{LevelError, []string{"ERROR: e"}, []string{"DEBUG", "INFO"}},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)
			logger.Debug("d")
			logger.Info("i", Field{Key: "k", Value: 1})
			logger.Error("e", Field{Key: "error", Value: errors.New("boom")})

			out := buf.String()
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("missing %q in %q", want, out)
				}
			}
			for _, skip := range tt.skip {
				if strings.Contains(out, skip) {
					t.Errorf("unexpected %q in %q", skip, out)
				}
			}
		})
	}
}

func TestLoggerAdapter_Fields(t *testing.T) {
	var buf bytes.Buffer
	adapter := &loggerAdapter{logger: NewLogger(&buf, LevelDebug)}

	adapter.Info("Handshake complete", "replid", "abc", "offset", int64(7), "dangling")

	out := buf.String()
	if !strings.Contains(out, "INFO: Handshake complete replid=abc offset=7") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(out, "dangling") {
		t.Errorf("odd trailing field must be dropped: %q", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"Info", LevelInfo},
		{"", LevelInfo},
		{" error ", LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}
