package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kvserver "github.com/raniellyferreira/redis-kv-server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the server",
	Long:    `Start the server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is KVSERVER_<flag> (e.g. KVSERVER_REPLICAOF="localhost 6379"). Variables are also read from .env and .env.local in the working directory.`,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	key := "port"
	serveCmd.Flags().Int(key, 6379, wrapString("Port to listen on for clients. A slave also announces it to its master"))

	key = "bind"
	serveCmd.Flags().String(key, "", wrapString("Interface to bind; empty binds all interfaces"))

	key = "dir"
	serveCmd.Flags().String(key, "", wrapString("Directory of the snapshot file loaded at boot"))

	key = "dbfilename"
	serveCmd.Flags().String(key, "", wrapString("Name of the snapshot file inside --dir"))

	key = "replicaof"
	serveCmd.Flags().String(key, "", wrapString(`Replicate from the master at "<host> <port>"`))

	key = "log-level"
	serveCmd.Flags().String(key, "info", wrapString("Level at which logs are written (debug, info, error)"))

	key = "metrics-addr"
	serveCmd.Flags().String(key, "", wrapString("Address serving Prometheus metrics at /metrics (e.g. :9121); empty disables it"))

	key = "write-timeout"
	serveCmd.Flags().Duration(key, 10*time.Second, wrapString("Write timeout for client, replica and master connections"))
}

// bindFlags binds the command's flags to viper so environment variables
// can override their defaults
func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// serveOptions converts the bound configuration to server options
func serveOptions() []kvserver.Option {
	return []kvserver.Option{
		kvserver.WithPort(viper.GetInt("port")),
		kvserver.WithBindAddr(viper.GetString("bind")),
		kvserver.WithDir(viper.GetString("dir")),
		kvserver.WithDBFilename(viper.GetString("dbfilename")),
		kvserver.WithReplicaOf(viper.GetString("replicaof")),
		kvserver.WithLogLevel(viper.GetString("log-level")),
		kvserver.WithMetricsAddr(viper.GetString("metrics-addr")),
		kvserver.WithWriteTimeout(viper.GetDuration("write-timeout")),
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	srv, err := kvserver.New(serveOptions()...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
