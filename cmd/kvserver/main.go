// Command kvserver runs a Redis-compatible key-value server and ships
// tooling to compare two running servers.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kvserver "github.com/raniellyferreira/redis-kv-server"
)

// wrap is the number of characters flag help is wrapped at
const wrap = 50

var (
	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "kvserver",
		Short: "Redis-compatible in-memory key-value server",
		Long: fmt.Sprintf(`kvserver (v%s)

An in-memory key-value server speaking the Redis protocol. It runs as a
master or replicates from one, loads a snapshot file at boot and runs
Lua scripts.`, kvserver.Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvserver",
		Run: func(cmd *cobra.Command, args []string) {
			info := kvserver.VersionInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "kvserver v%s", info["version"])
			if commit, ok := info["commit"]; ok {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", commit)
			}
			if built, ok := info["buildTime"]; ok {
				fmt.Fprintf(cmd.OutOrStdout(), " built %s", built)
			}
			fmt.Fprintln(cmd.OutOrStdout())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig loads .env files and binds KVSERVER_* environment variables
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("kvserver")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// wrapString wraps help text at wrap characters
func wrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}

	return strings.Join(lines, "\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
