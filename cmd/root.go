// Package cmd implements the hazel command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/hazeldb/hazel/cmd/bench"
	"github.com/hazeldb/hazel/lib/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "hazel",
		Short: "hybrid-log key-value store",
		Long: fmt.Sprintf(`hazel (v%s)

A high-performance hybrid-log key-value store library written in Go,
with an in-memory read cache over the on-device portion of the log.`, Version),
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.InitLoggers(viper.GetString("log-level"))
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of hazel",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hazel v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log-level", RootCmd.PersistentFlags().Lookup("log-level"))

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(bench.BenchCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
