package main

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "logbroker",
	Short: "Replicated partitioned log broker",
	Long: `logbroker is a broker in a leader/follower replication cluster for
partitioned append-only logs. It hosts topic-partitions, replicates them
from their leaders, tracks in-sync replicas and advances the high
watermark that bounds what consumers may read.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the broker version",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println("logbroker", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
