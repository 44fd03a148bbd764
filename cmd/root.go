package main

import (
	"flag"
	"log"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

// rootCmd is a base command.
var rootCmd = &cobra.Command{
	Use:   "resource-sync",
	Short: "FHIR resource sync engine client/server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// glog flags are bound to cobra: mark the Go flag set as parsed
		_ = flag.CommandLine.Parse(nil)
	},
}

func main() {
	defer glog.Flush()

	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("rootCmd.Execute: %v", err)
	}
}
