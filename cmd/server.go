package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itiky/resource-sync/service/server"
)

const (
	FlagPort         = "port"
	FlagBatchChSize  = "batch-ch-size"
	FlagHandlePeriod = "handle-period"
	FlagDisableHead  = "disable-head"
	FlagReportPeriod = "report-period"
)

// GetServerCmd returns FHIR simulation server start command.
func GetServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start FHIR simulation server",
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			port, err := cmd.Flags().GetInt(FlagPort)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagPort, err)
			}
			chSize, err := cmd.Flags().GetInt(FlagBatchChSize)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagBatchChSize, err)
			}
			handleDur, err := cmd.Flags().GetDuration(FlagHandlePeriod)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagHandlePeriod, err)
			}
			filePath, err := cmd.Flags().GetString(FlagFilePath)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagFilePath, err)
			}
			disableHead, err := cmd.Flags().GetBool(FlagDisableHead)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagDisableHead, err)
			}
			reportDur, err := cmd.Flags().GetDuration(FlagReportPeriod)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagReportPeriod, err)
			}

			// Init service
			svc, err := server.NewServer(server.Config{
				Port:         port,
				SeedFile:     filePath,
				DisableHead:  disableHead,
				BatchPeriod:  handleDur,
				ChSize:       chSize,
				ReportPeriod: reportDur,
			})
			if err != nil {
				log.Fatalf("service init: %v", err)
			}

			// Start server
			go func() {
				if err := svc.ListenAndServe(); err != nil {
					log.Fatalf("HTTP server: %v", err)
				}
			}()

			// Wait for signal
			signalCh := make(chan os.Signal, 1)
			signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
			<-signalCh

			svc.Stop()
		},
	}
	cmd.Flags().Int(FlagPort, 2412, "(optional) server port")
	cmd.Flags().Int(FlagBatchChSize, 50, "(optional) write queue limit")
	cmd.Flags().Duration(FlagHandlePeriod, 50*time.Millisecond, "(optional) queued writes handling period")
	cmd.Flags().String(FlagFilePath, "", "(optional) path to generated seed file")
	cmd.Flags().Bool(FlagDisableHead, false, "(optional) answer HEAD requests with 405")
	cmd.Flags().Duration(FlagReportPeriod, 5*time.Second, "(optional) monitor report period (0 disables reports)")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetServerCmd())
}
