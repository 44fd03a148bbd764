package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/service/client"
)

const (
	FlagServerUrl   = "server-url"
	FlagClientId    = "client-id"
	FlagEditPeriod  = "edits-period"
	FlagEditMax     = "edits-max"
	FlagPollPeriod  = "poll-period"
	FlagScope       = "scope"
	FlagDefaultMode = "default-mode"
	FlagDump        = "dump"
)

// GetClientCmd returns the sync engine load driver start command.
func GetClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start sync engine client generating random edits",
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			serverUrl, err := cmd.Flags().GetString(FlagServerUrl)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagServerUrl, err)
			}
			clientId, err := cmd.Flags().GetUint(FlagClientId)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagClientId, err)
			}
			editMax, err := cmd.Flags().GetInt(FlagEditMax)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagEditMax, err)
			}
			editDur, err := cmd.Flags().GetDuration(FlagEditPeriod)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagEditPeriod, err)
			}
			pollDur, err := cmd.Flags().GetDuration(FlagPollPeriod)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagPollPeriod, err)
			}
			scopeArgs, err := cmd.Flags().GetStringSlice(FlagScope)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagScope, err)
			}
			defaultMode, err := cmd.Flags().GetString(FlagDefaultMode)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagDefaultMode, err)
			}
			reportDur, err := cmd.Flags().GetDuration(FlagReportPeriod)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagReportPeriod, err)
			}
			dump, err := cmd.Flags().GetBool(FlagDump)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagDump, err)
			}

			if clientId == 0 {
				clientId = uint(rand.Uint32())
			}

			scopes, err := parseScopes(scopeArgs)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagScope, err)
			}
			defaultScope, err := parseScopeConfig(defaultMode)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagDefaultMode, err)
			}

			// Init service
			engine, err := client.NewEngine(client.Config{
				BaseURL:      serverUrl,
				Scopes:       scopes,
				Default:      defaultScope,
				ReportPeriod: reportDur,
			})
			if err != nil {
				log.Fatalf("engine init: %v", err)
			}

			scopeNames := []string{""}
			for name := range scopes {
				scopeNames = append(scopeNames, name)
			}
			sort.Strings(scopeNames)

			svc, err := client.NewDriver(engine, client.DriverConfig{
				ID:         int(clientId),
				EditPeriod: editDur,
				EditMax:    editMax,
				PollPeriod: pollDur,
				Scopes:     scopeNames,
			})
			if err != nil {
				log.Fatalf("service init: %v", err)
			}

			svc.Start()

			// Wait for signal
			signalCh := make(chan os.Signal, 1)
			signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-signalCh:
			case <-svc.Done():
			}

			svc.Stop()
			log.Printf("%s: %s", svc.String(), engine.Stats())
			if dump {
				fmt.Println(engine.Dump())
			}
		},
	}
	cmd.Flags().Uint(FlagClientId, 1, "unique clientID")
	cmd.Flags().Int(FlagEditMax, 5, "max number of edits per period")
	cmd.Flags().String(FlagServerUrl, "http://127.0.0.1:2412", "(optional) server base url")
	cmd.Flags().Duration(FlagEditPeriod, 1*time.Second, "(optional) edits submit period")
	cmd.Flags().Duration(FlagPollPeriod, 2*time.Second, "(optional) resources refresh period")
	cmd.Flags().StringSlice(FlagScope, nil, "(optional) scope settings: name=direct|batch|transaction[:uuid|url]")
	cmd.Flags().String(FlagDefaultMode, "direct", "(optional) settings of the default scope: direct|batch|transaction[:uuid|url]")
	cmd.Flags().Duration(FlagReportPeriod, 5*time.Second, "(optional) monitor report period (0 disables reports)")
	cmd.Flags().Bool(FlagDump, false, "(optional) print the store on exit")

	return cmd
}

// parseScopes parses "name=mode[:fullUrlMode]" scope settings.
func parseScopes(args []string) (map[string]model.ScopeConfig, error) {
	scopes := make(map[string]model.ScopeConfig, len(args))
	for _, arg := range args {
		name, settings, found := strings.Cut(arg, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("scope (%s): name=mode expected", arg)
		}
		if _, found := scopes[name]; found {
			return nil, fmt.Errorf("scope (%s): duplicate", name)
		}

		cfg, err := parseScopeConfig(settings)
		if err != nil {
			return nil, fmt.Errorf("scope (%s): %w", name, err)
		}
		scopes[name] = cfg
	}

	return scopes, nil
}

// parseScopeConfig parses "mode[:fullUrlMode]".
func parseScopeConfig(settings string) (model.ScopeConfig, error) {
	mode, fullURL, _ := strings.Cut(settings, ":")
	cfg := model.ScopeConfig{
		Mode:    model.SubmitMode(strings.ToLower(mode)),
		FullURL: model.FullURLMode(strings.ToLower(fullURL)),
	}
	if err := cfg.Validate(); err != nil {
		return model.ScopeConfig{}, err
	}

	return cfg, nil
}

func init() {
	rootCmd.AddCommand(GetClientCmd())
}
