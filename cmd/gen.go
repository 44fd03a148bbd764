package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/itiky/resource-sync/service/server"
)

const (
	FlagFilePath     = "file-path"
	FlagPatients     = "patients"
	FlagEncounters   = "encounters-per-patient"
	FlagOrgPatients  = "patients-per-org"
	FlagRandSeed     = "rand-seed"
	FlagVerifyOutput = "verify"
)

// GetGenerateCmd returns the seed collection Bundle generate command.
func GetGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate seed resources (Organization, Patient, Encounter) for the server",
		Run: func(cmd *cobra.Command, args []string) {
			filePath, err := cmd.Flags().GetString(FlagFilePath)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagFilePath, err)
			}

			cfg := server.SeedConfig{}
			if cfg.Patients, err = cmd.Flags().GetInt(FlagPatients); err != nil {
				log.Fatalf("%s flag: %v", FlagPatients, err)
			}
			if cfg.EncountersPerPatient, err = cmd.Flags().GetInt(FlagEncounters); err != nil {
				log.Fatalf("%s flag: %v", FlagEncounters, err)
			}
			if cfg.PatientsPerOrg, err = cmd.Flags().GetInt(FlagOrgPatients); err != nil {
				log.Fatalf("%s flag: %v", FlagOrgPatients, err)
			}
			if cfg.RandSeed, err = cmd.Flags().GetInt64(FlagRandSeed); err != nil {
				log.Fatalf("%s flag: %v", FlagRandSeed, err)
			}
			verify, err := cmd.Flags().GetBool(FlagVerifyOutput)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagVerifyOutput, err)
			}

			if err := server.GenAndSaveSeed(filePath, cfg); err != nil {
				log.Fatalf("gen failed: %v", err)
			}
			if !verify {
				return
			}

			// Read the file back the way the server does
			repo, err := server.NewRepositoryFromFile(filePath)
			if err != nil {
				log.Fatalf("verify failed: %v", err)
			}
			for _, resType := range []string{"Organization", "Patient", "Encounter"} {
				resources, err := repo.Search(resType, nil)
				if err != nil {
					log.Fatalf("verify failed: %s: %v", resType, err)
				}
				fmt.Printf("%s: %d\n", resType, len(resources))
			}
		},
	}
	cmd.Flags().String(FlagFilePath, "./seed.json", "(optional) output file path")
	cmd.Flags().Int(FlagPatients, 1000, "(optional) number of patients")
	cmd.Flags().Int(FlagEncounters, 1, "(optional) encounters per patient")
	cmd.Flags().Int(FlagOrgPatients, 10, "(optional) patients served by one organization")
	cmd.Flags().Int64(FlagRandSeed, 0, "(optional) random source seed (0 picks one)")
	cmd.Flags().Bool(FlagVerifyOutput, false, "(optional) load the generated file and print resource counts")

	return cmd
}

func init() {
	rootCmd.AddCommand(GetGenerateCmd())
}
