package server

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/itiky/resource-sync/model"
)

var (
	seedGivenNames        = []string{"Ann", "Bob", "Carol", "Dave", "Eve", "Frank", "Grace", "Heidi"}
	seedFamilyNames       = []string{"Smith", "Jones", "Brown", "Taylor", "Wilson", "Evans"}
	seedOrgNames          = []string{"General Hospital", "City Clinic", "Care Center", "Health Lab"}
	seedEncounterStatuses = []string{"planned", "in-progress", "finished"}
)

// SeedConfig keeps the seed data shape.
type SeedConfig struct {
	// Number of patients
	Patients int
	// Encounters per patient
	EncountersPerPatient int
	// Patients served by one organization
	PatientsPerOrg int
	// Random source seed (random if 0)
	RandSeed int64
}

// Validate validates the SeedConfig and sets defaults.
func (c *SeedConfig) Validate() error {
	if c.Patients <= 0 {
		return fmt.Errorf("%s: must be GT 0", "Patients")
	}
	if c.EncountersPerPatient < 0 {
		return fmt.Errorf("%s: must be GTE 0", "EncountersPerPatient")
	}
	if c.PatientsPerOrg < 0 {
		return fmt.Errorf("%s: must be GTE 0", "PatientsPerOrg")
	}
	if c.PatientsPerOrg == 0 {
		c.PatientsPerOrg = 10
	}
	if c.RandSeed == 0 {
		c.RandSeed = rand.Int63()
	}

	return nil
}

// GenAndSaveSeed generates random Patient, Organization and Encounter resources and saves
// them to file system as a collection Bundle.
func GenAndSaveSeed(filePath string, cfg SeedConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("seed config validation: %w", err)
	}

	glog.Infof("Creating resources (seed %d)...", cfg.RandSeed)
	bundle := model.NewBundle(model.CollectionBundleType)
	for _, res := range newSeedResources(cfg, rand.New(rand.NewSource(cfg.RandSeed))) {
		bundle.Entry = append(bundle.Entry, model.BundleEntry{Resource: res})
	}

	glog.Infof("JSON marshal...")
	raw, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("JSON marshal: %w", err)
	}

	glog.Infof("Saving file...")
	if err := os.WriteFile(filePath, raw, 0644); err != nil {
		return fmt.Errorf("write to file (%s): %w", filePath, err)
	}

	glog.Infof("Done: %d resources", len(bundle.Entry))

	return nil
}

// NewRepositoryFromFile builds the Repository object with every seed resource at version 1.
func NewRepositoryFromFile(filePath string) (*Repository, error) {
	glog.Infof("Reading file...")
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading file (%s): %w", filePath, err)
	}

	bundle, err := model.DecodeBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	repo := NewRepository()
	for i, entry := range bundle.Entry {
		if err := repo.Put(entry.Resource); err != nil {
			return nil, fmt.Errorf("seed entry[%d]: %w", i, err)
		}
	}

	glog.Infof("Repository created: %d resources", repo.Len())

	return repo, nil
}

// newSeedResources builds patients with their encounters, served by a few organizations.
func newSeedResources(cfg SeedConfig, rnd *rand.Rand) []model.Resource {
	orgCnt := cfg.Patients/cfg.PatientsPerOrg + 1
	orgs := make([]model.Resource, 0, orgCnt)
	for i := 0; i < orgCnt; i++ {
		orgs = append(orgs, model.Resource{
			"resourceType": "Organization",
			"id":           newSeedID(),
			"name":         seedOrgNames[i%len(seedOrgNames)],
			"active":       true,
		})
	}

	resources := append(make([]model.Resource, 0, orgCnt+cfg.Patients*(1+cfg.EncountersPerPatient)), orgs...)
	for i := 0; i < cfg.Patients; i++ {
		patient := model.Resource{
			"resourceType": "Patient",
			"id":           newSeedID(),
			"active":       true,
			"name": []any{
				map[string]any{
					"family": seedFamilyNames[rnd.Intn(len(seedFamilyNames))],
					"given":  []any{seedGivenNames[rnd.Intn(len(seedGivenNames))]},
				},
			},
			"telecom": []any{
				map[string]any{"system": "phone", "value": fmt.Sprintf("+1-555-%04d", rnd.Intn(10000))},
			},
			"managingOrganization": map[string]any{
				"reference": "Organization/" + orgs[rnd.Intn(orgCnt)]["id"].(string),
			},
		}
		resources = append(resources, patient)

		for j := 0; j < cfg.EncountersPerPatient; j++ {
			resources = append(resources, model.Resource{
				"resourceType": "Encounter",
				"id":           newSeedID(),
				"status":       seedEncounterStatuses[rnd.Intn(len(seedEncounterStatuses))],
				"subject": map[string]any{
					"reference": "Patient/" + patient["id"].(string),
				},
			})
		}
	}

	return resources
}

func newSeedID() string {
	return strings.ToLower(ulid.Make().String())
}
