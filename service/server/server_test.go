package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itiky/resource-sync/model"
)

type testServer struct {
	*Server
	http *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	if cfg.BatchPeriod == 0 {
		cfg.BatchPeriod = 5 * time.Millisecond
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)
	s.Start()

	ts := &testServer{Server: s, http: httptest.NewServer(s.Handler())}
	t.Cleanup(func() {
		ts.http.Close()
		s.Stop()
	})

	return ts
}

func (ts *testServer) do(t *testing.T, method, url string, body any, header http.Header) (int, http.Header, model.Resource) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.http.URL+"/"+url, reader)
	require.NoError(t, err)
	for name, values := range header {
		req.Header[name] = values
	}
	req.Header.Set("Content-Type", fhirContentType)

	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var res model.Resource
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &res))
	}

	return resp.StatusCode, resp.Header, res
}

func Test_Server_CRUD(t *testing.T) {
	ts := newTestServer(t, Config{})

	// Create
	status, header, res := ts.do(t, http.MethodPost, "Patient", model.Resource{
		"resourceType": "Patient",
		"name":         []any{map[string]any{"given": []any{"Ann"}}},
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, `W/"1"`, header.Get("ETag"))
	require.NotEmpty(t, header.Get("Last-Modified"))

	key, version, err := model.ParseLocation(header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "Patient", key.Type)
	require.Equal(t, "1", version)
	require.Equal(t, key.ID, res["id"])
	require.Equal(t, "1", model.VersionID(res))

	// Read
	status, header, res = ts.do(t, http.MethodGet, key.String(), nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, `W/"1"`, header.Get("ETag"))

	// Stale precondition
	res["active"] = true
	status, _, outcome := ts.do(t, http.MethodPut, key.String(), res, http.Header{"If-Match": {`W/"7"`}})
	require.Equal(t, http.StatusPreconditionFailed, status)
	require.Equal(t, model.OperationOutcomeResourceType, outcome["resourceType"])

	// Update
	status, header, res = ts.do(t, http.MethodPut, key.String(), res, http.Header{"If-Match": {`W/"1"`}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, `W/"2"`, header.Get("ETag"))
	require.Equal(t, true, res["active"])

	// VRead
	status, _, res = ts.do(t, http.MethodGet, key.String()+"/_history/1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, res["active"])

	// Delete
	status, _, _ = ts.do(t, http.MethodDelete, key.String(), nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _, _ = ts.do(t, http.MethodGet, key.String(), nil, nil)
	require.Equal(t, http.StatusGone, status)

	status, _, _ = ts.do(t, http.MethodGet, "Patient/unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, status)

	stats := ts.Stats()
	require.Equal(t, 4, stats.Writes)
	require.Equal(t, 4, stats.OpsHandled)
}

func Test_Server_UpdateAsCreate(t *testing.T) {
	ts := newTestServer(t, Config{})

	status, header, _ := ts.do(t, http.MethodPut, "Organization/O1", model.Resource{
		"resourceType": "Organization",
		"id":           "O1",
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Contains(t, header.Get("Location"), "Organization/O1/_history/1")

	status, _, _ = ts.do(t, http.MethodPut, "Organization/O1", model.Resource{
		"resourceType": "Organization",
		"id":           "O2",
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func Test_Server_Head(t *testing.T) {
	ts := newTestServer(t, Config{DisableHead: true})
	require.NoError(t, ts.Repository().Put(model.Resource{"resourceType": "Patient", "id": "P1"}))

	status, _, _ := ts.do(t, http.MethodHead, "Patient/P1", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, status)

	ts2 := newTestServer(t, Config{})
	require.NoError(t, ts2.Repository().Put(model.Resource{"resourceType": "Patient", "id": "P1"}))

	status, header, res := ts2.do(t, http.MethodHead, "Patient/P1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, `W/"1"`, header.Get("ETag"))
	require.Nil(t, res)
}

func Test_Server_Search(t *testing.T) {
	ts := newTestServer(t, Config{})
	for _, res := range []model.Resource{
		{"resourceType": "Patient", "id": "P1", "gender": "female"},
		{"resourceType": "Patient", "id": "P2", "gender": "male"},
		{"resourceType": "Patient", "id": "P3", "gender": "female"},
		{"resourceType": "Encounter", "id": "E1"},
	} {
		require.NoError(t, ts.Repository().Put(res))
	}

	status, _, res := ts.do(t, http.MethodGet, "Patient?gender=female", nil, nil)
	require.Equal(t, http.StatusOK, status)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	bundle, err := model.DecodeBundle(raw)
	require.NoError(t, err)
	require.Equal(t, model.SearchSetBundleType, bundle.Type)
	require.NotNil(t, bundle.Total)
	require.Equal(t, 2, *bundle.Total)
	require.Equal(t, "P1", bundle.Entry[0].Resource["id"])
	require.Equal(t, "P3", bundle.Entry[1].Resource["id"])

	status, _, res = ts.do(t, http.MethodGet, "Patient?_count=1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, res["total"])

	status, _, _ = ts.do(t, http.MethodGet, "Patient?_count=x", nil, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func Test_Server_Transaction(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.NoError(t, ts.Repository().Put(model.Resource{"resourceType": "Organization", "id": "O1"}))

	newTx := func(ifMatch string) *model.Bundle {
		bundle := model.NewBundle(model.TransactionBundleType)
		bundle.Entry = []model.BundleEntry{
			{
				FullURL:  "urn:uuid:8f1c1d2e-0000-4000-8000-000000000001",
				Resource: model.Resource{"resourceType": "Patient"},
				Request:  &model.BundleRequest{Method: http.MethodPost, URL: "Patient"},
			},
			{
				FullURL: "urn:uuid:8f1c1d2e-0000-4000-8000-000000000002",
				Resource: model.Resource{
					"resourceType": "Encounter",
					"subject":      map[string]any{"reference": "urn:uuid:8f1c1d2e-0000-4000-8000-000000000001"},
				},
				Request: &model.BundleRequest{Method: http.MethodPost, URL: "Encounter"},
			},
			{
				Resource: model.Resource{"resourceType": "Organization", "id": "O1", "active": true},
				Request:  &model.BundleRequest{Method: http.MethodPut, URL: "Organization/O1", IfMatch: ifMatch},
			},
		}
		return bundle
	}

	// Rejected as a whole
	status, _, res := ts.do(t, http.MethodPost, "", newTx(`W/"5"`), nil)
	require.Equal(t, http.StatusPreconditionFailed, status)
	require.Equal(t, model.OperationOutcomeResourceType, res["resourceType"])
	require.Equal(t, 1, ts.Repository().Len())

	// Applied
	status, _, res = ts.do(t, http.MethodPost, "", newTx(`W/"1"`), nil)
	require.Equal(t, http.StatusOK, status)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	bundle, err := model.DecodeBundle(raw)
	require.NoError(t, err)
	require.Equal(t, model.TransactionResponseBundleType, bundle.Type)
	require.Len(t, bundle.Entry, 3)
	require.Equal(t, "201 Created", bundle.Entry[0].Response.Status)
	require.Equal(t, "201 Created", bundle.Entry[1].Response.Status)
	require.Equal(t, "200 OK", bundle.Entry[2].Response.Status)
	require.Equal(t, `W/"2"`, bundle.Entry[2].Response.Etag)

	patientKey, _, err := model.ParseLocation(bundle.Entry[0].Response.Location)
	require.NoError(t, err)
	subject := bundle.Entry[1].Resource["subject"].(map[string]any)
	require.Equal(t, patientKey.String(), subject["reference"])
	require.Equal(t, 3, ts.Repository().Len())
}

func Test_Server_Batch(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.NoError(t, ts.Repository().Put(model.Resource{"resourceType": "Patient", "id": "P1"}))

	bundle := model.NewBundle(model.BatchBundleType)
	bundle.Entry = []model.BundleEntry{
		{Request: &model.BundleRequest{Method: http.MethodDelete, URL: "Patient/P1"}},
		{Request: &model.BundleRequest{Method: http.MethodDelete, URL: "Patient/P9"}},
		{Request: &model.BundleRequest{Method: http.MethodGet, URL: "Patient/P1"}},
		{
			Resource: model.Resource{"resourceType": "Patient"},
			Request:  &model.BundleRequest{Method: http.MethodPost, URL: "Patient"},
		},
	}

	status, _, res := ts.do(t, http.MethodPost, "", bundle, http.Header{"Prefer": {"return=minimal"}})
	require.Equal(t, http.StatusOK, status)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	resp, err := model.DecodeBundle(raw)
	require.NoError(t, err)
	require.Equal(t, model.BatchResponseBundleType, resp.Type)
	require.Len(t, resp.Entry, 4)

	require.Equal(t, "204 No Content", resp.Entry[0].Response.Status)
	require.Equal(t, "404 Not Found", resp.Entry[1].Response.Status)
	require.NotNil(t, model.OutcomeFromResource(resp.Entry[1].Response.Outcome))
	require.Equal(t, "400 Bad Request", resp.Entry[2].Response.Status)
	require.Equal(t, "201 Created", resp.Entry[3].Response.Status)
	require.Nil(t, resp.Entry[3].Resource)
	require.NotEmpty(t, resp.Entry[3].Response.Location)
}

func Test_Server_InvalidBundle(t *testing.T) {
	ts := newTestServer(t, Config{})

	status, _, _ := ts.do(t, http.MethodPost, "", model.NewBundle(model.CollectionBundleType), nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _, _ = ts.do(t, http.MethodPost, "", model.Resource{"resourceType": "Patient"}, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _, _ = ts.do(t, http.MethodGet, "patient/1", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func Test_Seed(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "seed.json")

	require.Error(t, GenAndSaveSeed(filePath, SeedConfig{}))
	require.Error(t, GenAndSaveSeed(filePath, SeedConfig{Patients: 1, EncountersPerPatient: -1}))
	require.NoError(t, GenAndSaveSeed(filePath, SeedConfig{Patients: 20, EncountersPerPatient: 2, PatientsPerOrg: 5, RandSeed: 7}))

	repo, err := NewRepositoryFromFile(filePath)
	require.NoError(t, err)
	require.Equal(t, 20+40+5, repo.Len())

	encounters, err := repo.Search("Encounter", nil)
	require.NoError(t, err)
	require.Len(t, encounters, 40)
	orgs, err := repo.Search("Organization", nil)
	require.NoError(t, err)
	require.Len(t, orgs, 5)

	subject := encounters[0]["subject"].(map[string]any)["reference"].(string)
	patientKey, ok := model.ParseResourceKey(subject)
	require.True(t, ok)
	_, err = repo.Read(patientKey)
	require.NoError(t, err)

	// the random seed makes the content reproducible (ids are not)
	{
		other := filepath.Join(t.TempDir(), "seed.json")
		require.NoError(t, GenAndSaveSeed(other, SeedConfig{Patients: 20, EncountersPerPatient: 2, PatientsPerOrg: 5, RandSeed: 7}))
		otherRepo, err := NewRepositoryFromFile(other)
		require.NoError(t, err)

		names := func(r *Repository) []any {
			patients, err := r.Search("Patient", nil)
			require.NoError(t, err)
			out := make([]any, 0, len(patients))
			for _, p := range patients {
				out = append(out, p["name"])
			}
			return out
		}
		require.ElementsMatch(t, names(repo), names(otherRepo))
	}

	_, err = NewServer(Config{BatchPeriod: time.Millisecond, SeedFile: filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)
}

func Test_Config(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)

	_, err = NewServer(Config{BatchPeriod: time.Millisecond, ChSize: -1})
	require.Error(t, err)
}
