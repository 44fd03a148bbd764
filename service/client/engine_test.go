package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/path"
)

const testBaseURL = "http://fhir.test/r4"

type fakeTransport struct {
	mu       sync.Mutex
	requests []*model.Request
	handle   func(ctx context.Context, req *model.Request) (*model.Response, error)
}

func (t *fakeTransport) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()

	return t.handle(ctx, req)
}

func (t *fakeTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.requests))
	for _, req := range t.requests {
		out = append(out, req.String())
	}

	return out
}

func newTestEngine(t *testing.T, cfg Config, handle func(ctx context.Context, req *model.Request) (*model.Response, error)) (*Engine, *fakeTransport) {
	ft := &fakeTransport{handle: handle}

	var idCnt atomic.Int32
	cfg.BaseURL = testBaseURL
	cfg.Transport = ft
	cfg.NewID = func() string {
		return fmt.Sprintf("local-%d", idCnt.Add(1))
	}

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	return e, ft
}

// newResponse builds a response; header is a list of name/value pairs.
// snapshotOf returns a copy of the server state of key (nil if not loaded).
func snapshotOf(e *Engine, key model.ResourceKey) model.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.snapshot.Get(key)
}

func newResponse(t *testing.T, status int, body any, header ...string) *model.Response {
	resp := &model.Response{Status: status, Header: make(http.Header)}
	for i := 0; i+1 < len(header); i += 2 {
		resp.Header.Set(header[i], header[i+1])
	}
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		resp.Body = raw
	}

	return resp
}

func decodeBody(t *testing.T, req *model.Request) model.Resource {
	res := make(model.Resource)
	require.NoError(t, json.Unmarshal(req.Body, &res))

	return res
}

func decodeRequestBundle(t *testing.T, req *model.Request) *model.Bundle {
	bundle, err := model.DecodeBundle(req.Body)
	require.NoError(t, err)

	return bundle
}

func Test_Engine_DirectCreate(t *testing.T) {
	e, ft := newTestEngine(t, Config{}, nil)
	ft.handle = func(ctx context.Context, req *model.Request) (*model.Response, error) {
		require.Equal(t, http.MethodPost, req.Method)
		require.Equal(t, "Patient", req.URL)
		body := decodeBody(t, req)
		require.Equal(t, "Ann", body["name"].([]any)[0].(map[string]any)["given"].([]any)[0])

		return newResponse(t, http.StatusCreated, nil,
			"Location", testBaseURL+"/Patient/P1/_history/1",
			"ETag", `W/"1"`,
			"Last-Modified", "Wed, 14 Oct 2026 10:00:00 GMT",
		), nil
	}

	key, err := e.Create("Patient", nil, "")
	require.NoError(t, err)
	require.Equal(t, model.ResourceKey{Type: "Patient", ID: "local-1"}, key)
	require.NoError(t, e.Set("/Patient/local-1/name/0/given/0", "Ann"))
	require.Equal(t, []model.ResourceKey{key}, e.Created("Patient"))

	sub := e.Submit(context.Background())
	require.NoError(t, sub.Wait())

	result, err := sub.Entry(key).Wait()
	require.NoError(t, err)
	require.Equal(t, model.ResourceKey{Type: "Patient", ID: "P1"}, result.Key)
	require.Equal(t, http.StatusCreated, result.Status)

	given, err := e.Get("/Patient/P1/name/0/given/0")
	require.NoError(t, err)
	require.Equal(t, "Ann", given)

	version, err := e.Get("/Patient/P1/meta/versionId")
	require.NoError(t, err)
	require.Equal(t, "1", version)

	updated, err := e.Get("/Patient/P1/meta/lastUpdated")
	require.NoError(t, err)
	require.Equal(t, "2026-10-14T10:00:00Z", updated)

	old, err := e.Get("/Patient/local-1")
	require.NoError(t, err)
	require.Nil(t, old)

	require.Empty(t, e.Pending())
	require.Empty(t, e.Created("Patient"))
	require.Equal(t, []model.ResourceKey{{Type: "Patient", ID: "P1"}}, e.List("Patient"))

	stats := e.Stats()
	require.Equal(t, 1, stats.Requests)
	require.Equal(t, 1, stats.Succeeded)
}

func Test_Engine_DirectUpdateProbe(t *testing.T) {
	e, ft := newTestEngine(t, Config{}, nil)
	ft.handle = func(ctx context.Context, req *model.Request) (*model.Response, error) {
		switch req.Method {
		case http.MethodHead:
			return newResponse(t, http.StatusMethodNotAllowed, nil), nil
		case http.MethodGet:
			return newResponse(t, http.StatusOK, model.Resource{
				"resourceType": "Patient", "id": "P1", "meta": map[string]any{"versionId": "3"},
			}), nil
		case http.MethodPut:
			require.Equal(t, `W/"3"`, req.Header.Get("If-Match"))
			body := decodeBody(t, req)
			body["meta"] = map[string]any{"versionId": "4"}
			return newResponse(t, http.StatusOK, body), nil
		}
		return nil, fmt.Errorf("unexpected %s", req)
	}

	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1"}))
	require.NoError(t, e.Set("/Patient/P1/active", true))

	require.NoError(t, e.Submit(context.Background()).Wait())
	require.Equal(t, []string{"HEAD Patient/P1", "GET Patient/P1", "PUT Patient/P1"}, ft.sent())

	version, err := e.Get("/Patient/P1/meta/versionId")
	require.NoError(t, err)
	require.Equal(t, "4", version)
	require.Empty(t, e.Pending())
	require.Equal(t, 1, e.Stats().Probes)
}

func Test_Engine_DirectFailure(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return newResponse(t, http.StatusPreconditionFailed, model.NewOperationOutcome("error", "conflict", "stale")), nil
	})

	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1", "meta": map[string]any{"versionId": "1"}}))
	require.NoError(t, e.Set("/Patient/P1/active", true))

	err := e.Submit(context.Background()).Wait()
	require.ErrorIs(t, err, model.ErrTransportFailure)

	var f *model.Failure
	require.True(t, errors.As(err, &f))
	require.Equal(t, http.StatusPreconditionFailed, f.Status)
	require.Equal(t, "conflict", f.Code)
	require.Equal(t, "stale", f.Diagnostics)

	pending := e.Pending()
	require.Len(t, pending, 1)
	require.False(t, pending[0].InFlight)

	active, err := e.Get("/Patient/P1/active")
	require.NoError(t, err)
	require.Equal(t, true, active)
}

func Test_Engine_DirectDelete(t *testing.T) {
	e, ft := newTestEngine(t, Config{}, nil)
	ft.handle = func(ctx context.Context, req *model.Request) (*model.Response, error) {
		require.Empty(t, req.Body)
		return newResponse(t, http.StatusNoContent, nil), nil
	}

	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1"}))
	require.NoError(t, e.Remove("", "/Patient/P1"))
	require.Empty(t, e.List("Patient"))
	require.Equal(t, []model.ResourceKey{{Type: "Patient", ID: "P1"}}, e.Removed("Patient"))

	require.NoError(t, e.Submit(context.Background()).Wait())
	require.Equal(t, []string{"DELETE Patient/P1"}, ft.sent())

	require.Empty(t, e.Pending())
	require.Empty(t, e.Removed("Patient"))

	res, err := e.Get("/Patient/P1")
	require.NoError(t, err)
	require.Nil(t, res)
}

func Test_Engine_TransactionAndDirectScopes(t *testing.T) {
	cfg := Config{
		Scopes: map[string]model.ScopeConfig{
			"A": {Mode: model.TransactionSubmitMode, FullURL: model.UUIDFullURLMode},
			"B": {Mode: model.DirectSubmitMode},
		},
	}
	e, ft := newTestEngine(t, cfg, nil)

	patientKey := model.ResourceKey{Type: "Patient", ID: "local-1"}
	encounterKey := model.ResourceKey{Type: "Encounter", ID: "local-2"}
	patientURL := uuidFullURL(testBaseURL, patientKey)

	ft.handle = func(ctx context.Context, req *model.Request) (*model.Response, error) {
		switch req.String() {
		case "POST /":
			bundle := decodeRequestBundle(t, req)
			require.Equal(t, model.TransactionBundleType, bundle.Type)
			require.Len(t, bundle.Entry, 2)
			require.Equal(t, patientURL, bundle.Entry[0].FullURL)
			require.Equal(t, uuidFullURL(testBaseURL, encounterKey), bundle.Entry[1].FullURL)
			require.Equal(t, "Patient", bundle.Entry[0].Request.URL)
			require.Equal(t, "Encounter", bundle.Entry[1].Request.URL)
			subject := bundle.Entry[1].Resource["subject"].(map[string]any)
			require.Equal(t, patientURL, subject["reference"])

			resp := model.NewBundle(model.TransactionResponseBundleType)
			resp.Entry = []model.BundleEntry{
				{Response: &model.BundleResponse{Status: "201 Created", Location: "Patient/srvP/_history/1", Etag: `W/"1"`}},
				{
					Resource: model.Resource{
						"resourceType": "Encounter", "id": "srvE", "status": "planned",
						"subject": map[string]any{"reference": "Patient/srvP"},
						"meta":    map[string]any{"versionId": "1"},
					},
					Response: &model.BundleResponse{Status: "201 Created", Location: "Encounter/srvE/_history/1"},
				},
			}
			return newResponse(t, http.StatusOK, resp), nil
		case "PUT Organization/O1":
			require.Equal(t, `W/"2"`, req.Header.Get("If-Match"))
			body := decodeBody(t, req)
			body["meta"] = map[string]any{"versionId": "3"}
			return newResponse(t, http.StatusOK, body), nil
		}
		return nil, fmt.Errorf("unexpected %s", req)
	}

	// Scope A
	created, err := e.Create("Patient", model.Resource{"active": true}, "A")
	require.NoError(t, err)
	require.Equal(t, patientKey, created)
	created, err = e.Create("Encounter", model.Resource{
		"status":  "planned",
		"subject": map[string]any{"reference": patientKey.String()},
	}, "A")
	require.NoError(t, err)
	require.Equal(t, encounterKey, created)

	// Scope B
	require.NoError(t, e.Load(model.Resource{"resourceType": "Organization", "id": "O1", "meta": map[string]any{"versionId": "2"}}))
	require.NoError(t, e.Set("/Organization/O1/name", "Clinic", path.WithScope("B")))
	require.Len(t, e.Pending("A"), 2)
	require.Len(t, e.Pending("B"), 1)

	sub := e.Submit(context.Background())
	require.NoError(t, sub.Wait())

	scopeA := sub.Scope("A")
	require.NotNil(t, scopeA.Bundle)
	require.Len(t, scopeA.Entries, 2)
	result, err := scopeA.Bundle.Wait()
	require.NoError(t, err)
	require.Equal(t, []model.ResourceKey{{Type: "Patient", ID: "srvP"}, {Type: "Encounter", ID: "srvE"}}, result.Succeeded)

	scopeB := sub.Scope("B")
	require.Nil(t, scopeB.Bundle)
	require.Len(t, scopeB.Direct, 1)

	active, err := e.Get("/Patient/srvP/active")
	require.NoError(t, err)
	require.Equal(t, true, active)

	subject, err := e.Get("/Encounter/srvE/subject/reference")
	require.NoError(t, err)
	require.Equal(t, "Patient/srvP", subject)

	name, err := e.Get("/Organization/O1/name")
	require.NoError(t, err)
	require.Equal(t, "Clinic", name)
	version, err := e.Get("/Organization/O1/meta/versionId")
	require.NoError(t, err)
	require.Equal(t, "3", version)

	require.Empty(t, e.Pending())
}

func Test_Engine_TransactionRejected(t *testing.T) {
	cfg := Config{Default: model.ScopeConfig{Mode: model.TransactionSubmitMode}}
	e, _ := newTestEngine(t, cfg, func(ctx context.Context, req *model.Request) (*model.Response, error) {
		resp := model.NewBundle(model.TransactionResponseBundleType)
		resp.Entry = []model.BundleEntry{
			{Response: &model.BundleResponse{Status: "201 Created", Location: "Patient/srvP/_history/1"}},
			{Response: &model.BundleResponse{
				Status:  "412 Precondition Failed",
				Outcome: model.NewOperationOutcome("error", "conflict", "stale").Resource(),
			}},
		}
		return newResponse(t, http.StatusOK, resp), nil
	})

	_, err := e.Create("Patient", nil, "")
	require.NoError(t, err)
	require.NoError(t, e.Load(model.Resource{"resourceType": "Organization", "id": "O1", "meta": map[string]any{"versionId": "2"}}))
	require.NoError(t, e.Set("/Organization/O1/active", false))

	o1Key := model.ResourceKey{Type: "Organization", ID: "O1"}
	dump := e.Dump()
	o1Snapshot := snapshotOf(e, o1Key)
	require.NotNil(t, o1Snapshot)

	sub := e.Submit(context.Background())
	err = sub.Wait()
	require.ErrorIs(t, err, model.ErrServerRejection)

	var bf *model.BundleFailure
	require.True(t, errors.As(err, &bf))
	require.Len(t, bf.Failed, 2)
	require.Zero(t, bf.Succeeded)

	for _, req := range sub.Scope("").Entries {
		_, err := req.Wait()
		require.ErrorIs(t, err, model.ErrServerRejection)
	}

	// Nothing applied
	require.Equal(t, dump, e.Dump())
	require.Equal(t, o1Snapshot, snapshotOf(e, o1Key))
	require.Nil(t, snapshotOf(e, model.ResourceKey{Type: "Patient", ID: "local-1"}))
	require.Nil(t, snapshotOf(e, model.ResourceKey{Type: "Patient", ID: "srvP"}))
	require.Equal(t, []model.ResourceKey{{Type: "Patient", ID: "local-1"}}, e.List("Patient"))
	pending := e.Pending()
	require.Len(t, pending, 2)
	for _, entry := range pending {
		require.False(t, entry.InFlight)
	}
}

func Test_Engine_TransactionProbeFailure(t *testing.T) {
	cfg := Config{Default: model.ScopeConfig{Mode: model.TransactionSubmitMode}}
	e, ft := newTestEngine(t, cfg, func(ctx context.Context, req *model.Request) (*model.Response, error) {
		return newResponse(t, http.StatusNotFound, model.NewOperationOutcome("error", "not-found", "")), nil
	})

	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1"}))
	require.NoError(t, e.Set("/Patient/P1/active", true))
	_, err := e.Create("Patient", nil, "")
	require.NoError(t, err)

	err = e.Submit(context.Background()).Wait()
	require.ErrorIs(t, err, model.ErrPreconditionMissing)
	require.Equal(t, []string{"HEAD Patient/P1"}, ft.sent())
	require.Len(t, e.Pending(), 2)
}

func Test_Engine_BatchPartialFailure(t *testing.T) {
	cfg := Config{
		Scopes: map[string]model.ScopeConfig{
			"batch": {Mode: model.BatchSubmitMode, FullURL: model.URLFullURLMode},
		},
	}
	e, _ := newTestEngine(t, cfg, func(ctx context.Context, req *model.Request) (*model.Response, error) {
		bundle := decodeRequestBundle(t, req)
		require.Equal(t, model.BatchBundleType, bundle.Type)
		require.Len(t, bundle.Entry, 3)

		resp := model.NewBundle(model.BatchResponseBundleType)
		for i, entry := range bundle.Entry {
			require.Equal(t, `W/"1"`, entry.Request.IfMatch)
			if i == 1 {
				require.Equal(t, testBaseURL+"/Patient/P2", entry.FullURL)
				resp.Entry = append(resp.Entry, model.BundleEntry{Response: &model.BundleResponse{
					Status:  "404 Not Found",
					Outcome: model.NewOperationOutcome("error", "not-found", "Patient/P2").Resource(),
				}})
				continue
			}

			res := entry.Resource
			res["meta"] = map[string]any{"versionId": "2"}
			resp.Entry = append(resp.Entry, model.BundleEntry{Resource: res, Response: &model.BundleResponse{Status: "200 OK"}})
		}
		return newResponse(t, http.StatusOK, resp), nil
	})

	for _, id := range []string{"P1", "P2", "P3"} {
		require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": id, "meta": map[string]any{"versionId": "1"}}))
		require.NoError(t, e.Set("/Patient/"+id+"/active", true, path.WithScope("batch")))
	}
	p2Key := model.ResourceKey{Type: "Patient", ID: "P2"}
	p2Snapshot := snapshotOf(e, p2Key)

	sub := e.Submit(context.Background(), "batch")
	err := sub.Wait()
	require.ErrorIs(t, err, model.ErrPartialBundleFailure)

	var bf *model.BundleFailure
	require.True(t, errors.As(err, &bf))
	require.Equal(t, 2, bf.Succeeded)
	require.Len(t, bf.Failed, 1)
	require.Equal(t, http.StatusNotFound, bf.Failed[0].Status)

	entries := sub.Scope("batch").Entries
	require.Len(t, entries, 3)
	_, err = entries[0].Wait()
	require.NoError(t, err)
	_, err = entries[1].Wait()
	require.ErrorIs(t, err, model.ErrPartialBundleFailure)
	_, err = entries[2].Wait()
	require.NoError(t, err)

	// Succeeded entries are reconciled, the failed one is left as it was
	for _, id := range []string{"P1", "P3"} {
		snapshot := snapshotOf(e, model.ResourceKey{Type: "Patient", ID: id})
		require.Equal(t, true, snapshot["active"], id)
		require.Equal(t, "2", model.VersionID(snapshot), id)
	}
	require.Equal(t, p2Snapshot, snapshotOf(e, p2Key))
	require.Equal(t, "1", model.VersionID(p2Snapshot))
	require.Nil(t, p2Snapshot["active"])

	active, err := e.Get("/Patient/P2/active")
	require.NoError(t, err)
	require.Equal(t, true, active)

	pending := e.Pending("batch")
	require.Len(t, pending, 1)
	require.Equal(t, p2Key, pending[0].Key)
	require.False(t, pending[0].InFlight)
}

func Test_Engine_Abort(t *testing.T) {
	started := make(chan struct{})
	e, _ := newTestEngine(t, Config{}, func(ctx context.Context, req *model.Request) (*model.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1", "meta": map[string]any{"versionId": "1"}}))
	require.NoError(t, e.Set("/Patient/P1/active", true))

	sub := e.Submit(context.Background())
	<-started
	sub.Abort()

	err := sub.Wait()
	require.ErrorIs(t, err, model.ErrTransportFailure)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, sub.Requests()[0].Aborted())

	pending := e.Pending()
	require.Len(t, pending, 1)
	require.False(t, pending[0].InFlight)
	require.Equal(t, 1, e.Stats().Aborted)

	// Callbacks registered after completion fire immediately
	called := false
	sub.Requests()[0].OnError(func(err error) { called = true })
	require.True(t, called)
}

func Test_Engine_EditWhileInFlight(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	var calls atomic.Int32
	e, ft := newTestEngine(t, Config{}, nil)
	ft.handle = func(ctx context.Context, req *model.Request) (*model.Response, error) {
		body := decodeBody(t, req)
		if calls.Add(1) == 1 {
			close(started)
			<-release
			require.Equal(t, `W/"1"`, req.Header.Get("If-Match"))
			require.Nil(t, body["gender"])
		} else {
			require.Equal(t, `W/"2"`, req.Header.Get("If-Match"))
			require.Equal(t, "female", body["gender"])
		}
		body["meta"] = map[string]any{"versionId": fmt.Sprint(calls.Load() + 1)}
		return newResponse(t, http.StatusOK, body), nil
	}

	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1", "meta": map[string]any{"versionId": "1"}}))
	require.NoError(t, e.Set("/Patient/P1/active", true))

	sub := e.Submit(context.Background())
	<-started

	// In flight entries are not submitted twice
	require.Empty(t, e.Submit(context.Background()).Scopes)
	require.NoError(t, e.Set("/Patient/P1/gender", "female"))
	close(release)
	require.NoError(t, sub.Wait())

	// Local edit survives, server version is adopted
	pending := e.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, model.UpdateMethod, pending[0].Method)
	require.False(t, pending[0].InFlight)

	gender, err := e.Get("/Patient/P1/gender")
	require.NoError(t, err)
	require.Equal(t, "female", gender)
	version, err := e.Get("/Patient/P1/meta/versionId")
	require.NoError(t, err)
	require.Equal(t, "2", version)

	require.NoError(t, e.Submit(context.Background()).Wait())
	require.Empty(t, e.Pending())
}

func Test_Engine_EditRevertedWhileInFlight(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	e, ft := newTestEngine(t, Config{}, nil)
	ft.handle = func(ctx context.Context, req *model.Request) (*model.Response, error) {
		close(started)
		<-release
		body := decodeBody(t, req)
		body["meta"] = map[string]any{"versionId": "2"}
		return newResponse(t, http.StatusOK, body), nil
	}

	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1", "meta": map[string]any{"versionId": "1"}}))
	require.NoError(t, e.Set("/Patient/P1/active", true))

	sub := e.Submit(context.Background())
	<-started
	require.NoError(t, e.Set("/Patient/P1/gender", "female"))
	require.NoError(t, e.Set("/Patient/P1/gender", nil))
	close(release)
	require.NoError(t, sub.Wait())

	// Nothing left to send: the live resource equals the confirmed one
	require.Empty(t, e.Pending())
	require.Equal(t, []string{"PUT Patient/P1"}, ft.sent())
	version, err := e.Get("/Patient/P1/meta/versionId")
	require.NoError(t, err)
	require.Equal(t, "2", version)
}

func Test_Engine_Notifications(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)

	var (
		mu      sync.Mutex
		changes []Change
	)
	cancel := e.Subscribe(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	})

	require.NoError(t, e.Load(model.Resource{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry": []any{
			map[string]any{"resource": map[string]any{"resourceType": "Patient", "id": "P1"}},
			map[string]any{"resource": map[string]any{"resourceType": "Patient", "id": "P2"}},
		},
	}))
	require.NoError(t, e.Set("/Patient/P1/active", true))

	cancel()
	require.NoError(t, e.Set("/Patient/P2/active", true))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	require.Equal(t, model.LoadMethod, changes[0].Method)
	require.Equal(t, ServerChangeSource, changes[0].Source)
	require.Equal(t, []model.ResourceKey{{Type: "Patient", ID: "P1"}, {Type: "Patient", ID: "P2"}}, changes[0].SortedKeys())
	require.Equal(t, model.UpdateMethod, changes[1].Method)
	require.Equal(t, LocalChangeSource, changes[1].Source)
}

func Test_Engine_LoadKeepsPending(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, nil)

	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1", "meta": map[string]any{"versionId": "1"}}))
	require.NoError(t, e.Set("/Patient/P1/active", true))
	require.NoError(t, e.Load(model.Resource{"resourceType": "Patient", "id": "P1", "gender": "male", "meta": map[string]any{"versionId": "2"}}))

	active, err := e.Get("/Patient/P1/active")
	require.NoError(t, err)
	require.Equal(t, true, active)
	gender, err := e.Get("/Patient/P1/gender")
	require.NoError(t, err)
	require.Nil(t, gender)

	discarded := e.Discard()
	require.Len(t, discarded, 1)
	gender, err = e.Get("/Patient/P1/gender")
	require.NoError(t, err)
	require.Equal(t, "male", gender)

	// Malformed bundles are not loaded at all
	err = e.Load(model.Resource{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{"resource": map[string]any{"resourceType": "Patient", "id": "P9"}},
			map[string]any{"resource": map[string]any{"resourceType": "Patient"}},
		},
	})
	require.ErrorIs(t, err, model.ErrInvalidPath)
	require.Equal(t, []model.ResourceKey{{Type: "Patient", ID: "P1"}}, e.List("Patient"))
}

func Test_Engine_FetchSearch(t *testing.T) {
	total := 1
	searchset := model.NewBundle(model.SearchSetBundleType)
	searchset.Total = &total
	searchset.Entry = []model.BundleEntry{{Resource: model.Resource{"resourceType": "Patient", "id": "P1"}}}

	e, _ := newTestEngine(t, Config{ExpansionTTL: time.Minute}, nil)
	e.transport.(*fakeTransport).handle = func(ctx context.Context, req *model.Request) (*model.Response, error) {
		switch req.URL {
		case "Patient?active=true":
			return newResponse(t, http.StatusOK, searchset), nil
		case "Patient/P1/_history/1":
			return newResponse(t, http.StatusOK, model.Resource{"resourceType": "Patient", "id": "P1", "gender": "female"}), nil
		case "Patient?broken=true":
			return newResponse(t, http.StatusOK, model.Resource{"resourceType": "Bundle", "type": "searchset"}), nil
		}
		return newResponse(t, http.StatusNotFound, nil), nil
	}

	require.NoError(t, e.Search(context.Background(), "active", "Patient?active=true"))
	require.Equal(t, []model.ResourceKey{{Type: "Patient", ID: "P1"}}, e.List("Patient"))

	cached, err := e.Get("/$expansion/active/total")
	require.NoError(t, err)
	require.EqualValues(t, 1, cached)

	require.NoError(t, e.Fetch(context.Background(), "/Patient/P1/_history/1"))
	gender, err := e.Get("/Patient/P1/_history/1/gender")
	require.NoError(t, err)
	require.Equal(t, "female", gender)

	err = e.Search(context.Background(), "broken", "Patient?broken=true")
	require.ErrorIs(t, err, model.ErrTransportFailure)

	err = e.Fetch(context.Background(), "/Patient/P404")
	require.ErrorIs(t, err, model.ErrTransportFailure)
}
