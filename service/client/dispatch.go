package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/storage"
)

// maxParallelProbes limits concurrent version probes of a single scope.
const maxParallelProbes = 8

// bundleItem is a ledger entry prepared for dispatch.
type bundleItem struct {
	entry   storage.Entry
	payload model.Resource
	ifMatch string
	fullURL string
	req     *Request
	// Version probe failure
	failure error
	// Outcome
	result *Result
	err    error
}

// String implements the stringer interface.
func (i *bundleItem) String() string {
	return i.entry.Method.HTTPMethod() + " " + i.entry.URL
}

// needsProbe checks if the UPDATE lacks a version precondition.
func (i *bundleItem) needsProbe() bool {
	return i.entry.Method == model.UpdateMethod && i.ifMatch == ""
}

// httpRequest builds the direct request.
func (i *bundleItem) httpRequest() (*model.Request, error) {
	var body []byte
	if i.payload != nil {
		raw, err := json.Marshal(i.payload)
		if err != nil {
			return nil, fmt.Errorf("%s: JSON marshal: %w", i, err)
		}
		body = raw
	}

	req := model.NewRequest(i.entry.Method.HTTPMethod(), i.entry.URL, body)
	if i.ifMatch != "" {
		req.Header.Set("If-Match", i.ifMatch)
	}

	return req, nil
}

// bundleEntry builds the bundle sub-request.
func (i *bundleItem) bundleEntry() model.BundleEntry {
	return model.BundleEntry{
		FullURL:  i.fullURL,
		Resource: i.payload,
		Request: &model.BundleRequest{
			Method:  i.entry.Method.HTTPMethod(),
			URL:     i.entry.URL,
			IfMatch: i.ifMatch,
		},
	}
}

// Submit dispatches pending entries of scopes (all scopes if none given). Each scope is sent
// according to its ScopeConfig and does not wait for other scopes. Entries already in flight
// are skipped. Cancelling ctx aborts all requests of the submission.
func (e *Engine) Submit(ctx context.Context, scopes ...string) *Submission {
	sub := newSubmission()

	e.mu.Lock()
	order := make([]string, 0)
	plan := make(map[string][]*bundleItem)
	for _, entry := range e.ledger.Entries(scopes...) {
		if entry.InFlight {
			continue
		}
		if _, found := plan[entry.Scope]; !found {
			order = append(order, entry.Scope)
		}
		plan[entry.Scope] = append(plan[entry.Scope], e.prepare(entry))
		e.ledger.SetInFlight(entry.Key, true)
	}

	for _, scope := range order {
		cfg := e.cfg.Scope(scope)
		items := plan[scope]
		ss := &ScopeSubmission{Scope: scope, Mode: cfg.Mode}

		if cfg.Mode.IsBundled() {
			ss.Bundle = newRequest(ctx, model.ResourceKey{}, "", scope)
			e.assemble(items, cfg)
			for _, item := range items {
				item.req = newEntryRequest(ss.Bundle, item.entry.Key, item.entry.Method)
				ss.Entries = append(ss.Entries, item.req)
			}
			glog.V(1).Infof("%s: scope %q: %s bundle of %d entries", e.String(), scope, cfg.Mode, len(items))
			go e.dispatchBundle(ss.Bundle, cfg, items)
		} else {
			for _, item := range items {
				item.req = newRequest(ctx, item.entry.Key, item.entry.Method, scope)
				ss.Direct = append(ss.Direct, item.req)
				ss.Entries = append(ss.Entries, item.req)
				go e.dispatchDirect(item)
			}
			glog.V(1).Infof("%s: scope %q: %d direct requests", e.String(), scope, len(items))
		}
		sub.Scopes = append(sub.Scopes, ss)
	}
	e.mu.Unlock()

	sub.watch()

	return sub
}

// prepare captures the entry payload and version precondition.
func (e *Engine) prepare(entry storage.Entry) *bundleItem {
	item := &bundleItem{entry: entry}
	if entry.Method == model.DeleteMethod {
		return item
	}

	item.payload = storage.CloneMap(e.store.Resource(entry.Key))
	if entry.Method == model.UpdateMethod {
		version := model.VersionID(item.payload)
		if version == "" {
			version = model.VersionID(e.snapshot.Get(entry.Key))
		}
		item.ifMatch = model.WeakETag(version)
	}

	return item
}

// assemble sets full-URLs of bundle entries. In uuid mode, references to a sibling CREATE
// are rewritten to its full-URL.
func (e *Engine) assemble(items []*bundleItem, cfg model.ScopeConfig) {
	siblings := make(map[string]string)
	for _, item := range items {
		key := item.entry.Key
		switch cfg.FullURL {
		case model.URLFullURLMode:
			item.fullURL = e.cfg.BaseURL + "/" + key.String()
		default:
			item.fullURL = uuidFullURL(e.cfg.BaseURL, key)
			if item.entry.Method == model.CreateMethod {
				siblings[key.String()] = item.fullURL
			}
		}
	}
	if len(siblings) == 0 {
		return
	}

	for _, item := range items {
		if item.payload != nil {
			model.RewriteReferences(item.payload, siblings)
		}
	}
}

// uuidFullURL renders "urn:uuid:<id>"; ids that are not UUIDs are mapped to a name based UUID.
func uuidFullURL(baseURL string, key model.ResourceKey) string {
	if id, err := uuid.Parse(key.ID); err == nil {
		return "urn:uuid:" + id.String()
	}

	return "urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(baseURL+"/"+key.String())).String()
}

// probe reads the current version of key: HEAD first, GET if HEAD is not supported.
func (e *Engine) probe(ctx context.Context, key model.ResourceKey) (string, error) {
	start := time.Now()
	defer func() { e.monitor.ProbeServed(time.Since(start)) }()

	req := model.NewRequest(http.MethodHead, key.String(), nil)
	resp, err := e.transport.Do(ctx, req)
	if err == nil && (resp.Status == http.StatusMethodNotAllowed || resp.Status == http.StatusNotImplemented) {
		req = model.NewRequest(http.MethodGet, key.String(), nil)
		resp, err = e.transport.Do(ctx, req)
	}
	if err != nil {
		return "", model.NewFailure(model.ErrPreconditionMissing, req.String(), 0, nil, err)
	}
	if !model.IsSuccessStatus(resp.Status) {
		return "", model.NewFailure(model.ErrPreconditionMissing, req.String(), resp.Status, model.ParseOperationOutcome(resp.Body), nil)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" && len(resp.Body) > 0 {
		res := make(model.Resource)
		if err := json.Unmarshal(resp.Body, &res); err == nil {
			etag = model.WeakETag(model.VersionID(res))
		}
	}
	if etag == "" {
		return "", model.NewFailure(model.ErrPreconditionMissing, req.String(), resp.Status, nil, errors.New("resource version unknown"))
	}

	return etag, nil
}

// probeItems resolves missing versions of items in parallel. With failFast the first failure
// cancels the remaining probes and is returned.
func (e *Engine) probeItems(ctx context.Context, items []*bundleItem, failFast bool) error {
	g, gCtx := &errgroup.Group{}, ctx
	if failFast {
		g, gCtx = errgroup.WithContext(ctx)
	}
	g.SetLimit(maxParallelProbes)

	for _, item := range items {
		if !item.needsProbe() {
			continue
		}
		item := item
		g.Go(func() error {
			etag, err := e.probe(gCtx, item.entry.Key)
			if err != nil {
				item.failure = err
				return err
			}
			item.ifMatch = etag
			return nil
		})
	}

	return g.Wait()
}

// dispatchDirect sends a single entry and reconciles the response.
func (e *Engine) dispatchDirect(item *bundleItem) {
	ctx := item.req.ctx

	var (
		httpReq *model.Request
		resp    *model.Response
		err     error
	)
	if probeErr := e.probeItems(ctx, []*bundleItem{item}, false); probeErr == nil {
		if httpReq, err = item.httpRequest(); err == nil {
			start := time.Now()
			resp, err = e.transport.Do(ctx, httpReq)
			e.monitor.RequestServed(time.Since(start))
		}
	}

	e.mu.Lock()
	e.finishDirect(item, httpReq, resp, err)
	e.unlock()

	if item.err != nil {
		glog.Warningf("%s: %s: %v", e.String(), item, item.err)
	}
	item.req.complete(item.result, item.err)
}

// dispatchBundle sends the scope entries as a single bundle and reconciles the response.
func (e *Engine) dispatchBundle(breq *Request, cfg model.ScopeConfig, items []*bundleItem) {
	ctx := breq.ctx
	isTransaction := cfg.Mode == model.TransactionSubmitMode

	probeErr := e.probeItems(ctx, items, isTransaction)
	sent := make([]*bundleItem, 0, len(items))
	for _, item := range items {
		if item.failure == nil {
			sent = append(sent, item)
		}
	}

	var (
		httpReq *model.Request
		resp    *model.Response
		err     error
	)
	if len(sent) > 0 && !(isTransaction && probeErr != nil) {
		bundleType := model.BatchBundleType
		if isTransaction {
			bundleType = model.TransactionBundleType
		}
		bundle := model.NewBundle(bundleType)
		for _, item := range sent {
			bundle.Entry = append(bundle.Entry, item.bundleEntry())
		}

		body, mErr := json.Marshal(bundle)
		if mErr != nil {
			err = fmt.Errorf("bundle JSON marshal: %w", mErr)
		} else {
			httpReq = model.NewRequest(http.MethodPost, "", body)
			start := time.Now()
			resp, err = e.transport.Do(ctx, httpReq)
			e.monitor.RequestServed(time.Since(start))
		}
	}

	e.mu.Lock()
	result, bundleErr := e.finishBundle(breq, cfg, items, sent, probeErr, httpReq, resp, err)
	e.unlock()

	if bundleErr != nil {
		glog.Warningf("%s: scope %q: %v", e.String(), breq.Scope, bundleErr)
	}
	for _, item := range items {
		item.req.complete(item.result, item.err)
	}
	breq.complete(result, bundleErr)
}
