package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/storage"
)

// reply is a normalized successful response of a single entry.
type reply struct {
	status       int
	resource     model.Resource
	location     string
	etag         string
	lastModified string
}

// finishDirect reconciles a direct exchange (the caller holds the engine lock).
func (e *Engine) finishDirect(item *bundleItem, httpReq *model.Request, resp *model.Response, err error) {
	key := item.entry.Key

	switch {
	case item.req.Aborted():
		e.monitor.RequestAborted()
		item.err = model.NewFailure(model.ErrTransportFailure, item.String(), 0, nil, context.Canceled)
	case item.failure != nil:
		item.err = item.failure
	case err != nil:
		item.err = model.NewFailure(model.ErrTransportFailure, item.String(), 0, nil, err)
	case !model.IsSuccessStatus(resp.Status):
		item.err = model.NewFailure(model.ErrTransportFailure, httpReq.String(), resp.Status, model.ParseOperationOutcome(resp.Body), nil)
	}
	if item.err != nil {
		e.ledger.SetInFlight(key, false)
		e.monitor.EntriesReconciled(0, 1)
		return
	}

	res, decodeErr := decodeResource(resp.Body)
	if decodeErr != nil {
		e.ledger.SetInFlight(key, false)
		e.monitor.EntriesReconciled(0, 1)
		item.err = model.NewFailure(model.ErrTransportFailure, httpReq.String(), resp.Status, nil, decodeErr)
		return
	}

	rekeys := make(map[model.ResourceKey]model.ResourceKey)
	item.result = e.reconcile(item, reply{
		status:       resp.Status,
		resource:     res,
		location:     resp.Header.Get("Location"),
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}, rekeys)
	e.relink(rekeys)
	e.monitor.EntriesReconciled(1, 0)
}

// finishBundle reconciles a bundle exchange (the caller holds the engine lock).
// Bundle response entries are correlated with sent entries by position.
func (e *Engine) finishBundle(
	breq *Request,
	cfg model.ScopeConfig,
	items, sent []*bundleItem,
	probeErr error,
	httpReq *model.Request,
	resp *model.Response,
	err error,
) (*Result, error) {
	isTransaction := cfg.Mode == model.TransactionSubmitMode
	bundleReq := "POST /"
	if httpReq != nil {
		bundleReq = httpReq.String()
	}

	// failAll fails every entry not failed yet and builds the bundle level error
	failAll := func(kind error, newFailure func(item *bundleItem) error) (*Result, error) {
		failed := make([]*model.Failure, 0, len(items))
		for _, item := range items {
			switch {
			case item.failure != nil:
				item.err = item.failure
			default:
				item.err = newFailure(item)
			}
			e.ledger.SetInFlight(item.entry.Key, false)
			var f *model.Failure
			if errors.As(item.err, &f) {
				failed = append(failed, f)
			}
		}
		e.monitor.EntriesReconciled(0, len(items))

		return nil, &model.BundleFailure{Kind: kind, Scope: breq.Scope, Failed: failed}
	}

	switch {
	case breq.Aborted():
		e.monitor.RequestAborted()
		for _, item := range items {
			item.failure = nil
		}
		return failAll(model.ErrTransportFailure, func(item *bundleItem) error {
			return model.NewFailure(model.ErrTransportFailure, item.String(), 0, nil, context.Canceled)
		})

	case isTransaction && probeErr != nil:
		return failAll(model.ErrPreconditionMissing, func(item *bundleItem) error {
			return model.NewFailure(model.ErrPreconditionMissing, item.String(), 0, nil, fmt.Errorf("transaction not sent: %w", probeErr))
		})

	case len(sent) == 0:
		return failAll(model.ErrPartialBundleFailure, func(item *bundleItem) error {
			return model.NewFailure(model.ErrPartialBundleFailure, item.String(), 0, nil, errors.New("not sent"))
		})

	case err != nil:
		return failAll(model.ErrTransportFailure, func(item *bundleItem) error {
			return model.NewFailure(model.ErrTransportFailure, item.String(), 0, nil, err)
		})

	case !model.IsSuccessStatus(resp.Status):
		kind := model.ErrTransportFailure
		if isTransaction {
			kind = model.ErrServerRejection
		}
		outcome := model.ParseOperationOutcome(resp.Body)
		return failAll(kind, func(item *bundleItem) error {
			return model.NewFailure(kind, item.String(), resp.Status, outcome, nil)
		})
	}

	respBundle, decodeErr := model.DecodeBundle(resp.Body)
	if decodeErr == nil && len(respBundle.Entry) != len(sent) {
		decodeErr = fmt.Errorf("%d entries sent, %d received", len(sent), len(respBundle.Entry))
	}
	if decodeErr != nil {
		return failAll(model.ErrTransportFailure, func(item *bundleItem) error {
			return model.NewFailure(model.ErrTransportFailure, item.String(), resp.Status, nil, fmt.Errorf("%s: malformed response: %w", bundleReq, decodeErr))
		})
	}

	// Parse all entry statuses before touching the state: a transaction is applied entirely or not at all
	statuses := make([]int, len(sent))
	for i, entry := range respBundle.Entry {
		status := 0
		if entry.Response != nil {
			if code, err := model.ParseStatus(entry.Response.Status); err == nil {
				status = code
			}
		}
		statuses[i] = status

		if isTransaction && !model.IsSuccessStatus(status) {
			rejected := entry
			return failAll(model.ErrServerRejection, func(item *bundleItem) error {
				return model.NewFailure(model.ErrServerRejection, item.String(), status, entryOutcome(rejected), nil)
			})
		}
	}

	rekeys := make(map[model.ResourceKey]model.ResourceKey)
	succeeded := make([]model.ResourceKey, 0, len(sent))
	failed := make([]*model.Failure, 0)
	for i, item := range sent {
		entry := respBundle.Entry[i]
		if !model.IsSuccessStatus(statuses[i]) {
			f := model.NewFailure(model.ErrPartialBundleFailure, item.String(), statuses[i], entryOutcome(entry), nil)
			item.err = f
			failed = append(failed, f)
			e.ledger.SetInFlight(item.entry.Key, false)
			continue
		}

		r := reply{status: statuses[i], resource: entry.Resource}
		if entry.Response != nil {
			r.location, r.etag, r.lastModified = entry.Response.Location, entry.Response.Etag, entry.Response.LastModified
		}
		item.result = e.reconcile(item, r, rekeys)
		succeeded = append(succeeded, item.result.Key)
	}
	for _, item := range items {
		if item.failure != nil {
			item.err = item.failure
			var f *model.Failure
			if errors.As(item.failure, &f) {
				failed = append(failed, f)
			}
			e.ledger.SetInFlight(item.entry.Key, false)
		}
	}
	e.relink(rekeys)
	e.monitor.EntriesReconciled(len(succeeded), len(items)-len(succeeded))

	if len(failed) > 0 {
		return nil, &model.BundleFailure{
			Kind:      model.ErrPartialBundleFailure,
			Scope:     breq.Scope,
			Succeeded: len(succeeded),
			Failed:    failed,
		}
	}

	return &Result{Status: resp.Status, Succeeded: succeeded}, nil
}

// reconcile applies a successful entry response (the caller holds the engine lock).
// Server-assigned ids are collected into rekeys.
func (e *Engine) reconcile(item *bundleItem, r reply, rekeys map[model.ResourceKey]model.ResourceKey) *Result {
	key := item.entry.Key

	if item.entry.Method == model.DeleteMethod {
		e.store.Delete(key)
		e.snapshot.Delete(key)
		if cur, pending := e.ledger.Entry(key); pending && cur.Method == model.DeleteMethod {
			e.ledger.Prune(key)
		}
		e.notifier.record(model.DeleteMethod, ServerChangeSource, key)
		glog.V(2).Infof("%s: %s: deleted", e.String(), key)

		return &Result{Key: key, Status: r.status}
	}

	res := r.resource
	switch {
	case res == nil, res["resourceType"] == model.OperationOutcomeResourceType:
		res = e.synthesize(item, r)
	case res["resourceType"] == model.BundleResourceType:
		// Compound response: load what it carries, the entry itself stays as sent
		if _, err := e.load(res); err != nil {
			glog.Warningf("%s: %s: compound response: %v", e.String(), item, err)
		}
		res = e.synthesize(item, r)
	}

	newKey := key
	if item.entry.Method == model.CreateMethod {
		if declared := resourceKey(res); !declared.IsZero() && declared.Type == key.Type {
			newKey = declared
		}
	}
	res["resourceType"], res["id"] = newKey.Type, newKey.ID
	if newKey != key {
		e.ledger.Rekey(key, newKey)
		e.snapshot.Delete(key)
		rekeys[key] = newKey
	}

	if version := model.VersionID(res); version != "" {
		e.store.PutHistory(newKey, version, storage.CloneMap(res))
	}
	e.snapshot.Put(newKey, res)

	cur, pending := e.ledger.Entry(newKey)
	switch {
	case !pending:
		e.store.Put(newKey, storage.CloneMap(res))
	case cur.Rev == item.entry.Rev && cur.Method == item.entry.Method:
		e.store.Put(newKey, storage.CloneMap(res))
		e.ledger.Prune(newKey)
	default:
		// Edited while in flight: keep local edits on top of the new server version
		if live := e.store.Resource(newKey); live != nil && res["meta"] != nil {
			live["meta"] = storage.Clone(res["meta"])
		}
		if cur.Method == model.CreateMethod {
			e.ledger.Downgrade(newKey)
		}
		e.ledger.Settle(newKey)
	}

	e.notifier.record(item.entry.Method, ServerChangeSource, newKey)
	glog.V(2).Infof("%s: %s: reconciled as %s (v%s)", e.String(), item, newKey, model.VersionID(res))

	return &Result{Key: newKey, Status: r.status, Resource: storage.CloneMap(res)}
}

// synthesize builds the confirmed resource from the local one and response metadata.
func (e *Engine) synthesize(item *bundleItem, r reply) model.Resource {
	key := item.entry.Key

	res := storage.CloneMap(e.store.Resource(key))
	if res == nil {
		res = storage.CloneMap(item.payload)
	}
	if res == nil {
		res = model.Resource{"resourceType": key.Type, "id": key.ID}
	}

	meta, _ := res["meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	if r.location != "" {
		if locKey, version, err := model.ParseLocation(r.location); err == nil && locKey.Type == key.Type {
			res["id"] = locKey.ID
			if version != "" {
				meta["versionId"] = version
			}
		}
	}
	if version := model.ParseETag(r.etag); version != "" {
		meta["versionId"] = version
	}
	if r.lastModified != "" {
		meta["lastUpdated"] = normalizeInstant(r.lastModified)
	}
	if len(meta) > 0 {
		res["meta"] = meta
	}

	return res
}

// relink rewrites references to re-keyed resources across the store.
func (e *Engine) relink(rekeys map[model.ResourceKey]model.ResourceKey) {
	if len(rekeys) == 0 {
		return
	}

	refs := make(map[string]string, len(rekeys))
	for _, from := range sortedKeys(rekeys) {
		refs[from.String()] = rekeys[from].String()
		refs[uuidFullURL(e.cfg.BaseURL, from)] = rekeys[from].String()
	}
	for _, key := range e.store.Keys("") {
		model.RewriteReferences(e.store.Resource(key), refs)
	}
}

// decodeResource decodes an optional response body.
func decodeResource(body []byte) (model.Resource, error) {
	if len(body) == 0 {
		return nil, nil
	}

	res := make(model.Resource)
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decoding resource: %w", err)
	}

	return res, nil
}

// entryOutcome returns the OperationOutcome of a bundle response entry.
func entryOutcome(entry model.BundleEntry) *model.OperationOutcome {
	if entry.Response != nil && entry.Response.Outcome != nil {
		return model.OutcomeFromResource(entry.Response.Outcome)
	}

	return model.OutcomeFromResource(entry.Resource)
}

// normalizeInstant converts an HTTP date to RFC 3339 (other values are kept as is).
func normalizeInstant(value string) string {
	if t, err := http.ParseTime(value); err == nil {
		return t.UTC().Format(time.RFC3339)
	}

	return value
}
