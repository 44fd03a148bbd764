package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/sanity-io/litter"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/path"
	"github.com/itiky/resource-sync/storage"
)

// Engine keeps a local resource store in sync with a remote service.
// All state is guarded by a single lock; network exchanges run on their own goroutines
// and re-acquire the lock to reconcile.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	store     *storage.Store
	snapshot  *storage.Snapshot
	ledger    *storage.Ledger
	transport Transport
	notifier  *notifier
	monitor   *Monitor
}

// String implements the stringer interface.
func (e *Engine) String() string {
	return fmt.Sprintf("Engine (%s)", e.cfg.BaseURL)
}

// Start starts the Engine monitor.
func (e *Engine) Start() {
	e.monitor.Start()
}

// Stop stops the Engine monitor.
func (e *Engine) Stop() {
	e.monitor.Stop()
}

// Resolve turns a path into an Address using the store for ETags and unique mode.
func (e *Engine) Resolve(p string, opts ...path.Option) (path.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.resolve(p, opts)
}

// Get returns a copy of the value at p (nil if absent or pending deletion).
func (e *Engine) Get(p string, opts ...path.Option) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	addr, err := e.resolve(p, opts)
	if err != nil {
		return nil, err
	}

	return e.get(addr), nil
}

// Set writes value at p and records the change. An empty value deletes the field.
func (e *Engine) Set(p string, value any, opts ...path.Option) error {
	e.mu.Lock()
	defer e.unlock()

	addr, err := e.resolve(p, opts)
	if err != nil {
		return err
	}

	touched, err := e.ledger.RecordWrite(addr, storage.Clone(value), addr.Scope)
	if err != nil {
		return err
	}
	e.notifier.record(model.UpdateMethod, LocalChangeSource, touched...)
	glog.V(2).Infof("%s: set %s (%d resources touched)", e.String(), addr, len(touched))

	return nil
}

// Create inserts a new resource of resType seeded with seed fields and records its CREATE.
func (e *Engine) Create(resType string, seed model.Resource, scope string) (model.ResourceKey, error) {
	e.mu.Lock()
	defer e.unlock()

	id, err := e.ledger.RecordCreate(resType, seed, scope)
	if err != nil {
		return model.ResourceKey{}, err
	}
	key := model.ResourceKey{Type: resType, ID: id}
	e.notifier.record(model.CreateMethod, LocalChangeSource, key)
	glog.V(2).Infof("%s: created %s (scope %q)", e.String(), key, scope)

	return key, nil
}

// Remove records the DELETE of resources addressed by paths.
func (e *Engine) Remove(scope string, paths ...string) error {
	e.mu.Lock()
	defer e.unlock()

	keys := make([]model.ResourceKey, 0, len(paths))
	for _, p := range paths {
		addr, err := e.resolve(p, nil)
		if err != nil {
			return err
		}
		if !addr.HasResource() || addr.IsHistory() {
			return fmt.Errorf("%w: %q: not a live resource address", model.ErrInvalidPath, addr.AbsolutePath)
		}
		keys = append(keys, addr.Key())
	}

	if err := e.ledger.RecordDelete(keys, scope); err != nil {
		return err
	}
	e.notifier.record(model.DeleteMethod, LocalChangeSource, keys...)

	return nil
}

// Discard reverts pending changes of scopes (all scopes if none given).
func (e *Engine) Discard(scopes ...string) []storage.Entry {
	e.mu.Lock()
	defer e.unlock()

	discarded := e.ledger.Discard(scopes...)
	for _, entry := range discarded {
		e.notifier.record(entry.Method, LocalChangeSource, entry.Key)
	}
	if len(discarded) > 0 {
		glog.V(1).Infof("%s: discarded %d entries (scopes %v)", e.String(), len(discarded), scopes)
	}

	return discarded
}

// Load puts a server resource into the store. Bundles are loaded entry by entry (recursively).
// Resources with pending local changes keep them: only their server state is refreshed.
func (e *Engine) Load(res model.Resource) error {
	e.mu.Lock()
	defer e.unlock()

	_, err := e.load(res)

	return err
}

// Fetch reads p from the service and loads the result. Historical addresses go to the
// history region, operation and type level results are cached in the expansion region
// under their request path.
func (e *Engine) Fetch(ctx context.Context, p string, opts ...path.Option) error {
	addr, err := e.Resolve(p, opts...)
	if err != nil {
		return err
	}
	if addr.IsExpansion() {
		return fmt.Errorf("%w: %q: expansions are local", model.ErrInvalidPath, addr.AbsolutePath)
	}

	res, err := e.getResource(ctx, addr.RequestPath)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.unlock()

	if ctx.Err() != nil {
		return model.NewFailure(model.ErrTransportFailure, "GET "+addr.RequestPath, 0, nil, ctx.Err())
	}

	if addr.IsHistory() {
		e.store.PutHistory(addr.Key(), addr.Version, res)
		e.notifier.record(model.LoadMethod, ServerChangeSource, addr.Key())
		return nil
	}
	if res["resourceType"] == model.BundleResourceType && (addr.Operation != "" || addr.ResourceID == "") {
		e.store.PutExpansion(addr.RequestPath, res)
	}
	_, err = e.load(res)

	return err
}

// Search runs query ("Patient?active=true") and caches the result bundle under the
// expansion key (readable at "/$expansion/<key>"). Matched resources are loaded.
func (e *Engine) Search(ctx context.Context, key, query string) error {
	if key == "" {
		return fmt.Errorf("%s: empty", "key")
	}

	res, err := e.getResource(ctx, query)
	if err != nil {
		return err
	}
	if res["resourceType"] != model.BundleResourceType {
		return model.NewFailure(model.ErrTransportFailure, "GET "+query, 0, nil, fmt.Errorf("bundle expected"))
	}

	e.mu.Lock()
	defer e.unlock()

	if ctx.Err() != nil {
		return model.NewFailure(model.ErrTransportFailure, "GET "+query, 0, nil, ctx.Err())
	}
	if _, err := e.load(res); err != nil {
		return err
	}
	e.store.PutExpansion(key, res)

	return nil
}

// Pending returns pending entries of scopes (all if none given).
func (e *Engine) Pending(scopes ...string) []storage.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ledger.Entries(scopes...)
}

// Created returns not yet confirmed created resources of resType (latest first).
func (e *Engine) Created(resType string) []model.ResourceKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ledger.Created(resType)
}

// Removed returns resources of resType pending a DELETE confirmation.
func (e *Engine) Removed(resType string) []model.ResourceKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ledger.Removed(resType)
}

// List returns visible resources of resType: not yet confirmed creations first (latest first),
// then the rest sorted by id. Resources pending deletion are skipped.
func (e *Engine) List(resType string) []model.ResourceKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]model.ResourceKey, 0)
	seen := make(map[model.ResourceKey]bool)
	for _, key := range e.ledger.Created(resType) {
		seen[key] = true
		if !e.ledger.IsRemoved(key) {
			keys = append(keys, key)
		}
	}
	for _, key := range e.store.Keys(resType) {
		if seen[key] || e.ledger.IsRemoved(key) {
			continue
		}
		keys = append(keys, key)
	}

	return keys
}

// Subscribe registers a change listener and returns its cancel function.
// Listeners are invoked outside of the engine lock.
func (e *Engine) Subscribe(fn func(Change)) func() {
	return e.notifier.subscribe(fn)
}

// Stats returns the monitor counters.
func (e *Engine) Stats() Stats {
	return e.monitor.Stats()
}

// Dump renders the store and pending entries for debugging.
func (e *Engine) Dump() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	type dumpEntry struct {
		Method   model.Method
		URL      string
		Scope    string
		InFlight bool
	}

	resources := make(map[string]model.Resource)
	for _, key := range e.store.Keys("") {
		resources[key.String()] = e.store.Resource(key)
	}
	pending := make(map[string]dumpEntry)
	for _, entry := range e.ledger.Entries() {
		pending[entry.Key.String()] = dumpEntry{
			Method:   entry.Method,
			URL:      entry.URL,
			Scope:    entry.Scope,
			InFlight: entry.InFlight,
		}
	}

	return litter.Sdump(struct {
		Resources map[string]model.Resource
		Pending   map[string]dumpEntry
	}{resources, pending})
}

// unlock releases the engine lock and delivers the queued changes.
func (e *Engine) unlock() {
	changes := e.notifier.take()
	e.mu.Unlock()
	e.notifier.deliver(changes)
}

func (e *Engine) resolve(p string, opts []path.Option) (path.Address, error) {
	all := make([]path.Option, 0, len(opts)+2)
	all = append(all, path.WithSource(e.store), path.WithBaseURL(e.cfg.BaseURL))
	all = append(all, opts...)

	return path.Resolve(p, all...)
}

// get reads addr hiding resources pending deletion.
func (e *Engine) get(addr path.Address) any {
	live := !addr.IsHistory() && !addr.IsExpansion() && addr.Operation == ""
	if live && addr.HasResource() && e.ledger.IsRemoved(addr.Key()) {
		return nil
	}

	value := e.store.Get(addr)
	switch v := value.(type) {
	case map[int]any:
		matches := make(map[int]any, len(v))
		for idx, item := range v {
			matches[idx] = storage.Clone(item)
		}
		return matches
	case map[string]any:
		if live && addr.ResourceID == "" {
			region := make(map[string]any, len(v))
			for id, res := range v {
				if !e.ledger.IsRemoved(model.ResourceKey{Type: addr.ResourceType, ID: id}) {
					region[id] = storage.Clone(res)
				}
			}
			return region
		}
	}

	return storage.Clone(value)
}

// load puts res (or every resource of a bundle) into the store; nothing is loaded if any
// resource is malformed. Loaded keys are returned.
func (e *Engine) load(res model.Resource) ([]model.ResourceKey, error) {
	resources := make([]model.Resource, 0, 1)
	if err := flatten(res, &resources); err != nil {
		return nil, err
	}

	keys := make([]model.ResourceKey, 0, len(resources))
	for _, item := range resources {
		key := resourceKey(item)
		value := storage.CloneMap(item)
		if version := model.VersionID(value); version != "" {
			e.store.PutHistory(key, version, storage.CloneMap(value))
		}

		if _, pending := e.ledger.Entry(key); pending {
			e.snapshot.Put(key, value)
		} else {
			e.store.Put(key, value)
			if e.snapshot.Has(key) {
				e.snapshot.Put(key, value)
			}
		}
		keys = append(keys, key)
	}
	e.notifier.record(model.LoadMethod, ServerChangeSource, keys...)

	return keys, nil
}

// getResource performs a GET and decodes the resource.
func (e *Engine) getResource(ctx context.Context, reqPath string) (model.Resource, error) {
	req := model.NewRequest(http.MethodGet, reqPath, nil)

	start := time.Now()
	resp, err := e.transport.Do(ctx, req)
	e.monitor.FetchServed(time.Since(start))
	if err != nil {
		return nil, model.NewFailure(model.ErrTransportFailure, req.String(), 0, nil, err)
	}
	if !model.IsSuccessStatus(resp.Status) {
		return nil, model.NewFailure(model.ErrTransportFailure, req.String(), resp.Status, model.ParseOperationOutcome(resp.Body), nil)
	}

	res := make(model.Resource)
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, model.NewFailure(model.ErrTransportFailure, req.String(), resp.Status, nil, fmt.Errorf("decoding resource: %w", err))
	}
	if err := checkSearchSet(res); err != nil {
		return nil, model.NewFailure(model.ErrTransportFailure, req.String(), resp.Status, nil, err)
	}

	return res, nil
}

// flatten collects loadable resources of res (bundle entries recursively).
func flatten(res model.Resource, out *[]model.Resource) error {
	switch res["resourceType"] {
	case model.BundleResourceType:
		entries, _ := res["entry"].([]any)
		for i, item := range entries {
			entry, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: bundle entry [%d]: object expected", model.ErrInvalidPath, i)
			}
			inner, ok := entry["resource"].(map[string]any)
			if !ok {
				continue
			}
			if err := flatten(inner, out); err != nil {
				return fmt.Errorf("bundle entry [%d]: %w", i, err)
			}
		}
		return nil
	case model.OperationOutcomeResourceType:
		return nil
	}

	if resourceKey(res).IsZero() {
		return fmt.Errorf("%w: resource: resourceType/id missing", model.ErrInvalidPath)
	}
	*out = append(*out, res)

	return nil
}

// checkSearchSet rejects search results without a total.
func checkSearchSet(res model.Resource) error {
	if res["resourceType"] != model.BundleResourceType || res["type"] != string(model.SearchSetBundleType) {
		return nil
	}
	if _, found := res["total"]; !found {
		return fmt.Errorf("searchset bundle: total missing")
	}

	return nil
}

// resourceKey returns the key declared by res (zero if malformed).
func resourceKey(res model.Resource) model.ResourceKey {
	resType, _ := res["resourceType"].(string)
	id, _ := res["id"].(string)
	if !model.IsResourceTypeName(resType) || id == "" {
		return model.ResourceKey{}
	}

	return model.ResourceKey{Type: resType, ID: id}
}

// sortedKeys returns map keys in a stable order.
func sortedKeys(keys map[model.ResourceKey]model.ResourceKey) []model.ResourceKey {
	out := make([]model.ResourceKey, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })

	return out
}

// NewEngine creates a new Engine object.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	store := storage.NewStore(cfg.ExpansionTTL)
	snapshot := storage.NewSnapshot()
	ledger, err := storage.NewLedger(store, snapshot, cfg.NewID)
	if err != nil {
		return nil, fmt.Errorf("storage.NewLedger: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		snapshot:  snapshot,
		ledger:    ledger,
		transport: cfg.Transport,
		notifier:  newNotifier(),
	}
	e.monitor = NewMonitor(e.String(), cfg.ReportPeriod)

	return e, nil
}
