package storage

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/path"
)

type (
	// Entry is the pending mutation of a single resource.
	Entry struct {
		Key    model.ResourceKey
		Method model.Method
		// Request url relative to the service base ("Patient" for creates, "Patient/1" otherwise)
		URL string
		// Submission scope
		Scope string
		// Local write counter, bumped on every write (detects edits made while in flight)
		Rev uint64
		// Being dispatched
		InFlight bool

		seq uint64
	}

	// Ledger keeps pending resource mutations against the server state snapshot.
	// At most one Entry exists per resource.
	Ledger struct {
		store    *Store
		snapshot *Snapshot
		newID    func() string
		// Pending mutations
		entries map[model.ResourceKey]*Entry
		// Resource -> submission scope
		groups map[model.ResourceKey]string
		// Per type, not yet confirmed created resources (latest first)
		created map[string][]model.ResourceKey
		// Per type, resources pending a DELETE confirmation
		removed map[string]mapset.Set[model.ResourceKey]
		seq     uint64
	}
)

// String implements stringer interface.
func (l *Ledger) String() string {
	str := strings.Builder{}
	for _, e := range l.Entries() {
		str.WriteString(fmt.Sprintf("- %s %s (%s) scope=%q rev=%d\n", e.Method, e.Key, e.URL, e.Scope, e.Rev))
	}

	return str.String()
}

// Store returns the managed resource store.
func (l *Ledger) Store() *Store {
	return l.store
}

// Snapshot returns the managed server state snapshot.
func (l *Ledger) Snapshot() *Snapshot {
	return l.snapshot
}

// RecordCreate inserts a new resource (merging seed fields) and records its CREATE.
func (l *Ledger) RecordCreate(resType string, seed model.Resource, scope string) (string, error) {
	if !model.IsResourceTypeName(resType) {
		return "", fmt.Errorf("%w: resource type (%s): invalid", model.ErrInvalidPath, resType)
	}

	id := l.newID()
	key := model.ResourceKey{Type: resType, ID: id}
	if id == "" || l.store.Has(key) || l.entries[key] != nil {
		return "", fmt.Errorf("%w: id (%s): not unique", model.ErrInvalidPath, id)
	}

	addr, err := path.Resolve(path.Root + resType + path.Separator + id)
	if err != nil || addr.Key() != key {
		return "", fmt.Errorf("%w: id (%s): invalid", model.ErrInvalidPath, id)
	}
	if seed == nil {
		seed = make(model.Resource)
	}
	if _, err := l.store.Set(addr, seed, SetOptions{ForceResource: true}); err != nil {
		return "", err
	}

	l.created[resType] = append([]model.ResourceKey{key}, l.created[resType]...)
	l.addEntry(key, model.CreateMethod, resType)
	l.tag(key, scope)

	return id, nil
}

// RecordWrite applies value at addr and records the UPDATE of every touched resource.
// A CREATE entry is never downgraded. Writes that bring a resource back to its server
// state prune its UPDATE entry.
func (l *Ledger) RecordWrite(addr path.Address, value any, scope string) ([]model.ResourceKey, error) {
	key := addr.Key()
	if !addr.HasResource() || addr.IsHistory() || addr.IsExpansion() || addr.Operation != "" {
		return nil, fmt.Errorf("%w: %q: not a live resource address", model.ErrInvalidPath, addr.AbsolutePath)
	}
	if !l.store.Has(key) {
		return nil, fmt.Errorf("%w: %q: resource %s not loaded", model.ErrInvalidPath, addr.AbsolutePath, key)
	}
	if l.IsRemoved(key) {
		return nil, fmt.Errorf("%w: %q: resource %s pending deletion", model.ErrInvalidPath, addr.AbsolutePath, key)
	}

	if addr.Scope != "" && scope == "" {
		scope = addr.Scope
	}

	ensured := make([]model.ResourceKey, 0, 1)
	ensure := func(k model.ResourceKey) error {
		if l.IsRemoved(k) {
			return fmt.Errorf("%w: resource %s pending deletion", model.ErrInvalidPath, k)
		}
		l.ensureUpdate(k, scope)
		ensured = append(ensured, k)
		return nil
	}
	if err := ensure(key); err != nil {
		return nil, err
	}

	touched, err := l.store.Set(addr, value, SetOptions{OnHop: ensure})
	if err != nil {
		l.pruneNoops(ensured)
		return nil, err
	}

	touched = uniqueKeys(touched)
	for _, k := range touched {
		if e := l.entries[k]; e != nil {
			e.Rev++
		}
	}
	l.pruneNoops(touched)

	return touched, nil
}

// RecordDelete records the DELETE of resources. Resources created locally and never
// submitted are purged entirely, as if they never existed.
func (l *Ledger) RecordDelete(keys []model.ResourceKey, scope string) error {
	for _, key := range keys {
		if !l.store.Has(key) && l.entries[key] == nil {
			return fmt.Errorf("%w: resource %s: unknown", model.ErrInvalidPath, key)
		}
	}

	for _, key := range keys {
		e := l.entries[key]
		if e != nil && e.Method == model.CreateMethod && !e.InFlight {
			l.purge(key)
			continue
		}
		if e != nil && e.Method == model.DeleteMethod {
			continue
		}
		if e != nil && e.Method == model.UpdateMethod && l.snapshot.Has(key) {
			l.restore(key)
		}

		l.removeEntry(key)
		l.addEntry(key, model.DeleteMethod, key.String())
		l.tag(key, scope)
		l.removedSet(key.Type).Add(key)
	}

	return nil
}

// Discard reverts pending mutations of scopes (all scopes if none given) and returns them.
func (l *Ledger) Discard(scopes ...string) []Entry {
	discarded := l.Entries(scopes...)
	for _, e := range discarded {
		switch e.Method {
		case model.UpdateMethod:
			l.restore(e.Key)
			l.removeEntry(e.Key)
		case model.CreateMethod:
			l.purge(e.Key)
		case model.DeleteMethod:
			l.unhide(e.Key)
			l.removeEntry(e.Key)
		}
	}

	return discarded
}

// Entries returns pending entries of scopes (all if none given) in recording order.
func (l *Ledger) Entries(scopes ...string) []Entry {
	entries := make([]Entry, 0, len(l.entries))
	for key, e := range l.entries {
		if len(scopes) > 0 && !containsScope(scopes, l.groups[key]) {
			continue
		}
		entry := *e
		entry.Scope = l.groups[key]
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	return entries
}

// Entry returns the pending entry of key.
func (l *Ledger) Entry(key model.ResourceKey) (Entry, bool) {
	e, found := l.entries[key]
	if !found {
		return Entry{}, false
	}
	entry := *e
	entry.Scope = l.groups[key]

	return entry, true
}

// Len returns the number of pending entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Scope returns the submission scope of key.
func (l *Ledger) Scope(key model.ResourceKey) string {
	return l.groups[key]
}

// SetInFlight marks the entry of key as being dispatched (or not).
func (l *Ledger) SetInFlight(key model.ResourceKey, inFlight bool) {
	if e := l.entries[key]; e != nil {
		e.InFlight = inFlight
	}
}

// Prune drops the entry of key after a confirmed submission.
func (l *Ledger) Prune(key model.ResourceKey) {
	l.removeEntry(key)
	l.dropCreated(key)
	l.unhide(key)
}

// Downgrade keeps the entry of key pending as UPDATE (the server knows the resource now).
func (l *Ledger) Downgrade(key model.ResourceKey) {
	e := l.entries[key]
	if e == nil {
		return
	}
	e.Method, e.URL, e.InFlight = model.UpdateMethod, key.String(), false
	l.dropCreated(key)
}

// Settle clears the in-flight mark of key and drops its UPDATE entry when the resource
// matches its server state again.
func (l *Ledger) Settle(key model.ResourceKey) {
	if e := l.entries[key]; e != nil {
		e.InFlight = false
	}
	l.pruneNoops([]model.ResourceKey{key})
}

// Rekey moves a resource and its bookkeeping to a server-assigned key.
func (l *Ledger) Rekey(from, to model.ResourceKey) {
	if from == to {
		return
	}

	if res := l.store.Resource(from); res != nil {
		l.store.Delete(from)
		res["id"] = to.ID
		l.store.Put(to, res)
	}
	if e := l.entries[from]; e != nil {
		delete(l.entries, from)
		e.Key = to
		if e.Method != model.CreateMethod {
			e.URL = to.String()
		}
		l.entries[to] = e
	}
	if scope, found := l.groups[from]; found {
		delete(l.groups, from)
		l.groups[to] = scope
	}
	for i, k := range l.created[from.Type] {
		if k == from {
			l.created[from.Type][i] = to
		}
	}
	if l.IsRemoved(from) {
		l.unhide(from)
		l.removedSet(to.Type).Add(to)
	}
}

// IsRemoved checks if key is pending a DELETE confirmation.
func (l *Ledger) IsRemoved(key model.ResourceKey) bool {
	set, found := l.removed[key.Type]
	return found && set.Contains(key)
}

// Removed returns resources of resType pending a DELETE confirmation.
func (l *Ledger) Removed(resType string) []model.ResourceKey {
	set, found := l.removed[resType]
	if !found {
		return nil
	}
	keys := set.ToSlice()
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	return keys
}

// Created returns not yet confirmed created resources of resType (latest first).
func (l *Ledger) Created(resType string) []model.ResourceKey {
	keys := make([]model.ResourceKey, len(l.created[resType]))
	copy(keys, l.created[resType])

	return keys
}

// ensureUpdate registers an UPDATE for key unless an entry exists, snapshotting the
// pre-write server state on first local edit.
func (l *Ledger) ensureUpdate(key model.ResourceKey, scope string) {
	e := l.entries[key]
	if e == nil {
		if !l.snapshot.Has(key) {
			l.snapshot.Put(key, l.store.Resource(key))
		}
		l.addEntry(key, model.UpdateMethod, key.String())
	}
	l.tag(key, scope)
}

// pruneNoops drops UPDATE entries of resources equal to their server state.
func (l *Ledger) pruneNoops(keys []model.ResourceKey) {
	for _, key := range keys {
		e := l.entries[key]
		if e == nil || e.Method != model.UpdateMethod || e.InFlight {
			continue
		}
		if l.snapshot.Matches(key, l.store.Resource(key)) {
			l.removeEntry(key)
		}
	}
}

// restore overwrites the live resource with its server state.
func (l *Ledger) restore(key model.ResourceKey) {
	if res := l.snapshot.Get(key); res != nil {
		l.store.Put(key, res)
		return
	}
	l.store.Delete(key)
}

// purge removes every trace of a locally created resource.
func (l *Ledger) purge(key model.ResourceKey) {
	l.store.Delete(key)
	l.removeEntry(key)
	l.dropCreated(key)
}

func (l *Ledger) addEntry(key model.ResourceKey, method model.Method, url string) {
	l.seq++
	l.entries[key] = &Entry{
		Key:    key,
		Method: method,
		URL:    url,
		seq:    l.seq,
	}
}

func (l *Ledger) removeEntry(key model.ResourceKey) {
	delete(l.entries, key)
	delete(l.groups, key)
}

func (l *Ledger) tag(key model.ResourceKey, scope string) {
	if scope != "" {
		l.groups[key] = scope
	}
}

func (l *Ledger) dropCreated(key model.ResourceKey) {
	keys := l.created[key.Type]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(l.created, key.Type)
		return
	}
	l.created[key.Type] = keys
}

func (l *Ledger) unhide(key model.ResourceKey) {
	set, found := l.removed[key.Type]
	if !found {
		return
	}
	set.Remove(key)
	if set.Cardinality() == 0 {
		delete(l.removed, key.Type)
	}
}

func (l *Ledger) removedSet(resType string) mapset.Set[model.ResourceKey] {
	set, found := l.removed[resType]
	if !found {
		set = mapset.NewThreadUnsafeSet[model.ResourceKey]()
		l.removed[resType] = set
	}

	return set
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}

	return false
}

func uniqueKeys(keys []model.ResourceKey) []model.ResourceKey {
	seen := mapset.NewThreadUnsafeSet[model.ResourceKey]()
	out := make([]model.ResourceKey, 0, len(keys))
	for _, key := range keys {
		if seen.Add(key) {
			out = append(out, key)
		}
	}

	return out
}

// NewLedger creates a new Ledger object over store and snapshot.
func NewLedger(store *Store, snapshot *Snapshot, newID func() string) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%s: nil", "store")
	}
	if snapshot == nil {
		return nil, fmt.Errorf("%s: nil", "snapshot")
	}
	if newID == nil {
		return nil, fmt.Errorf("%s: nil", "newID")
	}

	return &Ledger{
		store:    store,
		snapshot: snapshot,
		newID:    newID,
		entries:  make(map[model.ResourceKey]*Entry),
		groups:   make(map[model.ResourceKey]string),
		created:  make(map[string][]model.ResourceKey),
		removed:  make(map[string]mapset.Set[model.ResourceKey]),
	}, nil
}
