package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/path"
)

const (
	// DefaultExpansionTTL is the query-result cache entry lifetime.
	DefaultExpansionTTL = 10 * time.Minute
	// DefaultExpansionCapacity limits the query-result cache size.
	DefaultExpansionCapacity = 1024
)

type (
	// Store keeps live resources alongside historical versions and cached query results.
	Store struct {
		resources  map[string]map[string]model.Resource
		history    map[string]model.Resource
		expansions *ttlcache.Cache[string, any]
	}

	// SetOptions configures Store.Set.
	SetOptions struct {
		// Create the resource root if it does not exist yet (an empty root object is accepted)
		ForceResource bool
		// Called before a write continues through a reference into another resource
		OnHop func(key model.ResourceKey) error
	}
)

// String implements stringer interface.
func (s *Store) String() string {
	str := strings.Builder{}
	for _, key := range s.Keys("") {
		str.WriteString(fmt.Sprintf("- %s (v%s)\n", key, model.VersionID(s.resources[key.Type][key.ID])))
	}

	return str.String()
}

// Resource returns the live resource (not a copy).
func (s *Store) Resource(key model.ResourceKey) model.Resource {
	byID, found := s.resources[key.Type]
	if !found {
		return nil
	}

	return byID[key.ID]
}

// Has checks if the resource exists.
func (s *Store) Has(key model.ResourceKey) bool {
	return s.Resource(key) != nil
}

// Put replaces a live resource.
func (s *Store) Put(key model.ResourceKey, res model.Resource) {
	byID, found := s.resources[key.Type]
	if !found {
		byID = make(map[string]model.Resource)
		s.resources[key.Type] = byID
	}
	byID[key.ID] = res
}

// Delete removes a live resource; the type region is dropped once empty.
func (s *Store) Delete(key model.ResourceKey) {
	byID, found := s.resources[key.Type]
	if !found {
		return
	}
	delete(byID, key.ID)
	if len(byID) == 0 {
		delete(s.resources, key.Type)
	}
}

// Keys returns sorted resource keys of resType (all types if empty).
func (s *Store) Keys(resType string) []model.ResourceKey {
	keys := make([]model.ResourceKey, 0)
	for t, byID := range s.resources {
		if resType != "" && t != resType {
			continue
		}
		for id := range byID {
			keys = append(keys, model.ResourceKey{Type: t, ID: id})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})

	return keys
}

// Len returns the number of live resources.
func (s *Store) Len() int {
	n := 0
	for _, byID := range s.resources {
		n += len(byID)
	}

	return n
}

// PutHistory stores a historical resource version.
func (s *Store) PutHistory(key model.ResourceKey, version string, res model.Resource) {
	s.history[historyKey(key, version)] = res
}

// History returns a historical resource version.
func (s *Store) History(key model.ResourceKey, version string) model.Resource {
	return s.history[historyKey(key, version)]
}

// PutExpansion caches a query result.
func (s *Store) PutExpansion(key string, value any) {
	s.expansions.Set(key, value, ttlcache.DefaultTTL)
}

// Expansion returns a cached query result (nil if absent or expired).
func (s *Store) Expansion(key string) any {
	item := s.expansions.Get(key)
	if item == nil {
		return nil
	}

	return item.Value()
}

// DeleteExpansion drops a cached query result.
func (s *Store) DeleteExpansion(key string) {
	s.expansions.Delete(key)
}

// Get returns the value at addr.
func (s *Store) Get(addr path.Address) any {
	switch {
	case addr.IsExpansion():
		return s.GetIn(s.Expansion(addr.Expansion), addr.RelativeTokens())
	case addr.Operation != "":
		return s.GetIn(s.Expansion(addr.RequestPath), addr.RelativeTokens())
	case addr.IsHistory():
		return s.GetIn(s.History(addr.Key(), addr.Version), addr.RelativeTokens())
	case addr.ResourceID == "":
		return s.typeRegion(addr.ResourceType)
	}

	res := s.Resource(addr.Key())
	if res == nil {
		return nil
	}

	return s.GetIn(res, addr.RelativeTokens())
}

// Value returns the value at absolute path tokens.
func (s *Store) Value(tokens []path.Token) any {
	if len(tokens) == 0 {
		return nil
	}

	switch first := tokens[0]; {
	case first.Raw == path.HistoryMarker:
		if len(tokens) < 4 {
			return nil
		}
		key := model.ResourceKey{Type: tokens[1].Raw, ID: tokens[2].Raw}
		return s.GetIn(s.History(key, tokens[3].Raw), tokens[4:])
	case first.Raw == path.ExpansionMarker:
		if len(tokens) < 2 {
			return nil
		}
		return s.GetIn(s.Expansion(tokens[1].Raw), tokens[2:])
	case len(tokens) == 1:
		return s.typeRegion(first.Raw)
	}

	res := s.Resource(model.ResourceKey{Type: tokens[0].Raw, ID: tokens[1].Raw})
	if res == nil {
		return nil
	}

	return s.GetIn(res, tokens[2:])
}

// typeRegion returns an id -> resource view of a type.
func (s *Store) typeRegion(resType string) any {
	byID, found := s.resources[resType]
	if !found {
		return nil
	}
	view := make(map[string]any, len(byID))
	for id, res := range byID {
		view[id] = res
	}

	return view
}

// NewStore creates a new empty Store object.
func NewStore(expansionTTL time.Duration) *Store {
	if expansionTTL <= 0 {
		expansionTTL = DefaultExpansionTTL
	}

	return &Store{
		resources: make(map[string]map[string]model.Resource),
		history:   make(map[string]model.Resource),
		expansions: ttlcache.New[string, any](
			ttlcache.WithTTL[string, any](expansionTTL),
			ttlcache.WithCapacity[string, any](DefaultExpansionCapacity),
		),
	}
}

func historyKey(key model.ResourceKey, version string) string {
	return key.String() + "/_history/" + version
}
