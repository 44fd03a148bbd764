package storage

import (
	"github.com/itiky/resource-sync/model"
)

type (
	// Snapshot keeps the last server-confirmed value of each known resource.
	Snapshot struct {
		items map[model.ResourceKey]snapshotItem
	}

	snapshotItem struct {
		value       model.Resource
		fingerprint uint64
	}
)

// Has checks if a server state is known for key.
func (s *Snapshot) Has(key model.ResourceKey) bool {
	_, found := s.items[key]
	return found
}

// Get returns a copy of the server state (nil if unknown or known as absent).
func (s *Snapshot) Get(key model.ResourceKey) model.Resource {
	item, found := s.items[key]
	if !found {
		return nil
	}

	return CloneMap(item.value)
}

// Put stores a copy of the server state. A nil value records that the server has no such resource.
func (s *Snapshot) Put(key model.ResourceKey, value model.Resource) {
	s.items[key] = snapshotItem{
		value:       CloneMap(value),
		fingerprint: Fingerprint(value),
	}
}

// Delete forgets the server state.
func (s *Snapshot) Delete(key model.ResourceKey) {
	delete(s.items, key)
}

// Matches checks if value equals the server state.
func (s *Snapshot) Matches(key model.ResourceKey, value model.Resource) bool {
	item, found := s.items[key]
	if !found {
		return false
	}
	if item.value == nil || value == nil {
		return item.value == nil && value == nil
	}
	if item.fingerprint != Fingerprint(value) {
		return false
	}

	return Equal(item.value, value)
}

// Len returns the number of known server states.
func (s *Snapshot) Len() int {
	return len(s.items)
}

// NewSnapshot creates a new empty Snapshot object.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		items: make(map[model.ResourceKey]snapshotItem),
	}
}
