package client

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/itiky/resource-sync/model"
)

// ChangeSource tells what caused a store change.
type ChangeSource string

const (
	LocalChangeSource  ChangeSource = "local"
	ServerChangeSource ChangeSource = "server"
)

type (
	// Change notifies about store changes of a set of resources.
	Change struct {
		Keys   mapset.Set[model.ResourceKey]
		Method model.Method
		Source ChangeSource
	}

	// notifier fans Change events out to subscribers (outside of the engine lock).
	notifier struct {
		mu      sync.Mutex
		nextID  int
		subs    map[int]func(Change)
		pending []Change
	}
)

// SortedKeys returns the changed keys in a stable order.
func (c Change) SortedKeys() []model.ResourceKey {
	keys := c.Keys.ToSlice()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	return keys
}

// subscribe registers fn and returns its cancel function.
func (n *notifier) subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		delete(n.subs, id)
	}
}

// record queues a change (the caller holds the engine lock).
func (n *notifier) record(method model.Method, source ChangeSource, keys ...model.ResourceKey) {
	if len(keys) == 0 {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if last := len(n.pending) - 1; last >= 0 && n.pending[last].Method == method && n.pending[last].Source == source {
		n.pending[last].Keys.Append(keys...)
		return
	}
	n.pending = append(n.pending, Change{
		Keys:   mapset.NewThreadUnsafeSet[model.ResourceKey](keys...),
		Method: method,
		Source: source,
	})
}

// take returns and clears the queued changes.
func (n *notifier) take() []Change {
	n.mu.Lock()
	defer n.mu.Unlock()

	changes := n.pending
	n.pending = nil

	return changes
}

// deliver invokes subscribers (the caller must not hold the engine lock).
func (n *notifier) deliver(changes []Change) {
	if len(changes) == 0 {
		return
	}

	n.mu.Lock()
	subs := make([]func(Change), 0, len(n.subs))
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, n.subs[id])
	}
	n.mu.Unlock()

	for _, change := range changes {
		for _, fn := range subs {
			fn(change)
		}
	}
}

func newNotifier() *notifier {
	return &notifier{
		subs: make(map[int]func(Change)),
	}
}
