package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/storage"
)

var (
	ErrNotFound = errors.New("not found")
	ErrGone     = errors.New("gone")
	ErrConflict = errors.New("version conflict")
	ErrInvalid  = errors.New("invalid")
)

type (
	// Repository keeps the version history of every resource.
	Repository struct {
		sync.RWMutex
		histories map[model.ResourceKey]*History
		now       func() time.Time
		newID     func() string
	}

	// History is the ordered list of a resource versions (the first has id 1).
	History struct {
		Versions []Version
	}

	Version struct {
		ID        int
		Resource  model.Resource
		Deleted   bool
		UpdatedAt time.Time
	}

	// Operation is a single write request.
	Operation struct {
		Method   string
		Key      model.ResourceKey
		Resource model.Resource
		IfMatch  string
	}

	// OperationResult is the Operation outcome.
	OperationResult struct {
		Status  int
		Key     model.ResourceKey
		Version *Version
		Err     error
	}
)

// Latest returns the current version.
func (h *History) Latest() *Version {
	if len(h.Versions) == 0 {
		return nil
	}

	return &h.Versions[len(h.Versions)-1]
}

// ETag returns the version weak ETag.
func (v *Version) ETag() string {
	return model.WeakETag(strconv.Itoa(v.ID))
}

// LastModified returns the version time in the HTTP header format.
func (v *Version) LastModified() string {
	return v.UpdatedAt.UTC().Format(http.TimeFormat)
}

// Location returns the version relative URL.
func (r OperationResult) Location() string {
	if r.Version == nil {
		return ""
	}

	return r.Key.String() + "/_history/" + strconv.Itoa(r.Version.ID)
}

// Len returns the number of live resources.
func (r *Repository) Len() int {
	r.RLock()
	defer r.RUnlock()

	cnt := 0
	for _, h := range r.histories {
		if !h.Latest().Deleted {
			cnt++
		}
	}

	return cnt
}

// Read returns the current resource version.
func (r *Repository) Read(key model.ResourceKey) (*Version, error) {
	r.RLock()
	defer r.RUnlock()

	h, found := r.histories[key]
	if !found {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	v := h.Latest()
	if v.Deleted {
		return nil, fmt.Errorf("%s: %w", key, ErrGone)
	}

	return copyVersion(v), nil
}

// VRead returns a specific resource version.
func (r *Repository) VRead(key model.ResourceKey, versionID int) (*Version, error) {
	r.RLock()
	defer r.RUnlock()

	h, found := r.histories[key]
	if !found {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if versionID < 1 || versionID > len(h.Versions) {
		return nil, fmt.Errorf("%s/_history/%d: %w", key, versionID, ErrNotFound)
	}
	v := &h.Versions[versionID-1]
	if v.Deleted {
		return nil, fmt.Errorf("%s/_history/%d: %w", key, versionID, ErrGone)
	}

	return copyVersion(v), nil
}

// Search returns live resources of resType matching params. Params are compared against
// top level scalar fields ("name=x") or one level nested values ("identifier.value=x");
// "_id" matches the resource id, "_count" limits the result.
func (r *Repository) Search(resType string, params url.Values) ([]model.Resource, error) {
	limit := -1
	if countStr := params.Get("_count"); countStr != "" {
		cnt, err := strconv.Atoi(countStr)
		if err != nil || cnt < 0 {
			return nil, fmt.Errorf("_count (%s): %w", countStr, ErrInvalid)
		}
		limit = cnt
	}

	r.RLock()
	defer r.RUnlock()

	keys := make([]model.ResourceKey, 0)
	for key, h := range r.histories {
		if key.Type != resType || h.Latest().Deleted {
			continue
		}
		if !matchParams(h.Latest().Resource, params) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].ID < keys[j].ID
	})

	resources := make([]model.Resource, 0, len(keys))
	for _, key := range keys {
		if limit >= 0 && len(resources) >= limit {
			break
		}
		resources = append(resources, storage.CloneMap(r.histories[key].Latest().Resource))
	}

	return resources, nil
}

// Apply performs write operations. With atomic set, the first failure rolls back all
// operations and is the only result returned.
func (r *Repository) Apply(atomic bool, ops ...Operation) []OperationResult {
	r.Lock()
	defer r.Unlock()

	now := r.now().UTC().Truncate(time.Second)
	undo := make(map[model.ResourceKey]int)

	results := make([]OperationResult, 0, len(ops))
	for i, op := range ops {
		if _, found := undo[op.Key]; !found && !op.Key.IsZero() {
			undo[op.Key] = r.historyLen(op.Key)
		}

		res := r.apply(op, now)
		if res.Err != nil && atomic {
			r.rollback(undo)
			res.Err = fmt.Errorf("entry[%d]: %w", i, res.Err)
			return []OperationResult{res}
		}
		if res.Err == nil && !res.Key.IsZero() {
			if _, found := undo[res.Key]; !found {
				undo[res.Key] = 0
			}
		}
		results = append(results, res)
	}

	for i := range results {
		if results[i].Version != nil {
			results[i].Version = copyVersion(results[i].Version)
		}
	}

	return results
}

// NewID returns a new server assigned resource id.
func (r *Repository) NewID() string {
	return r.newID()
}

// Put stores a resource version as is (used for seeding).
func (r *Repository) Put(res model.Resource) error {
	key, ok := resourceKey(res)
	if !ok {
		return fmt.Errorf("resource: %w", ErrInvalid)
	}

	r.Lock()
	defer r.Unlock()

	r.appendVersion(key, storage.CloneMap(res), false, r.now().UTC().Truncate(time.Second))

	return nil
}

func (r *Repository) apply(op Operation, now time.Time) OperationResult {
	switch op.Method {
	case http.MethodPost:
		return r.create(op, now)
	case http.MethodPut:
		return r.update(op, now)
	case http.MethodDelete:
		return r.delete(op, now)
	}

	return OperationResult{
		Status: http.StatusMethodNotAllowed,
		Err:    fmt.Errorf("method (%s): %w", op.Method, ErrInvalid),
	}
}

func (r *Repository) create(op Operation, now time.Time) OperationResult {
	if err := checkResource(op.Resource, op.Key.Type); err != nil {
		return OperationResult{Status: http.StatusBadRequest, Err: err}
	}

	key := op.Key
	if key.ID == "" {
		key.ID = r.newID()
	}
	if h, found := r.histories[key]; found && !h.Latest().Deleted {
		return OperationResult{Status: http.StatusConflict, Key: key, Err: fmt.Errorf("%s: exists: %w", key, ErrInvalid)}
	}
	v := r.appendVersion(key, storage.CloneMap(op.Resource), false, now)

	return OperationResult{Status: http.StatusCreated, Key: key, Version: v}
}

func (r *Repository) update(op Operation, now time.Time) OperationResult {
	if err := checkResource(op.Resource, op.Key.Type); err != nil {
		return OperationResult{Status: http.StatusBadRequest, Key: op.Key, Err: err}
	}
	if id, _ := op.Resource["id"].(string); id != op.Key.ID {
		return OperationResult{Status: http.StatusBadRequest, Key: op.Key, Err: fmt.Errorf("id (%s): URL id %s expected: %w", id, op.Key.ID, ErrInvalid)}
	}

	status := http.StatusOK
	h, found := r.histories[op.Key]
	if !found || h.Latest().Deleted {
		status = http.StatusCreated
	}
	if op.IfMatch != "" {
		current := ""
		if found && !h.Latest().Deleted {
			current = strconv.Itoa(h.Latest().ID)
		}
		if model.ParseETag(op.IfMatch) != current {
			return OperationResult{
				Status: http.StatusPreconditionFailed,
				Key:    op.Key,
				Err:    fmt.Errorf("%s: If-Match %s, current %q: %w", op.Key, op.IfMatch, current, ErrConflict),
			}
		}
	}

	v := r.appendVersion(op.Key, storage.CloneMap(op.Resource), false, now)

	return OperationResult{Status: status, Key: op.Key, Version: v}
}

func (r *Repository) delete(op Operation, now time.Time) OperationResult {
	h, found := r.histories[op.Key]
	if !found {
		return OperationResult{Status: http.StatusNotFound, Key: op.Key, Err: fmt.Errorf("%s: %w", op.Key, ErrNotFound)}
	}
	if h.Latest().Deleted {
		return OperationResult{Status: http.StatusNoContent, Key: op.Key}
	}
	if op.IfMatch != "" && model.ParseETag(op.IfMatch) != strconv.Itoa(h.Latest().ID) {
		return OperationResult{
			Status: http.StatusPreconditionFailed,
			Key:    op.Key,
			Err:    fmt.Errorf("%s: If-Match %s, current %d: %w", op.Key, op.IfMatch, h.Latest().ID, ErrConflict),
		}
	}
	r.appendVersion(op.Key, nil, true, now)

	return OperationResult{Status: http.StatusNoContent, Key: op.Key}
}

// appendVersion adds a version stamping the resource meta.
func (r *Repository) appendVersion(key model.ResourceKey, res model.Resource, deleted bool, now time.Time) *Version {
	h, found := r.histories[key]
	if !found {
		h = &History{}
		r.histories[key] = h
	}

	v := Version{
		ID:        len(h.Versions) + 1,
		Deleted:   deleted,
		UpdatedAt: now,
	}
	if res != nil {
		res["resourceType"] = key.Type
		res["id"] = key.ID
		meta, _ := res["meta"].(map[string]any)
		if meta == nil {
			meta = make(map[string]any)
		}
		meta["versionId"] = strconv.Itoa(v.ID)
		meta["lastUpdated"] = now.Format(time.RFC3339)
		res["meta"] = meta
		v.Resource = res
	}
	h.Versions = append(h.Versions, v)

	return h.Latest()
}

func (r *Repository) historyLen(key model.ResourceKey) int {
	if h, found := r.histories[key]; found {
		return len(h.Versions)
	}

	return 0
}

// rollback truncates histories to the recorded lengths.
func (r *Repository) rollback(undo map[model.ResourceKey]int) {
	for key, length := range undo {
		h, found := r.histories[key]
		if !found {
			continue
		}
		if length == 0 {
			delete(r.histories, key)
			continue
		}
		h.Versions = h.Versions[:length]
	}
}

// NewRepository creates an empty Repository object.
func NewRepository() *Repository {
	return &Repository{
		histories: make(map[model.ResourceKey]*History),
		now:       time.Now,
		newID: func() string {
			return strings.ToLower(ulid.Make().String())
		},
	}
}

func copyVersion(v *Version) *Version {
	vCopy := *v
	vCopy.Resource = storage.CloneMap(v.Resource)

	return &vCopy
}

func resourceKey(res model.Resource) (model.ResourceKey, bool) {
	resType, _ := res["resourceType"].(string)
	id, _ := res["id"].(string)
	if !model.IsResourceTypeName(resType) || id == "" {
		return model.ResourceKey{}, false
	}

	return model.ResourceKey{Type: resType, ID: id}, true
}

func checkResource(res model.Resource, resType string) error {
	if res == nil {
		return fmt.Errorf("resource: empty: %w", ErrInvalid)
	}
	if t, _ := res["resourceType"].(string); t != resType {
		return fmt.Errorf("resourceType (%s): %s expected: %w", t, resType, ErrInvalid)
	}

	return nil
}

func matchParams(res model.Resource, params url.Values) bool {
	for name, values := range params {
		if strings.HasPrefix(name, "_") && name != "_id" {
			continue
		}
		field := name
		if name == "_id" {
			field = "id"
		}
		if !matchValue(lookupField(res, strings.Split(field, ".")), values[0]) {
			return false
		}
	}

	return true
}

// lookupField collects scalar values under field path (arrays are flattened).
func lookupField(value any, fields []string) []any {
	if len(fields) == 0 {
		if arr, ok := value.([]any); ok {
			out := make([]any, 0, len(arr))
			for _, item := range arr {
				out = append(out, lookupField(item, nil)...)
			}
			return out
		}
		return []any{value}
	}

	switch v := value.(type) {
	case map[string]any:
		return lookupField(v[fields[0]], fields[1:])
	case []any:
		out := make([]any, 0)
		for _, item := range v {
			out = append(out, lookupField(item, fields)...)
		}
		return out
	}

	return nil
}

func matchValue(values []any, expected string) bool {
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if strings.EqualFold(v, expected) {
				return true
			}
		case float64:
			if strconv.FormatFloat(v, 'f', -1, 64) == expected {
				return true
			}
		case bool:
			if strconv.FormatBool(v) == expected {
				return true
			}
		}
	}

	return false
}
