package storage

import (
	"fmt"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/path"
)

// GetIn walks value by tokens, one token per step.
// A "reference" field holding "Type/Id" re-roots the walk at that resource if more path remains.
// A slice predicate yields the element if exactly one matches, an index -> element map otherwise.
func (s *Store) GetIn(value any, tokens []path.Token) any {
	if len(tokens) == 0 {
		return value
	}
	token, rest := tokens[0], tokens[1:]

	switch token.Kind {
	case path.ReferenceKind:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		field := obj[token.Raw]
		if len(rest) > 0 {
			if ref, ok := field.(string); ok {
				if key, ok := model.ParseResourceKey(ref); ok {
					return s.GetIn(s.Resource(key), rest)
				}
			}
		}
		return s.GetIn(field, rest)

	case path.SliceKind:
		seq, ok := value.([]any)
		if !ok {
			return nil
		}
		idxs := token.Slice.Filter(seq)
		if len(idxs) == 1 {
			return s.GetIn(seq[idxs[0]], rest)
		}
		if len(rest) > 0 {
			return nil
		}
		matches := make(map[int]any, len(idxs))
		for _, idx := range idxs {
			matches[idx] = seq[idx]
		}
		return matches

	case path.IndexKind:
		switch container := value.(type) {
		case []any:
			if token.Index >= len(container) {
				return nil
			}
			return s.GetIn(container[token.Index], rest)
		case map[string]any:
			return s.GetIn(container[token.Raw], rest)
		}
		return nil
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}

	return s.GetIn(obj[token.Raw], rest)
}

// Set writes value at addr and returns keys of all resources touched
// (the addressed one first, then any resources reached through references).
// An empty value (nil, "", empty object or sequence) deletes the field;
// containers left empty by a delete are pruned up to the resource root.
func (s *Store) Set(addr path.Address, value any, opts SetOptions) ([]model.ResourceKey, error) {
	if !addr.HasResource() || addr.IsHistory() || addr.IsExpansion() || addr.Operation != "" {
		return nil, fmt.Errorf("%w: %q: not a live resource address", model.ErrInvalidPath, addr.AbsolutePath)
	}

	key := addr.Key()
	res := s.Resource(key)
	if res == nil {
		if !opts.ForceResource {
			return nil, fmt.Errorf("%w: %q: resource %s not loaded", model.ErrInvalidPath, addr.AbsolutePath, key)
		}
		res = model.Resource{
			"resourceType": key.Type,
			"id":           key.ID,
		}
		s.Put(key, res)
	}

	touched := []model.ResourceKey{key}
	tokens := addr.RelativeTokens()
	if len(tokens) == 0 {
		obj, ok := value.(map[string]any)
		if !ok || (len(obj) == 0 && !opts.ForceResource) {
			return nil, fmt.Errorf("%w: %q: resource root requires an object", model.ErrInvalidPath, addr.AbsolutePath)
		}
		root := CloneMap(obj)
		root["resourceType"], root["id"] = key.Type, key.ID
		s.Put(key, root)
		return touched, nil
	}

	if _, err := s.setIn(res, tokens, value, opts, &touched); err != nil {
		return nil, fmt.Errorf("%q: %w", addr.AbsolutePath, err)
	}

	return touched, nil
}

// setIn consumes one token and returns the updated container.
// A nil container is created from the token kind: index and slice tokens make a sequence,
// anything else an object.
func (s *Store) setIn(container any, tokens []path.Token, value any, opts SetOptions, touched *[]model.ResourceKey) (any, error) {
	token, rest := tokens[0], tokens[1:]

	switch token.Kind {
	case path.IndexKind:
		if obj, ok := container.(map[string]any); ok {
			return s.setField(obj, token, rest, value, opts, touched)
		}
		seq, err := asSequence(container, token)
		if err != nil {
			return nil, err
		}
		for len(seq) <= token.Index {
			if len(rest) == 0 && isEmpty(value) {
				return seq, nil
			}
			seq = append(seq, nil)
		}
		return s.setElement(seq, token.Index, rest, value, opts, touched)

	case path.SliceKind:
		seq, err := asSequence(container, token)
		if err != nil {
			return nil, err
		}
		idxs := token.Slice.Filter(seq)
		if len(idxs) > 0 {
			return s.setElement(seq, idxs[0], rest, value, opts, touched)
		}
		if isEmpty(value) {
			return seq, nil
		}
		elem, err := token.Slice.Template()
		if err != nil {
			return nil, err
		}
		seq = append(seq, elem)
		return s.setElement(seq, len(seq)-1, rest, value, opts, touched)

	case path.OperationKind:
		return nil, fmt.Errorf("%w: operation %s inside a resource", model.ErrInvalidPath, token.Raw)
	}

	var obj map[string]any
	switch c := container.(type) {
	case nil:
		obj = make(map[string]any)
	case map[string]any:
		obj = c
	default:
		return nil, fmt.Errorf("%w: field %s on a non-object value", model.ErrInvalidPath, token.Raw)
	}

	if token.Kind == path.ReferenceKind && len(rest) > 0 {
		if ref, ok := obj[token.Raw].(string); ok {
			if key, ok := model.ParseResourceKey(ref); ok {
				return obj, s.hop(key, rest, value, opts, touched)
			}
		}
	}

	return s.setField(obj, token, rest, value, opts, touched)
}

// hop continues the write inside another resource.
func (s *Store) hop(key model.ResourceKey, tokens []path.Token, value any, opts SetOptions, touched *[]model.ResourceKey) error {
	target := s.Resource(key)
	if target == nil {
		return fmt.Errorf("%w: reference %s: resource not loaded", model.ErrInvalidPath, key)
	}
	if opts.OnHop != nil {
		if err := opts.OnHop(key); err != nil {
			return fmt.Errorf("reference %s: %w", key, err)
		}
	}
	*touched = append(*touched, key)

	_, err := s.setIn(target, tokens, value, opts, touched)

	return err
}

func (s *Store) setField(obj map[string]any, token path.Token, rest []path.Token, value any, opts SetOptions, touched *[]model.ResourceKey) (any, error) {
	if len(rest) == 0 {
		if isEmpty(value) {
			delete(obj, token.Raw)
		} else {
			obj[token.Raw] = value
		}
		return obj, nil
	}

	child, found := obj[token.Raw]
	if !found && isEmpty(value) {
		return obj, nil
	}
	newChild, err := s.setIn(child, rest, value, opts, touched)
	if err != nil {
		return nil, err
	}
	if isEmpty(newChild) {
		delete(obj, token.Raw)
	} else {
		obj[token.Raw] = newChild
	}

	return obj, nil
}

func (s *Store) setElement(seq []any, idx int, rest []path.Token, value any, opts SetOptions, touched *[]model.ResourceKey) (any, error) {
	if len(rest) == 0 {
		if isEmpty(value) {
			return append(seq[:idx], seq[idx+1:]...), nil
		}
		seq[idx] = value
		return seq, nil
	}

	newChild, err := s.setIn(seq[idx], rest, value, opts, touched)
	if err != nil {
		return nil, err
	}
	if isEmpty(newChild) {
		return append(seq[:idx], seq[idx+1:]...), nil
	}
	seq[idx] = newChild

	return seq, nil
}

func asSequence(container any, token path.Token) ([]any, error) {
	switch c := container.(type) {
	case nil:
		return nil, nil
	case []any:
		return c, nil
	}

	return nil, fmt.Errorf("%w: %s on a non-sequence value", model.ErrInvalidPath, token.Raw)
}
