package path

import (
	"fmt"
	"strings"

	"github.com/itiky/resource-sync/model"
)

type (
	// Context is a binding context: a path, possibly relative to its parent.
	Context struct {
		Path   string
		Parent *Context
	}

	// Source gives the resolver read access to the resource store.
	Source interface {
		// Resource returns the live resource (nil if unknown).
		Resource(key model.ResourceKey) model.Resource
		// Value returns the value at absolute path tokens (nil if absent).
		Value(tokens []Token) any
	}

	resolveOptions struct {
		ctx      *Context
		unique   bool
		resource model.Resource
		scope    string
		source   Source
		baseURL  string
	}

	// Option configures Resolve.
	Option func(o *resolveOptions)
)

// WithContext resolves relative paths against ctx.
func WithContext(ctx *Context) Option {
	return func(o *resolveOptions) { o.ctx = ctx }
}

// WithUnique derives type/id from the resource found at the path instead of token positions.
func WithUnique() Option {
	return func(o *resolveOptions) { o.unique = true }
}

// WithResource derives type/id/version from the given resource.
func WithResource(res model.Resource) Option {
	return func(o *resolveOptions) { o.resource = res }
}

// WithScope tags the address with a submission scope.
func WithScope(scope string) Option {
	return func(o *resolveOptions) { o.scope = scope }
}

// WithSource enables store lookups (ETag, unique mode).
func WithSource(src Source) Option {
	return func(o *resolveOptions) { o.source = src }
}

// WithBaseURL sets the service base used for canonical urls.
func WithBaseURL(baseURL string) Option {
	return func(o *resolveOptions) { o.baseURL = strings.TrimSuffix(baseURL, "/") }
}

// Absolute resolves p against the context chain.
func Absolute(p string, ctx *Context) (string, error) {
	if strings.HasPrefix(p, Root) {
		return p, nil
	}
	if ctx == nil {
		return "", fmt.Errorf("%w: %q: no root-anchored context", model.ErrUnresolvablePath, p)
	}

	base, err := Absolute(ctx.Path, ctx.Parent)
	if err != nil {
		return "", fmt.Errorf("%w: %q: context %q: %v", model.ErrUnresolvablePath, p, ctx.Path, err)
	}
	base = strings.TrimSuffix(base, Separator)
	if p == "" {
		return base, nil
	}

	return base + Separator + p, nil
}

// Resolve turns a path into an Address.
func Resolve(p string, opts ...Option) (Address, error) {
	o := resolveOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := Absolute(p, o.ctx)
	if err != nil {
		return Address{}, err
	}
	tokens, err := Tokenize(abs)
	if err != nil {
		return Address{}, err
	}
	if len(tokens) == 0 {
		return Address{}, fmt.Errorf("%w: %q: no tokens", model.ErrInvalidPath, abs)
	}

	addr := Address{Scope: o.scope, tokens: tokens}
	switch {
	case o.resource != nil:
		boundary := len(tokens)
		if o.ctx != nil && !strings.HasPrefix(p, Root) {
			ctxAbs, _ := Absolute(o.ctx.Path, o.ctx.Parent)
			ctxTokens, err := Tokenize(ctxAbs)
			if err != nil {
				return Address{}, err
			}
			boundary = len(ctxTokens)
		}
		if err := addr.rebase(o.resource, tokens[boundary:]); err != nil {
			return Address{}, fmt.Errorf("%q: %w", abs, err)
		}
	case o.unique && o.source != nil:
		found := false
		for i := 1; i <= len(tokens); i++ {
			res, ok := o.source.Value(tokens[:i]).(map[string]any)
			if !ok || !isResource(res) {
				continue
			}
			if err := addr.rebase(res, tokens[i:]); err != nil {
				return Address{}, fmt.Errorf("%q: %w", abs, err)
			}
			found = true
			break
		}
		if !found {
			if err := addr.positional(abs); err != nil {
				return Address{}, err
			}
		}
	default:
		if err := addr.positional(abs); err != nil {
			return Address{}, err
		}
	}

	if addr.HasResource() {
		addr.CanonicalURL = o.baseURL + Separator + addr.ResourceType + Separator + addr.ResourceID
		switch {
		case addr.IsHistory():
			addr.ETag = model.WeakETag(addr.Version)
		case o.source != nil:
			if res := o.source.Resource(addr.Key()); res != nil {
				addr.ETag = model.WeakETag(model.VersionID(res))
			}
		}
		if addr.ETag == "" && o.resource != nil {
			addr.ETag = model.WeakETag(model.VersionID(o.resource))
		}
	}

	return addr, nil
}

// positional derives the address from token positions.
func (a *Address) positional(abs string) error {
	tokens := a.tokens
	if len(tokens) >= 4 && tokens[0].Kind == FieldKind && tokens[2].Kind == FieldKind && tokens[2].Raw == HistorySegment {
		tokens = append([]Token{{Kind: OperationKind, Raw: HistoryMarker}, tokens[0], tokens[1]}, tokens[3:]...)
		a.tokens = tokens
		abs = Root + Join(tokens)
	}
	a.AbsolutePath = abs

	first := tokens[0]
	if first.Kind == OperationKind {
		switch first.Raw {
		case HistoryMarker:
			if len(tokens) < 4 {
				return fmt.Errorf("%w: %q: %s/Type/Id/Version expected", model.ErrInvalidPath, abs, HistoryMarker)
			}
			if err := checkTypeAndID(abs, tokens[1], tokens[2]); err != nil {
				return err
			}
			if !isIDToken(tokens[3]) {
				return fmt.Errorf("%w: %q: version (%s): invalid", model.ErrInvalidPath, abs, tokens[3].Raw)
			}
			a.ResourceType, a.ResourceID, a.Version = tokens[1].Raw, tokens[2].Raw, tokens[3].Raw
			a.resourceTokens = tokens[:4]
			a.relativeTokens = tokens[4:]
			a.RequestPath = a.ResourceType + Separator + a.ResourceID + Separator + HistorySegment + Separator + a.Version
		case ExpansionMarker:
			if len(tokens) < 2 {
				return fmt.Errorf("%w: %q: %s/Key expected", model.ErrInvalidPath, abs, ExpansionMarker)
			}
			a.Expansion = tokens[1].Raw
			a.resourceTokens = tokens[:2]
			a.relativeTokens = tokens[2:]
		default:
			// System level operation ("/$batch")
			a.Operation = first.Raw
			a.RequestPath = first.Raw
			a.relativeTokens = tokens[1:]
		}
		a.ResourceLevelPath = Root + Join(a.resourceTokens)
		a.RelativePath = Join(a.relativeTokens)

		return nil
	}

	if first.Kind != FieldKind || !model.IsResourceTypeName(first.Raw) {
		return fmt.Errorf("%w: %q: resource type (%s): invalid", model.ErrInvalidPath, abs, first.Raw)
	}
	a.ResourceType = first.Raw
	a.resourceTokens = tokens[:1]
	rest := tokens[1:]
	reqParts := []string{a.ResourceType}

	if len(rest) > 0 && rest[0].Kind != OperationKind {
		if !isIDToken(rest[0]) {
			return fmt.Errorf("%w: %q: resource id (%s): invalid", model.ErrInvalidPath, abs, rest[0].Raw)
		}
		a.ResourceID = rest[0].Raw
		a.resourceTokens = tokens[:2]
		reqParts = append(reqParts, a.ResourceID)
		rest = rest[1:]
	}

	relative := make([]Token, 0, len(rest))
	for i, token := range rest {
		if token.Kind == OperationKind {
			a.Operation = token.Raw
			reqParts = append(reqParts, token.Raw)
			relative = rest[i+1:]
			break
		}
		relative = append(relative, token)
	}

	a.relativeTokens = relative
	a.ResourceLevelPath = Root + Join(a.resourceTokens)
	a.RelativePath = Join(relative)
	a.RequestPath = strings.Join(reqParts, Separator)

	return nil
}

// rebase derives the address from the resource's own declared fields.
func (a *Address) rebase(res model.Resource, relative []Token) error {
	resType, _ := res["resourceType"].(string)
	resID, _ := res["id"].(string)
	if !model.IsResourceTypeName(resType) || resID == "" {
		return fmt.Errorf("%w: resource: resourceType/id missing", model.ErrInvalidPath)
	}

	a.ResourceType, a.ResourceID = resType, resID
	a.resourceTokens = []Token{FieldToken(resType), FieldToken(resID)}
	a.relativeTokens = copyTokens(relative)
	a.ResourceLevelPath = Root + resType + Separator + resID
	a.RelativePath = Join(relative)
	a.AbsolutePath = a.ResourceLevelPath
	if a.RelativePath != "" {
		a.AbsolutePath += Separator + a.RelativePath
	}
	a.RequestPath = resType + Separator + resID
	a.tokens = append(copyTokens(a.resourceTokens), relative...)

	return nil
}

func checkTypeAndID(abs string, typeToken, idToken Token) error {
	if typeToken.Kind != FieldKind || !model.IsResourceTypeName(typeToken.Raw) {
		return fmt.Errorf("%w: %q: resource type (%s): invalid", model.ErrInvalidPath, abs, typeToken.Raw)
	}
	if !isIDToken(idToken) {
		return fmt.Errorf("%w: %q: resource id (%s): invalid", model.ErrInvalidPath, abs, idToken.Raw)
	}

	return nil
}

func isIDToken(t Token) bool {
	return t.Kind == FieldKind || t.Kind == IndexKind
}

func isResource(res map[string]any) bool {
	t, okType := res["resourceType"].(string)
	id, okID := res["id"].(string)

	return okType && okID && t != "" && id != "" && t != model.BundleResourceType
}
