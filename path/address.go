package path

import (
	"github.com/itiky/resource-sync/model"
)

// Address is an immutable descriptor of a resolved path.
type Address struct {
	// Resource type ("Patient"), empty for expansion addresses
	ResourceType string
	// Resource id, empty for type-level addresses ("/Patient/$validate")
	ResourceID string
	// Version of a historical address
	Version string
	// Path of the addressed resource root ("/Patient/1", "/$history/Patient/1/2")
	ResourceLevelPath string
	// Path inside the resource ("name/0/given")
	RelativePath string
	// Fully resolved path
	AbsolutePath string
	// Submission scope the address was resolved for
	Scope string
	// Request path relative to the service base ("Patient/1/_history/2", "Patient/1/$everything")
	RequestPath string
	// Custom operation segment ("$everything")
	Operation string
	// Expansion cache key for "$expansion" addresses
	Expansion string
	// Absolute resource url (base + "/Type/Id")
	CanonicalURL string
	// Weak validator of the known resource version (W/"3")
	ETag string

	tokens         []Token
	resourceTokens []Token
	relativeTokens []Token
}

// Key returns the addressed resource key.
func (a Address) Key() model.ResourceKey {
	return model.ResourceKey{Type: a.ResourceType, ID: a.ResourceID}
}

// HasResource checks if the address points into a single live or historical resource.
func (a Address) HasResource() bool {
	return a.ResourceType != "" && a.ResourceID != ""
}

// IsHistory checks if the address points into a historical resource version.
func (a Address) IsHistory() bool {
	return a.Version != "" && len(a.resourceTokens) > 0 && a.resourceTokens[0].Raw == HistoryMarker
}

// IsExpansion checks if the address points into the query-result cache.
func (a Address) IsExpansion() bool {
	return a.Expansion != ""
}

// Tokens returns all path tokens.
func (a Address) Tokens() []Token {
	return copyTokens(a.tokens)
}

// ResourceTokens returns the tokens addressing the resource root in the store.
func (a Address) ResourceTokens() []Token {
	return copyTokens(a.resourceTokens)
}

// RelativeTokens returns the tokens inside the resource.
func (a Address) RelativeTokens() []Token {
	return copyTokens(a.relativeTokens)
}

// String implements the stringer interface.
func (a Address) String() string {
	return a.AbsolutePath
}

func copyTokens(tokens []Token) []Token {
	out := make([]Token, len(tokens))
	copy(out, tokens)

	return out
}
