// Package path resolves string paths into immutable resource addresses.
//
// A path is a "/" separated list of tokens rooted at the store: "/Patient/1/name/0/given".
// Slice predicates ("/Patient/1/name/[use=official]/family") select sequence elements by
// field values, "$history" addresses versioned copies and other "$" prefixed segments are
// custom operations.
package path

import (
	"strconv"
	"strings"
)

const (
	// Root marks an absolute path.
	Root = "/"
	// Separator separates path tokens.
	Separator = "/"
	// OperationPrefix starts a custom operation segment ("$everything").
	OperationPrefix = "$"
	// HistoryMarker starts a historical address ("$history/Patient/1/3").
	HistoryMarker = "$history"
	// HistorySegment marks a version in the request form ("Patient/1/_history/3").
	HistorySegment = "_history"
	// ExpansionMarker starts a query-result cache address ("$expansion/<key>").
	ExpansionMarker = "$expansion"
	// ReferenceField is the field name that links to another resource ("Type/Id").
	ReferenceField = "reference"
)

// Kind is a path token kind.
type Kind uint8

const (
	FieldKind Kind = iota
	IndexKind
	SliceKind
	ReferenceKind
	OperationKind
)

// String implements the stringer interface.
func (k Kind) String() string {
	switch k {
	case FieldKind:
		return "field"
	case IndexKind:
		return "index"
	case SliceKind:
		return "slice"
	case ReferenceKind:
		return "reference"
	case OperationKind:
		return "operation"
	}

	return "unknown"
}

// Token is a single parsed path segment.
type Token struct {
	Kind Kind
	// Raw segment text
	Raw string
	// Sequence index (IndexKind)
	Index int
	// Parsed predicate (SliceKind)
	Slice *Predicate
}

// String implements the stringer interface.
func (t Token) String() string {
	return t.Raw
}

// IsSequenceSelector checks if token selects within a sequence (index or slice).
func (t Token) IsSequenceSelector() bool {
	return t.Kind == IndexKind || t.Kind == SliceKind
}

// FieldToken builds a field token without parsing.
func FieldToken(name string) Token {
	return Token{Kind: FieldKind, Raw: name}
}

// newToken classifies a raw segment.
func newToken(raw string) (Token, error) {
	switch {
	case strings.HasPrefix(raw, "["):
		pred, err := ParsePredicate(raw)
		if err != nil {
			return Token{}, err
		}
		return Token{Kind: SliceKind, Raw: raw, Slice: pred}, nil
	case strings.HasPrefix(raw, OperationPrefix):
		return Token{Kind: OperationKind, Raw: raw}, nil
	case raw == ReferenceField:
		return Token{Kind: ReferenceKind, Raw: raw}, nil
	case isIndex(raw):
		idx, err := strconv.Atoi(raw)
		if err == nil {
			return Token{Kind: IndexKind, Raw: raw, Index: idx}, nil
		}
	}

	return Token{Kind: FieldKind, Raw: raw}, nil
}

func isIndex(raw string) bool {
	if raw == "" {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return false
		}
	}

	return true
}

// Join renders tokens back to a relative path.
func Join(tokens []Token) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		parts = append(parts, t.Raw)
	}

	return strings.Join(parts, Separator)
}
