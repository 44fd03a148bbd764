package path

import (
	"fmt"
	"strings"

	"github.com/itiky/resource-sync/model"
)

// Tokenize splits a path into tokens. The root marker is dropped, bracket-delimited
// slice predicates are kept atomic (they may contain separators and quotes).
func Tokenize(p string) ([]Token, error) {
	p = strings.TrimPrefix(p, Root)
	if p == "" {
		return []Token{}, nil
	}

	segments, err := splitSegments(p)
	if err != nil {
		return nil, err
	}

	tokens := make([]Token, 0, len(segments))
	for i, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("%w: %q: token [%d]: empty", model.ErrInvalidPath, p, i)
		}
		token, err := newToken(segment)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, nil
}

// splitSegments splits on separators outside of brackets and quotes.
// A predicate glued to a field ("name[use=official]") is split off as its own segment.
func splitSegments(p string) ([]string, error) {
	segments := make([]string, 0)
	cur := strings.Builder{}
	depth := 0
	var quote byte

	flush := func() {
		segments = append(segments, cur.String())
		cur.Reset()
	}

	for i := 0; i < len(p); i++ {
		c := p[i]
		if quote != 0 {
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
			continue
		}

		switch {
		case depth > 0 && (c == '\'' || c == '"'):
			quote = c
			cur.WriteByte(c)
		case c == '[':
			if depth == 0 && cur.Len() > 0 {
				flush()
			}
			depth++
			cur.WriteByte(c)
		case c == ']':
			if depth == 0 {
				return nil, fmt.Errorf("%w: %q: unexpected ']' at %d", model.ErrInvalidSlicePredicate, p, i)
			}
			depth--
			cur.WriteByte(c)
			if depth == 0 && i+1 < len(p) && p[i+1] != '/' {
				return nil, fmt.Errorf("%w: %q: separator expected after ']' at %d", model.ErrInvalidSlicePredicate, p, i)
			}
		case c == '/' && depth == 0:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if depth != 0 || quote != 0 {
		return nil, fmt.Errorf("%w: %q: unbalanced brackets", model.ErrInvalidSlicePredicate, p)
	}
	flush()

	return segments, nil
}
