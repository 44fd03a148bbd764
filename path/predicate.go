package path

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/itiky/resource-sync/model"
)

// Operator is a slice predicate comparison operator.
type Operator string

const (
	EqOperator         Operator = "="
	NeOperator         Operator = "!="
	GtOperator         Operator = ">"
	GeOperator         Operator = ">="
	LtOperator         Operator = "<"
	LeOperator         Operator = "<="
	ContainsOperator   Operator = "*="
	StartsWithOperator Operator = "^="
	EndsWithOperator   Operator = "$="
	MissingOperator    Operator = "!"
)

// operators are matched in order, so two char operators go first.
var operators = []Operator{
	NeOperator, GeOperator, LeOperator, ContainsOperator, StartsWithOperator, EndsWithOperator,
	EqOperator, GtOperator, LtOperator,
}

type (
	// Predicate is a parsed slice predicate in disjunctive normal form:
	// the element matches if all conditions of any group match.
	Predicate struct {
		Raw    string
		Groups [][]Condition
	}

	// Condition is a single "key op value" check.
	Condition struct {
		Key    []string
		Op     Operator
		Value  string
		Quoted bool
	}
)

// ParsePredicate parses a bracket-delimited predicate ("[use=official,period/start>2020]").
// The "," and "&&" combinators are AND, "||" is OR with lower precedence.
func ParsePredicate(raw string) (*Predicate, error) {
	if len(raw) < 2 || raw[0] != '[' || raw[len(raw)-1] != ']' {
		return nil, fmt.Errorf("%w: %q: brackets mismatch", model.ErrInvalidSlicePredicate, raw)
	}
	body := strings.TrimSpace(raw[1 : len(raw)-1])
	if body == "" {
		return nil, fmt.Errorf("%w: %q: empty", model.ErrInvalidSlicePredicate, raw)
	}

	pred := &Predicate{Raw: raw}
	for _, orPart := range splitTopLevel(body, "||") {
		group := make([]Condition, 0)
		for _, andPart := range splitTopLevel(orPart, "&&") {
			for _, condPart := range splitTopLevel(andPart, ",") {
				cond, err := parseCondition(strings.TrimSpace(condPart))
				if err != nil {
					return nil, fmt.Errorf("%w: %q: %v", model.ErrInvalidSlicePredicate, raw, err)
				}
				group = append(group, cond)
			}
		}
		pred.Groups = append(pred.Groups, group)
	}

	return pred, nil
}

// parseCondition parses a single condition.
func parseCondition(s string) (Condition, error) {
	if s == "" {
		return Condition{}, fmt.Errorf("empty condition")
	}

	if strings.HasPrefix(s, string(MissingOperator)) && !strings.ContainsAny(s, "=<>") {
		key, err := parseKey(s[1:])
		if err != nil {
			return Condition{}, err
		}
		return Condition{Key: key, Op: MissingOperator}, nil
	}

	pos, op := findOperator(s)
	if op == "" {
		return Condition{}, fmt.Errorf("condition (%s): operator not found", s)
	}

	key, err := parseKey(s[:pos])
	if err != nil {
		return Condition{}, err
	}

	value := strings.TrimSpace(s[pos+len(op):])
	quoted := false
	if len(value) >= 2 && (value[0] == '\'' && value[len(value)-1] == '\'' || value[0] == '"' && value[len(value)-1] == '"') {
		value = value[1 : len(value)-1]
		quoted = true
	}

	return Condition{Key: key, Op: op, Value: value, Quoted: quoted}, nil
}

// findOperator finds the first operator outside of quotes.
func findOperator(s string) (int, Operator) {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		for _, op := range operators {
			if strings.HasPrefix(s[i:], string(op)) {
				return i, op
			}
		}
	}

	return -1, ""
}

// parseKey splits a "a.b" or "a/b" key into a field chain.
func parseKey(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("key: empty")
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '/' })
	if len(parts) == 0 {
		return nil, fmt.Errorf("key (%s): unresolvable", s)
	}
	for _, part := range parts {
		if strings.ContainsAny(part, " []'\"()") {
			return nil, fmt.Errorf("key (%s): unresolvable", s)
		}
	}
	if strings.Count(s, ".")+strings.Count(s, "/") != len(parts)-1 {
		return nil, fmt.Errorf("key (%s): unresolvable", s)
	}

	return parts, nil
}

// splitTopLevel splits s by sep outside of quotes.
func splitTopLevel(s, sep string) []string {
	parts := make([]string, 0, 1)
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if strings.HasPrefix(s[i:], sep) {
			parts = append(parts, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}

	return append(parts, s[start:])
}

// Match evaluates the predicate against a sequence element.
func (p *Predicate) Match(elem any) bool {
	for _, group := range p.Groups {
		matched := true
		for _, cond := range group {
			if !cond.Match(elem) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}

	return false
}

// Filter returns indices of the matching sequence elements.
func (p *Predicate) Filter(seq []any) []int {
	idxs := make([]int, 0)
	for i, elem := range seq {
		if p.Match(elem) {
			idxs = append(idxs, i)
		}
	}

	return idxs
}

// Template builds a new element carrying the predicate's key/value pairs.
// Only a single AND group of equality conditions can be turned into a template.
func (p *Predicate) Template() (map[string]any, error) {
	if len(p.Groups) != 1 {
		return nil, fmt.Errorf("%w: %q: OR predicate can not create an element", model.ErrInvalidSlicePredicate, p.Raw)
	}

	elem := make(map[string]any)
	for _, cond := range p.Groups[0] {
		if cond.Op != EqOperator {
			return nil, fmt.Errorf("%w: %q: operator %s can not create an element", model.ErrInvalidSlicePredicate, p.Raw, cond.Op)
		}

		container := elem
		for _, field := range cond.Key[:len(cond.Key)-1] {
			next, ok := container[field].(map[string]any)
			if !ok {
				next = make(map[string]any)
				container[field] = next
			}
			container = next
		}
		container[cond.Key[len(cond.Key)-1]] = cond.typedValue()
	}

	return elem, nil
}

// typedValue returns the value an element is pre-populated with. Only unquoted booleans are
// converted: numeric-looking values ("007") stay strings.
func (c Condition) typedValue() any {
	if c.Quoted {
		return c.Value
	}
	switch c.Value {
	case "true":
		return true
	case "false":
		return false
	}

	return c.Value
}

// Match evaluates the condition against a sequence element.
func (c Condition) Match(elem any) bool {
	field, found := lookup(elem, c.Key)
	if c.Op == MissingOperator {
		return !found || field == nil
	}
	if !found || field == nil {
		return c.Op == NeOperator
	}

	switch v := field.(type) {
	case string:
		return compareStrings(v, c.Op, c.Value)
	case float64:
		return compareNumbers(v, c.Op, c.Value)
	case int:
		return compareNumbers(float64(v), c.Op, c.Value)
	case bool:
		b, err := strconv.ParseBool(c.Value)
		if err != nil {
			return c.Op == NeOperator
		}
		switch c.Op {
		case EqOperator:
			return v == b
		case NeOperator:
			return v != b
		}
		return false
	}

	return compareStrings(fmt.Sprint(field), c.Op, c.Value)
}

// lookup follows a field chain inside an element.
func lookup(elem any, key []string) (any, bool) {
	cur := elem
	for _, field := range key {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[field]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(field)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}

	return cur, true
}

func compareStrings(a string, op Operator, b string) bool {
	switch op {
	case EqOperator:
		return a == b
	case NeOperator:
		return a != b
	case GtOperator:
		return a > b
	case GeOperator:
		return a >= b
	case LtOperator:
		return a < b
	case LeOperator:
		return a <= b
	case ContainsOperator:
		return strings.Contains(a, b)
	case StartsWithOperator:
		return strings.HasPrefix(a, b)
	case EndsWithOperator:
		return strings.HasSuffix(a, b)
	}

	return false
}

func compareNumbers(a float64, op Operator, raw string) bool {
	b, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return compareStrings(strconv.FormatFloat(a, 'f', -1, 64), op, raw)
	}
	switch op {
	case EqOperator:
		return a == b
	case NeOperator:
		return a != b
	case GtOperator:
		return a > b
	case GeOperator:
		return a >= b
	case LtOperator:
		return a < b
	case LeOperator:
		return a <= b
	}

	return compareStrings(strconv.FormatFloat(a, 'f', -1, 64), op, raw)
}
