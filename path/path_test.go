package path

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itiky/resource-sync/model"
)

type testSource map[model.ResourceKey]model.Resource

func (s testSource) Resource(key model.ResourceKey) model.Resource {
	return s[key]
}

func (s testSource) Value(tokens []Token) any {
	if len(tokens) < 2 {
		return nil
	}
	var cur any = s[model.ResourceKey{Type: tokens[0].Raw, ID: tokens[1].Raw}]
	for _, token := range tokens[2:] {
		switch v := cur.(type) {
		case map[string]any:
			cur = v[token.Raw]
		case []any:
			if token.Kind != IndexKind || token.Index >= len(v) {
				return nil
			}
			cur = v[token.Index]
		default:
			return nil
		}
	}

	return cur
}

// Test splits paths into tokens and checks token kinds.
func Test_Tokenize(t *testing.T) {
	tokens, err := Tokenize("/Patient/P1/name[use='a/b]']/given/0/$everything")
	require.NoError(t, err)
	require.Len(t, tokens, 7)

	kinds := make([]Kind, 0, len(tokens))
	for _, token := range tokens {
		kinds = append(kinds, token.Kind)
	}
	require.Equal(t, []Kind{FieldKind, FieldKind, FieldKind, SliceKind, FieldKind, IndexKind, OperationKind}, kinds)
	require.Equal(t, "[use='a/b]']", tokens[3].Raw)
	require.Equal(t, "a/b]", tokens[3].Slice.Groups[0][0].Value)
	require.Equal(t, 0, tokens[5].Index)

	ref, err := Tokenize("subject/reference")
	require.NoError(t, err)
	require.Equal(t, ReferenceKind, ref[1].Kind)

	// empty and root
	{
		tokens, err := Tokenize("/")
		require.NoError(t, err)
		require.Empty(t, tokens)
	}

	// malformed
	{
		_, err := Tokenize("/Patient//name")
		require.ErrorIs(t, err, model.ErrInvalidPath)

		_, err = Tokenize("/Patient/P1/name[use=official")
		require.ErrorIs(t, err, model.ErrInvalidSlicePredicate)

		_, err = Tokenize("/Patient/P1/name]")
		require.ErrorIs(t, err, model.ErrInvalidSlicePredicate)

		_, err = Tokenize("/Patient/P1/name[use=official]x")
		require.ErrorIs(t, err, model.ErrInvalidSlicePredicate)

		_, err = Tokenize("/Patient/P1/name[]")
		require.ErrorIs(t, err, model.ErrInvalidSlicePredicate)
	}
}

// Test evaluates slice predicates against sequence elements.
func Test_Predicate(t *testing.T) {
	seq := []any{
		map[string]any{"system": "phone", "value": "555-01", "rank": float64(1)},
		map[string]any{"system": "email", "value": "ann@example.org", "rank": float64(2)},
		map[string]any{"system": "email", "value": "ann@work.org", "period": map[string]any{"end": "2020"}},
		map[string]any{"system": "fax", "active": false},
	}

	filter := func(raw string) []int {
		pred, err := ParsePredicate(raw)
		require.NoError(t, err, raw)
		return pred.Filter(seq)
	}

	require.Equal(t, []int{1, 2}, filter("[system=email]"))
	require.Equal(t, []int{0, 3}, filter("[system!=email]"))
	require.Equal(t, []int{1}, filter("[system=email,rank>=2]"))
	require.Equal(t, []int{1}, filter("[system=email && rank=2]"))
	require.Equal(t, []int{0, 2}, filter("[rank<2 || period.end=2020]"))
	require.Equal(t, []int{2}, filter("[period/end='2020']"))
	require.Equal(t, []int{1, 2}, filter("[value*=ann]"))
	require.Equal(t, []int{0}, filter("[value^='555']"))
	require.Equal(t, []int{2}, filter("[value$=work.org]"))
	require.Equal(t, []int{2, 3}, filter("[!rank]"))
	require.Equal(t, []int{3}, filter("[active=false]"))
	require.Equal(t, []int{1, 2}, filter("[value='ann@example.org' || value=\"ann@work.org\"]"))
	require.Empty(t, filter("[system=sms]"))

	// templates
	{
		pred, err := ParsePredicate("[system=email,rank=3,value=007,active=true,period.end='2021']")
		require.NoError(t, err)
		elem, err := pred.Template()
		require.NoError(t, err)
		require.Equal(t, map[string]any{
			"system": "email",
			"rank":   "3",
			"value":  "007",
			"active": true,
			"period": map[string]any{"end": "2021"},
		}, elem)

		pred, err = ParsePredicate("[system=email||system=fax]")
		require.NoError(t, err)
		_, err = pred.Template()
		require.ErrorIs(t, err, model.ErrInvalidSlicePredicate)

		pred, err = ParsePredicate("[rank>3]")
		require.NoError(t, err)
		_, err = pred.Template()
		require.ErrorIs(t, err, model.ErrInvalidSlicePredicate)
	}

	// malformed
	for _, raw := range []string{"[=x]", "[system]", "[a..b=1]", "[a b=1]", "[,]"} {
		_, err := ParsePredicate(raw)
		require.ErrorIs(t, err, model.ErrInvalidSlicePredicate, raw)
	}
}

// Test resolves ordinary, history, operation and expansion addresses.
func Test_Resolve_Positional(t *testing.T) {
	// ordinary
	{
		addr, err := Resolve("/Patient/P1/name/0/given", WithBaseURL("http://fhir.local/"), WithScope("a"))
		require.NoError(t, err)
		require.Equal(t, "Patient", addr.ResourceType)
		require.Equal(t, "P1", addr.ResourceID)
		require.Equal(t, "/Patient/P1", addr.ResourceLevelPath)
		require.Equal(t, "name/0/given", addr.RelativePath)
		require.Equal(t, "/Patient/P1/name/0/given", addr.AbsolutePath)
		require.Equal(t, "Patient/P1", addr.RequestPath)
		require.Equal(t, "http://fhir.local/Patient/P1", addr.CanonicalURL)
		require.Equal(t, "a", addr.Scope)
		require.Equal(t, model.ResourceKey{Type: "Patient", ID: "P1"}, addr.Key())
		require.True(t, addr.HasResource())
		require.Len(t, addr.Tokens(), 5)
		require.Len(t, addr.ResourceTokens(), 2)
		require.Len(t, addr.RelativeTokens(), 3)
	}

	// history
	{
		addr, err := Resolve("/$history/Patient/P1/3/gender")
		require.NoError(t, err)
		require.True(t, addr.IsHistory())
		require.Equal(t, "3", addr.Version)
		require.Equal(t, "Patient/P1/_history/3", addr.RequestPath)
		require.Equal(t, "/$history/Patient/P1/3", addr.ResourceLevelPath)
		require.Equal(t, "gender", addr.RelativePath)
		require.Equal(t, `W/"3"`, addr.ETag)

		_, err = Resolve("/$history/Patient/P1")
		require.ErrorIs(t, err, model.ErrInvalidPath)

		// request form
		addr, err = Resolve("/Patient/P1/_history/3/gender")
		require.NoError(t, err)
		require.True(t, addr.IsHistory())
		require.Equal(t, model.ResourceKey{Type: "Patient", ID: "P1"}, addr.Key())
		require.Equal(t, "Patient/P1/_history/3", addr.RequestPath)
		require.Equal(t, "/$history/Patient/P1/3", addr.ResourceLevelPath)
		require.Equal(t, "/$history/Patient/P1/3/gender", addr.AbsolutePath)
		require.Equal(t, "gender", addr.RelativePath)
	}

	// operations
	{
		addr, err := Resolve("/Patient/P1/$everything/entry/0")
		require.NoError(t, err)
		require.Equal(t, "$everything", addr.Operation)
		require.Equal(t, "Patient/P1/$everything", addr.RequestPath)
		require.Equal(t, "entry/0", addr.RelativePath)

		addr, err = Resolve("/Patient/$validate")
		require.NoError(t, err)
		require.Equal(t, "", addr.ResourceID)
		require.False(t, addr.HasResource())
		require.Equal(t, "Patient/$validate", addr.RequestPath)

		addr, err = Resolve("/$meta")
		require.NoError(t, err)
		require.Equal(t, "$meta", addr.RequestPath)
	}

	// expansion
	{
		addr, err := Resolve("/$expansion/active-patients/entry")
		require.NoError(t, err)
		require.True(t, addr.IsExpansion())
		require.Equal(t, "active-patients", addr.Expansion)
		require.Equal(t, "entry", addr.RelativePath)
	}

	// type region
	{
		addr, err := Resolve("/Patient")
		require.NoError(t, err)
		require.Equal(t, "Patient", addr.ResourceType)
		require.Equal(t, "Patient", addr.RequestPath)
	}

	// invalid
	{
		_, err := Resolve("/patient/P1")
		require.ErrorIs(t, err, model.ErrInvalidPath)

		_, err = Resolve("/Patient/[id=1]")
		require.ErrorIs(t, err, model.ErrInvalidPath)

		_, err = Resolve("/")
		require.ErrorIs(t, err, model.ErrInvalidPath)
	}
}

// Test resolves relative paths against context chains.
func Test_Resolve_Context(t *testing.T) {
	root := &Context{Path: "/Patient/P1"}
	name := &Context{Path: "name/0", Parent: root}

	addr, err := Resolve("given/0", WithContext(name))
	require.NoError(t, err)
	require.Equal(t, "/Patient/P1/name/0/given/0", addr.AbsolutePath)
	require.Equal(t, "name/0/given/0", addr.RelativePath)

	// absolute paths ignore the context
	addr, err = Resolve("/Encounter/E1", WithContext(name))
	require.NoError(t, err)
	require.Equal(t, "Encounter", addr.ResourceType)

	// no root-anchored context
	{
		_, err := Resolve("given/0")
		require.ErrorIs(t, err, model.ErrUnresolvablePath)

		_, err = Resolve("given/0", WithContext(&Context{Path: "name/0", Parent: &Context{Path: "x"}}))
		require.ErrorIs(t, err, model.ErrUnresolvablePath)
	}
}

// Test derives the resource from a known resource and from the resource found at the path.
func Test_Resolve_Rebase(t *testing.T) {
	encounter := model.Resource{
		"resourceType": "Encounter",
		"id":           "E1",
		"meta":         map[string]any{"versionId": "2"},
		"contained": []any{
			map[string]any{"resourceType": "Patient", "id": "P7", "gender": "male"},
		},
	}

	// known resource
	{
		ctx := &Context{Path: "/Bundle/b1/entry/0/resource"}
		addr, err := Resolve("status", WithContext(ctx), WithResource(encounter))
		require.NoError(t, err)
		require.Equal(t, "/Encounter/E1/status", addr.AbsolutePath)
		require.Equal(t, "Encounter/E1", addr.RequestPath)
		require.Equal(t, `W/"2"`, addr.ETag)
	}

	// unique mode
	{
		src := testSource{
			{Type: "Encounter", ID: "E1"}: encounter,
			{Type: "Patient", ID: "P7"}:   model.Resource{"resourceType": "Patient", "id": "P7", "meta": map[string]any{"versionId": float64(5)}},
		}

		addr, err := Resolve("/Encounter/E1/contained/0/gender", WithUnique(), WithSource(src))
		require.NoError(t, err)
		require.Equal(t, "Encounter", addr.ResourceType, "the shallowest resource wins")
		require.Equal(t, "contained/0/gender", addr.RelativePath)

		addr, err = Resolve("/Patient/P7/gender", WithSource(src))
		require.NoError(t, err)
		require.Equal(t, `W/"5"`, addr.ETag)
	}
}
