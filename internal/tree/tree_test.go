package tree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsKeyOrder(t *testing.T) {
	v, err := ParseString(`{"zeta": 1, "alpha": [true, null, "x"], "mid": {"b": 2, "a": 1.50}}`)
	require.NoError(t, err)

	m, ok := v.AsMap()
	require.True(t, ok)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, m.Keys())
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.SortedKeys())

	mid, _ := m.Get("mid")
	inner, _ := mid.AsMap()
	assert.Equal(t, []string{"b", "a"}, inner.Keys())

	out, err := Marshal(v, Compact)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":[true,null,"x"],"mid":{"b":2,"a":1.50}}`, string(out))
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := ParseString(`{"a":1} {"b":2}`)
	require.Error(t, err)

	_, err = ParseString(`{"a":`)
	require.Error(t, err)
}

func TestMarshalStyles(t *testing.T) {
	v := List(String("dimension"), List(String("field"), Int(42), Null()))

	compact, err := Marshal(v, Compact)
	require.NoError(t, err)
	assert.Equal(t, `["dimension",["field",42,null]]`, string(compact))

	spaced, err := Marshal(v, Spaced)
	require.NoError(t, err)
	assert.Equal(t, `["dimension", ["field", 42, null]]`, string(spaced))

	m := FromMap(MapOf(Member{"a", Int(1)}, Member{"b", List()}))
	indented, err := Marshal(m, Indented)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": []\n}\n", string(indented))

	spacedMap, err := Marshal(m, Spaced)
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1, "b": []}`, string(spacedMap))
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	out, err := Marshal(String("<a & b>"), Compact)
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(out))
}

func TestMapSetDeleteKeepPositions(t *testing.T) {
	m := NewMap()
	m.Set("a", Int(1))
	m.Set("b", Int(2))
	m.Set("c", Int(3))
	m.Set("a", Int(10))
	assert.Equal(t, []string{"a", "b", "c"}, m.Keys())

	assert.True(t, m.Delete("b"))
	assert.False(t, m.Delete("b"))
	assert.Equal(t, []string{"a", "c"}, m.Keys())

	c, ok := m.Get("c")
	require.True(t, ok)
	i, _ := c.AsInt()
	assert.EqualValues(t, 3, i)
}

func TestEqualIsOrderSensitive(t *testing.T) {
	a := FromMap(MapOf(Member{"x", Int(1)}, Member{"y", Int(2)}))
	b := FromMap(MapOf(Member{"y", Int(2)}, Member{"x", Int(1)}))
	assert.False(t, Equal(a, b))
	assert.True(t, Equal(a, a.Clone()))
}

func TestCloneIsDeep(t *testing.T) {
	orig, err := ParseString(`{"a":{"b":[1,2]}}`)
	require.NoError(t, err)
	cp := orig.Clone()

	m, _ := cp.AsMap()
	inner, _ := m.Get("a")
	im, _ := inner.AsMap()
	im.Set("c", Bool(true))

	assert.Equal(t, `{"a":{"b":[1,2]}}`, orig.String())
	assert.Equal(t, `{"a":{"b":[1,2],"c":true}}`, cp.String())
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"null", Null(), false},
		{"zero", Int(0), false},
		{"zero float", Number("0.0"), false},
		{"number", Int(7), true},
		{"empty string", String(""), false},
		{"string", String("x"), true},
		{"false", Bool(false), false},
		{"empty list", List(), false},
		{"empty map", FromMap(nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Truthy())
		})
	}
}

func TestAsInt(t *testing.T) {
	i, ok := Int(99999).AsInt()
	assert.True(t, ok)
	assert.EqualValues(t, 99999, i)

	_, ok = Number("1.5").AsInt()
	assert.False(t, ok)

	_, ok = String("12").AsInt()
	assert.False(t, ok)
}

func TestAnyConversions(t *testing.T) {
	var raw any
	require.NoError(t, json.Unmarshal([]byte(`{"b":[1,"x",null],"a":true}`), &raw))

	v, err := FromAny(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":true,"b":[1,"x",null]}`, v.String())

	back := v.ToAny().(map[string]any)
	assert.Equal(t, true, back["a"])
	assert.Equal(t, json.Number("1"), back["b"].([]any)[0])

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}

func TestValueJSONInterfaces(t *testing.T) {
	type doc struct {
		Body Value `json:"body"`
	}
	var d doc
	require.NoError(t, json.Unmarshal([]byte(`{"body":{"z":1,"a":2}}`), &d))
	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":{"z":1,"a":2}}`, string(out))
	assert.Equal(t, `{"z":1,"a":2}`, d.Body.String())
}
