package ir

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nan() float64 { return math.NaN() }
func inf() float64 { return math.Inf(1) }

func TestIRValueSealed(t *testing.T) {
	var _ IRValue = IRNull{}
	var _ IRValue = IRString("test")
	var _ IRValue = IRInt(42)
	var _ IRValue = IRFloat(4.2)
	var _ IRValue = IRBool(true)
	var _ IRValue = IRArray{IRString("a"), IRInt(1)}
	var _ IRValue = IRObject{"key": IRString("value")}
}

func TestSortedKeysUTF16Order(t *testing.T) {
	obj := IRObject{"a": IRInt(1), "A": IRInt(2), "aa": IRInt(3), "Aa": IRInt(4), "_id": IRInt(5)}
	assert.Equal(t, []string{"A", "Aa", "_id", "a", "aa"}, obj.SortedKeys())
}

func TestCompareKeysRFC8785(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"same", "same", 0},
		{"ab", "abc", -1},
		{"\U00010000", "\uE000", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareKeysRFC8785(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestUnmarshalIRValueNumbers(t *testing.T) {
	tests := []struct {
		input string
		want  IRValue
	}{
		{"42", IRInt(42)},
		{"-7", IRInt(-7)},
		{"7.0", IRInt(7)},
		{"7.25", IRFloat(7.25)},
		{"1e3", IRInt(1000)},
		{"9223372036854775807", IRInt(math.MaxInt64)},
		{"null", IRNull{}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := UnmarshalIRValue([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalIRValueDocument(t *testing.T) {
	got, err := UnmarshalIRValue([]byte(`{"_id":"tt1","title":"X","tags":["a",null],"rating":8.5}`))
	require.NoError(t, err)

	want := NewIRObjectFromPairs(
		O("_id", IRString("tt1")),
		O("title", IRString("X")),
		O("tags", IRArray{IRString("a"), IRNull{}}),
		O("rating", IRFloat(8.5)),
	)
	assert.Equal(t, want, got)
}

func TestUnmarshalIRValueRejectsTrailingData(t *testing.T) {
	_, err := UnmarshalIRValue([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestIRObjectJSONRoundTrip(t *testing.T) {
	var obj IRObject
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":{"c":true,"b":"x"}}`), &obj))

	out, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":"x","c":true},"z":1}`, string(out))

	var arr IRArray
	require.Error(t, json.Unmarshal([]byte(`{"not":"array"}`), &arr))
}

func TestLookup(t *testing.T) {
	doc := IRObject{
		"_id":   IRString("tt1"),
		"title": IRObject{"en": IRString("The Matrix")},
	}

	v, ok := doc.Lookup("title.en")
	require.True(t, ok)
	assert.Equal(t, IRString("The Matrix"), v)

	_, ok = doc.Lookup("title.fr")
	assert.False(t, ok)
	_, ok = doc.Lookup("_id.x")
	assert.False(t, ok)
}

func TestFromAnyAndToAny(t *testing.T) {
	in := map[string]any{"n": 3, "f": 2.5, "s": "x", "b": true, "nil": nil, "list": []any{"a"}}
	v, err := FromAny(in)
	require.NoError(t, err)

	back := ToAny(v).(map[string]any)
	assert.Equal(t, int64(3), back["n"])
	assert.Equal(t, 2.5, back["f"])
	assert.Nil(t, back["nil"])
	assert.Equal(t, []any{"a"}, back["list"])

	_, err = FromAny(make(chan int))
	require.Error(t, err)
	_, err = FromAny(nan())
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(IRObject{"a": IRInt(1), "b": IRFloat(0.5)}, IRObject{"b": IRFloat(0.5), "a": IRInt(1)}))
	assert.False(t, Equal(IRString("1"), IRInt(1)))
	assert.False(t, Equal(IRFloat(nan()), IRFloat(nan())))
}
