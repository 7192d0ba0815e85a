package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalScalars(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"int", IRInt(1999), "1999"},
		{"min int64", IRInt(-9223372036854775808), "-9223372036854775808"},
		{"bool", IRBool(false), "false"},
		{"null", IRNull{}, "null"},
		{"nil", nil, "null"},
		{"float", IRFloat(7.5), "7.5"},
		{"integral float64 collapses to int", float64(7), "7"},
		{"small float uses exponent", IRFloat(1e-7), "1e-7"},
		{"large float uses exponent", IRFloat(1e21), "1e+21"},
		{"plain go string slice", []string{"b", "a"}, `["b","a"]`},
		{"go map", map[string]any{"year": int64(1999), "_id": "tt1"}, `{"_id":"tt1","year":1999}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	for _, f := range []float64{nan(), inf()} {
		_, err := MarshalCanonical(IRFloat(f))
		require.Error(t, err)
		_, err = MarshalCanonical(f)
		require.Error(t, err)
	}
}

func TestMarshalCanonicalKeyOrder(t *testing.T) {
	doc := IRObject{
		"title": IRString("The Matrix"),
		"_id":   IRString("tt0133093"),
		"cast":  IRObject{"neo": IRString("Keanu"), "morpheus": IRString("Laurence")},
	}
	got, err := MarshalCanonical(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"_id":"tt0133093","cast":{"morpheus":"Laurence","neo":"Keanu"},"title":"The Matrix"}`, string(got))

	// U+10000 encodes as a surrogate pair (0xD800...) and sorts before U+E000.
	got, err = MarshalCanonical(IRObject{"\uE000": IRInt(1), "\U00010000": IRInt(2)})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(got))
}

func TestMarshalCanonicalStrings(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"html is not escaped", "<b>Tom & Jerry</b>", `"<b>Tom & Jerry</b>"`},
		{"newline", "a\nb", `"a\nb"`},
		{"quote", `a"b`, `"a\"b"`},
		{"line separator literal", "a\u2028b\u2029c", "\"a\u2028b\u2029c\""},
		{"escaped backslash before u2028 text", `see \u2028`, `"see \\u2028"`},
		{"mixed", "lit \\u2029 real \u2029", "\"lit \\\\u2029 real \u2029\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(IRString(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalCanonicalNFC(t *testing.T) {
	composed, err := MarshalCanonical(IRObject{"caf\u00e9": IRString("caf\u00e9")})
	require.NoError(t, err)
	decomposed, err := MarshalCanonical(IRObject{"cafe\u0301": IRString("cafe\u0301")})
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalUnsupportedType(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func FuzzMarshalCanonicalIdempotent(f *testing.F) {
	f.Add(`{"_id":"tt1","title":"X"}`)
	f.Add(`[1,2.5,null,true]`)
	f.Add(`"cafe\u0301"`)
	f.Add(`1e-7`)

	f.Fuzz(func(t *testing.T, input string) {
		v, err := UnmarshalIRValue([]byte(input))
		if err != nil {
			return
		}
		first, err := MarshalCanonical(v)
		if err != nil {
			return
		}
		again, err := UnmarshalIRValue(first)
		if err != nil {
			t.Fatalf("canonical output does not parse: %v", err)
		}
		second, err := MarshalCanonical(again)
		if err != nil {
			t.Fatalf("re-marshal: %v", err)
		}
		if string(first) != string(second) {
			t.Fatalf("not idempotent:\n%s\n%s", first, second)
		}
	})
}
