package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestHashIsStable(t *testing.T) {
	m1 := &Manifest{Name: "movies", Type: TypeDocuments, Access: AccessSpec{Admins: []string{"b", "a"}, Write: []string{"a"}}}
	m2 := &Manifest{Name: "movies", Type: TypeDocuments, Access: AccessSpec{Admins: []string{"a", "b", "a"}, Write: []string{"a"}}}
	m1.Normalize()
	m2.Normalize()
	require.NoError(t, m1.Validate())

	h1, err := m1.Hash()
	require.NoError(t, err)
	h2, err := m2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, DefaultIndexBy, m1.IndexBy)

	m3 := *m1
	m3.Name = "shows"
	h3, err := m3.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestDecodeManifestRoundTrip(t *testing.T) {
	m := &Manifest{Name: "hello", Type: TypeEvents, Access: AccessSpec{Admins: []string{"a"}, Write: []string{Wildcard}}}
	m.Normalize()
	block, err := m.Block()
	require.NoError(t, err)

	back, err := DecodeManifest(block)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name string
		m    Manifest
	}{
		{"no name", Manifest{Type: TypeEvents, Access: AccessSpec{Admins: []string{"a"}}}},
		{"slash name", Manifest{Name: "/x", Type: TypeEvents, Access: AccessSpec{Admins: []string{"a"}}}},
		{"unknown type", Manifest{Name: "x", Type: "graph", Access: AccessSpec{Admins: []string{"a"}}}},
		{"events with index", Manifest{Name: "x", Type: TypeEvents, IndexBy: "_id", Access: AccessSpec{Admins: []string{"a"}}}},
		{"documents without index", Manifest{Name: "x", Type: TypeDocuments, Access: AccessSpec{Admins: []string{"a"}}}},
		{"no admins", Manifest{Name: "x", Type: TypeKeyValue}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.m.Validate())
		})
	}
}

func TestParseAddress(t *testing.T) {
	h := ManifestHash([]byte("x"))

	a, err := ParseAddress("/peerdoc/" + h)
	require.NoError(t, err)
	assert.Equal(t, h, a.Hash)
	assert.Equal(t, "/peerdoc/"+h, a.String())
	assert.Equal(t, "/peerdoc/"+h+"/_access", a.AccessLogID())

	a, err = ParseAddress(h)
	require.NoError(t, err)
	assert.Equal(t, h, a.Hash)

	_, err = ParseAddress("movies")
	require.Error(t, err)
	assert.False(t, IsAddress("/orbitdb/"+h))
	assert.True(t, Address{}.IsZero())
}

func TestContainsID(t *testing.T) {
	assert.True(t, ContainsID([]string{"a"}, "a"))
	assert.False(t, ContainsID([]string{"a"}, "b"))
	assert.True(t, ContainsID([]string{Wildcard}, "b"))
}
