package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() *Entry {
	return &Entry{
		LogID:     "/peerdoc/" + BlockHash([]byte("manifest")),
		Op:        Put{Key: "tt1", Value: IRObject{"_id": IRString("tt1"), "title": IRString("X")}},
		Signer:    "signer-a",
		Signature: "sig",
		Parents:   []string{BlockHash([]byte("p1")), BlockHash([]byte("p2"))},
		Clock:     3,
	}
}

func TestEntryBlockRoundTrip(t *testing.T) {
	e := sampleEntry()
	require.NoError(t, e.Seal())

	block, err := e.Block()
	require.NoError(t, err)

	decoded, err := DecodeEntry(block)
	require.NoError(t, err)
	assert.Equal(t, e.Hash, decoded.Hash)
	assert.Equal(t, e.LogID, decoded.LogID)
	assert.Equal(t, e.Signer, decoded.Signer)
	assert.Equal(t, e.Parents, decoded.Parents)
	assert.Equal(t, e.Clock, decoded.Clock)
	assert.True(t, Equal(e.Op.(Put).Value, decoded.Op.(Put).Value))
}

func TestEntryHashDeterminism(t *testing.T) {
	a, b := sampleEntry(), sampleEntry()
	require.NoError(t, a.Seal())
	require.NoError(t, b.Seal())
	assert.Equal(t, a.Hash, b.Hash)

	c := sampleEntry()
	c.Clock = 4
	require.NoError(t, c.Seal())
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestSigningBytesExcludeSignature(t *testing.T) {
	a, b := sampleEntry(), sampleEntry()
	b.Signature = "other"

	sa, err := a.SigningBytes()
	require.NoError(t, err)
	sb, err := b.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
	assert.NotContains(t, string(sa), "signature")
}

func TestSealRequiresSignature(t *testing.T) {
	e := sampleEntry()
	e.Signature = ""
	require.Error(t, e.Seal())
}

func TestDecodeEntryRejectsNonCanonical(t *testing.T) {
	e := sampleEntry()
	block, err := e.Block()
	require.NoError(t, err)

	spaced := append([]byte(" "), block...)
	_, err = DecodeEntry(spaced)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not canonical")
}

func TestDecodeEntryRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		block string
	}{
		{"not json", `{`},
		{"not object", `[]`},
		{"wrong version", `{"v":2}`},
		{"unknown op", `{"clock":1,"log_id":"l","op":{"op":"NOPE"},"parents":[],"signature":"s","signer":"a","v":1}`},
		{"parent not string", `{"clock":1,"log_id":"l","op":{"key":"k","op":"DEL"},"parents":[1],"signature":"s","signer":"a","v":1}`},
		{"extra field", `{"clock":1,"extra":true,"log_id":"l","op":{"key":"k","op":"DEL"},"parents":[],"signature":"s","signer":"a","v":1}`},
		{"float clock", `{"clock":1.5,"log_id":"l","op":{"key":"k","op":"DEL"},"parents":[],"signature":"s","signer":"a","v":1}`},
		{"refs not array", `{"clock":1,"log_id":"l","op":{"key":"k","op":"DEL"},"parents":[],"refs":"r","signature":"s","signer":"a","v":1}`},
		{"empty refs", `{"clock":1,"log_id":"l","op":{"key":"k","op":"DEL"},"parents":[],"refs":[],"signature":"s","signer":"a","v":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEntry([]byte(tt.block))
			require.Error(t, err)
		})
	}
}

func TestDecodeEntryMinimal(t *testing.T) {
	block := `{"clock":1,"log_id":"l","op":{"key":"k","op":"DEL"},"parents":[],"signature":"s","signer":"a","v":1}`
	e, err := DecodeEntry([]byte(block))
	require.NoError(t, err)
	assert.Equal(t, Delete{Key: "k"}, e.Op)
	assert.Equal(t, BlockHash([]byte(block)), e.Hash)
	assert.Empty(t, e.Parents)
}

func TestEntryRefsAreSigned(t *testing.T) {
	plain := sampleEntry()
	require.NoError(t, plain.Seal())
	block, err := plain.Block()
	require.NoError(t, err)
	assert.NotContains(t, string(block), "refs")

	ref := BlockHash([]byte("grant"))
	withRefs := sampleEntry()
	withRefs.Refs = []string{ref}
	require.NoError(t, withRefs.Seal())
	assert.NotEqual(t, plain.Hash, withRefs.Hash)

	signing, err := withRefs.SigningBytes()
	require.NoError(t, err)
	assert.Contains(t, string(signing), ref)

	block, err = withRefs.Block()
	require.NoError(t, err)
	decoded, err := DecodeEntry(block)
	require.NoError(t, err)
	assert.Equal(t, []string{ref}, decoded.Refs)
	assert.Equal(t, withRefs.Hash, decoded.Hash)
}

func TestNormalizeParents(t *testing.T) {
	in := []string{"c", "a", "c", "b"}
	assert.Equal(t, []string{"a", "b", "c"}, NormalizeParents(in))
	assert.Equal(t, []string{"c", "a", "c", "b"}, in)
	assert.Empty(t, NormalizeParents(nil))
}

func TestCompareCausal(t *testing.T) {
	a := &Entry{Clock: 1, Hash: "b"}
	b := &Entry{Clock: 2, Hash: "a"}
	c := &Entry{Clock: 2, Hash: "c"}

	assert.Equal(t, -1, CompareCausal(a, b))
	assert.Equal(t, -1, CompareCausal(b, c))
	assert.Equal(t, 1, CompareCausal(c, a))
	assert.Equal(t, 0, CompareCausal(c, c))
}
