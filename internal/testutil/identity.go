// Package testutil provides deterministic fixtures for tests.
//
// Identities derive from fixed seeds so entry hashes, and therefore
// lowest-hash tie-breaks, are stable from run to run.
package testutil

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/peerdoc/internal/identity"
)

// Identity returns the keypair derived from name. The same name always
// yields the same keypair.
func Identity(t testing.TB, name string) *identity.Keypair {
	t.Helper()
	kp, err := Keypair(name)
	require.NoError(t, err)
	return kp
}

// Keypair derives the keypair for name outside of a test.
func Keypair(name string) (*identity.Keypair, error) {
	seed := sha256.Sum256([]byte("peerdoc-test/" + name))
	return identity.FromSeed(seed[:])
}

// Identities returns keypairs for each name, in order.
func Identities(t testing.TB, names ...string) []*identity.Keypair {
	t.Helper()
	out := make([]*identity.Keypair, len(names))
	for i, name := range names {
		out[i] = Identity(t, name)
	}
	return out
}
