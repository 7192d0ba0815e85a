package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityIsDeterministic(t *testing.T) {
	a1 := Identity(t, "alice")
	a2 := Identity(t, "alice")
	b := Identity(t, "bob")

	assert.Equal(t, a1.ID(), a2.ID())
	assert.NotEqual(t, a1.ID(), b.ID())
	assert.Len(t, a1.ID(), 64)
}

func TestIdentities(t *testing.T) {
	ids := Identities(t, "alice", "bob")
	assert.Len(t, ids, 2)
	assert.Equal(t, Identity(t, "bob").ID(), ids[1].ID())
}
