package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/revoke_not_retroactive.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a := Snapshot{ScenarioName: s.Name, Trace: first.Trace, State: first.State}
	b := Snapshot{ScenarioName: s.Name, Trace: second.Trace, State: second.State}
	ja, err := a.Marshal()
	require.NoError(t, err)
	jb, err := b.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
}

const kvScenario = `
name: kv
description: "keyvalue basics"
nodes: [alice, bob]
database: { name: kv, type: keyvalue, owner: alice }
steps:
  - node: alice
    set: { key: a, value: 1 }
  - node: bob
    set: { key: b, value: 2 }
    expect: PERMISSION_DENIED
  - node: alice
    put: { _id: x }
    expect: WRONG_TYPE
`

func TestUnexpectedOutcomeFails(t *testing.T) {
	s, err := ParseScenario([]byte(kvScenario + `
  - node: alice
    delete: a
    expect: NOT_FOUND
assertions:
  - { type: count, node: alice, count: 0 }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[3]: delete on alice: expected NOT_FOUND, got ok")

	require.Len(t, result.Trace, 4)
	assert.Equal(t, "PERMISSION_DENIED", result.Trace[1].Outcome)
	assert.Equal(t, OutcomeWrong, result.Trace[2].Outcome)
}

func TestFailedAssertions(t *testing.T) {
	s, err := ParseScenario([]byte(kvScenario + `
assertions:
  - { type: value, node: alice, key: a, expect: 2 }
  - { type: absent, node: alice, key: a }
  - { type: count, node: alice, count: 3 }
  - { type: converged, nodes: [alice, bob] }
  - { type: rejected, node: bob, count: 1 }
  - { type: can, node: bob, capability: write, identity: bob }
  - { type: value, node: alice, key: a, expect: 1 }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[0], "a = 2")
	assert.Contains(t, result.Errors[1], "a absent")
	assert.Contains(t, result.Errors[2], "3 records")
	assert.Contains(t, result.Errors[3], "converged on bob")
	assert.Contains(t, result.Errors[4], "1 rejections")
	assert.Contains(t, result.Errors[5], "can(write, bob) = true")
}

func TestStateUsesNodeNames(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wildcard
description: "anyone may write"
nodes: [alice, bob]
database: { name: open, type: events, owner: alice, write: ["*"] }
steps:
  - node: bob
    add: hello
  - node: alice
    sync: bob
assertions:
  - { type: count, node: alice, count: 1 }
  - { type: can, node: alice, capability: write, identity: "*" }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	alice := result.State["alice"].(map[string]any)
	caps := alice["caps"].(map[string]any)
	assert.Equal(t, []any{"*", "alice"}, caps["write"])
	assert.Equal(t, []any{"alice"}, caps["admin"])
	assert.Equal(t, 1, alice["size"])
}
