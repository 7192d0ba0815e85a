package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/peerdoc/internal/ir"
)

// Snapshot is the golden form of a scenario run. It carries no hashes or
// identities, only node names, so it reads the same on every machine.
type Snapshot struct {
	ScenarioName string         `json:"scenario_name"`
	Trace        []TraceEvent   `json:"trace"`
	State        map[string]any `json:"state"`
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":     event.Seq,
			"node":    event.Node,
			"op":      event.Op,
			"outcome": event.Outcome,
		}
		if event.Key != "" {
			eventMap["key"] = event.Key
		}
		if event.Capability != "" {
			eventMap["capability"] = event.Capability
			eventMap["identity"] = event.Identity
		}
		if event.Op == OpSync {
			eventMap["from"] = event.From
			eventMap["accepted"] = event.Accepted
		}
		if len(event.Rejected) > 0 {
			eventMap["rejected"] = toList(event.Rejected)
		}
		traceList[i] = eventMap
	}

	state := s.State
	if state == nil {
		state = map[string]any{}
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"state":         state,
	}
}

// Marshal returns the canonical JSON of the snapshot.
func (s *Snapshot) Marshal() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace and final state
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := Snapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		State:        result.State,
	}
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
