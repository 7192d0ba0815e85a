package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/peerdoc/internal/ir"
)

// Scenario defines a multi-node replication scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists the node names. Each name derives a fixed identity.
	Nodes []string `yaml:"nodes"`

	// Database describes the database every node works on.
	Database DatabaseSpec `yaml:"database"`

	// Steps run in order, each against one node.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// DatabaseSpec describes the manifest the owner publishes.
type DatabaseSpec struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Owner   string   `yaml:"owner"`
	IndexBy string   `yaml:"index_by,omitempty"`
	Admins  []string `yaml:"admins,omitempty"`
	Write   []string `yaml:"write,omitempty"` // node names or "*"
}

// Step is one operation on one node. Exactly one operation field is set.
type Step struct {
	Node string `yaml:"node"`

	Put    map[string]any  `yaml:"put,omitempty"`
	Set    *SetArgs        `yaml:"set,omitempty"`
	Add    any             `yaml:"add,omitempty"`
	Delete string          `yaml:"delete,omitempty"`
	Grant  *CapabilityArgs `yaml:"grant,omitempty"`
	Revoke *CapabilityArgs `yaml:"revoke,omitempty"`
	Sync   string          `yaml:"sync,omitempty"` // node to pull from

	// Forge signs a keyed write without consulting the node's capability
	// view, as a node running modified software would. The entry cites the
	// node's current heads and is offered to peers that sync from it.
	Forge *SetArgs `yaml:"forge,omitempty"`

	// Expect is the expected outcome: "ok" (the default) or an error code.
	Expect string `yaml:"expect,omitempty"`
}

// SetArgs are the arguments of a set step.
type SetArgs struct {
	Key   string `yaml:"key"`
	Value any    `yaml:"value"`
}

// CapabilityArgs are the arguments of grant and revoke steps.
type CapabilityArgs struct {
	Capability string `yaml:"capability"`
	Identity   string `yaml:"identity"` // node name or "*"
}

// Step operations.
const (
	OpPut    = "put"
	OpSet    = "set"
	OpAdd    = "add"
	OpDelete = "delete"
	OpGrant  = "grant"
	OpRevoke = "revoke"
	OpSync   = "sync"
	OpForge  = "forge"
)

// ops returns the operations the step names.
func (s Step) ops() []string {
	var out []string
	if s.Put != nil {
		out = append(out, OpPut)
	}
	if s.Set != nil {
		out = append(out, OpSet)
	}
	if s.Add != nil {
		out = append(out, OpAdd)
	}
	if s.Delete != "" {
		out = append(out, OpDelete)
	}
	if s.Grant != nil {
		out = append(out, OpGrant)
	}
	if s.Revoke != nil {
		out = append(out, OpRevoke)
	}
	if s.Sync != "" {
		out = append(out, OpSync)
	}
	if s.Forge != nil {
		out = append(out, OpForge)
	}
	return out
}

// Op returns the single operation of a validated step.
func (s Step) Op() string {
	if ops := s.ops(); len(ops) == 1 {
		return ops[0]
	}
	return ""
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of value, absent, count, converged, rejected, can.
	Type string `yaml:"type"`

	// Node is the node inspected (all types except converged).
	Node string `yaml:"node,omitempty"`

	// Nodes are compared by converged.
	Nodes []string `yaml:"nodes,omitempty"`

	// Key is the record key (value, absent).
	Key string `yaml:"key,omitempty"`

	// Expect is the expected value (value) or whether the capability is
	// held (can, defaults to true).
	Expect any `yaml:"expect,omitempty"`

	// Count is the expected number of records (count) or rejections
	// (rejected).
	Count int `yaml:"count,omitempty"`

	// Code filters rejections by error code (rejected).
	Code string `yaml:"code,omitempty"`

	// Capability and Identity name the capability checked (can).
	Capability string `yaml:"capability,omitempty"`
	Identity   string `yaml:"identity,omitempty"`
}

// Assertion type constants.
const (
	AssertValue     = "value"
	AssertAbsent    = "absent"
	AssertCount     = "count"
	AssertConverged = "converged"
	AssertRejected  = "rejected"
	AssertCan       = "can"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		if n == "" || n == ir.Wildcard {
			return fmt.Errorf("nodes[%d]: invalid name %q", i, n)
		}
		if seen[n] {
			return fmt.Errorf("nodes[%d]: duplicate name %q", i, n)
		}
		seen[n] = true
	}
	node := func(field, name string) error {
		if !seen[name] {
			return fmt.Errorf("%s: unknown node %q", field, name)
		}
		return nil
	}
	identity := func(field, name string) error {
		if name == ir.Wildcard {
			return nil
		}
		return node(field, name)
	}

	db := s.Database
	if db.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	switch ir.DatabaseType(db.Type) {
	case ir.TypeDocuments, ir.TypeKeyValue, ir.TypeEvents:
	default:
		return fmt.Errorf("database.type: unknown type %q", db.Type)
	}
	if err := node("database.owner", db.Owner); err != nil {
		return err
	}
	for i, n := range db.Admins {
		if err := node(fmt.Sprintf("database.admins[%d]", i), n); err != nil {
			return err
		}
	}
	for i, n := range db.Write {
		if err := identity(fmt.Sprintf("database.write[%d]", i), n); err != nil {
			return err
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := node(fmt.Sprintf("steps[%d].node", i), step.Node); err != nil {
			return err
		}
		ops := step.ops()
		if len(ops) != 1 {
			return fmt.Errorf("steps[%d]: exactly one operation is required, got %d", i, len(ops))
		}
		switch ops[0] {
		case OpSet:
			if step.Set.Key == "" {
				return fmt.Errorf("steps[%d].set: key is required", i)
			}
		case OpForge:
			if step.Forge.Key == "" {
				return fmt.Errorf("steps[%d].forge: key is required", i)
			}
		case OpGrant, OpRevoke:
			args := step.Grant
			if args == nil {
				args = step.Revoke
			}
			if args.Capability == "" {
				return fmt.Errorf("steps[%d].%s: capability is required", i, ops[0])
			}
			if err := identity(fmt.Sprintf("steps[%d].%s.identity", i, ops[0]), args.Identity); err != nil {
				return err
			}
		case OpSync:
			if err := node(fmt.Sprintf("steps[%d].sync", i), step.Sync); err != nil {
				return err
			}
			if step.Sync == step.Node {
				return fmt.Errorf("steps[%d].sync: node cannot sync with itself", i)
			}
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, node); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, node func(field, name string) error) error {
	field := func(name string) string { return fmt.Sprintf("assertions[%d].%s", index, name) }
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	if a.Type == AssertConverged {
		if len(a.Nodes) < 2 {
			return fmt.Errorf("assertions[%d]: converged needs at least two nodes", index)
		}
		for j, n := range a.Nodes {
			if err := node(field(fmt.Sprintf("nodes[%d]", j)), n); err != nil {
				return err
			}
		}
		return nil
	}

	if err := node(field("node"), a.Node); err != nil {
		return err
	}
	switch a.Type {
	case AssertValue:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for value", index)
		}
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for value", index)
		}
	case AssertAbsent:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for absent", index)
		}
	case AssertCount, AssertRejected:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertCan:
		if a.Capability == "" || a.Identity == "" {
			return fmt.Errorf("assertions[%d]: capability and identity are required for can", index)
		}
		if a.Identity != ir.Wildcard {
			if err := node(field("identity"), a.Identity); err != nil {
				return err
			}
		}
		if a.Expect != nil {
			if _, ok := a.Expect.(bool); !ok {
				return fmt.Errorf("assertions[%d]: expect must be a boolean for can", index)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
