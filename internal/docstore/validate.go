package docstore

import (
	"fmt"

	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/oplog"
)

// recordValidator returns the record rules of the manifest's database type.
// They are the same on every replica; value schemas are a local write
// concern and live in Database.Put.
func recordValidator(m *ir.Manifest) oplog.Validator {
	return func(op ir.Operation) error {
		return checkShape(m, op)
	}
}

func checkShape(m *ir.Manifest, op ir.Operation) error {
	switch m.Type {
	case ir.TypeEvents:
		o, ok := op.(ir.Add)
		if !ok {
			return fmt.Errorf("%s database accepts only %s, got %s", m.Type, ir.OpAdd, kindOf(op))
		}
		if o.Value == nil {
			return fmt.Errorf("add: value is required")
		}
		return nil
	case ir.TypeDocuments:
		switch o := op.(type) {
		case ir.Put:
			key, err := documentKey(m.IndexBy, o.Value)
			if err != nil {
				return err
			}
			if key != o.Key {
				return fmt.Errorf("put: key %q does not match %s %q", o.Key, m.IndexBy, key)
			}
			return nil
		case ir.Delete:
			return checkKey(o.Key)
		}
	case ir.TypeKeyValue:
		switch o := op.(type) {
		case ir.Put:
			if o.Value == nil {
				return fmt.Errorf("put: value is required")
			}
			return checkKey(o.Key)
		case ir.Delete:
			return checkKey(o.Key)
		}
	default:
		return fmt.Errorf("unknown database type %q", m.Type)
	}
	return fmt.Errorf("%s database does not accept %s", m.Type, kindOf(op))
}

// documentKey extracts the primary key field of a document.
func documentKey(indexBy string, doc ir.IRValue) (string, error) {
	obj, ok := doc.(ir.IRObject)
	if !ok {
		return "", fmt.Errorf("document must be a JSON object")
	}
	v, ok := obj[indexBy]
	if !ok {
		return "", fmt.Errorf("document is missing key field %q", indexBy)
	}
	s, ok := v.(ir.IRString)
	if !ok {
		return "", fmt.Errorf("document key field %q must be a string", indexBy)
	}
	if err := checkKey(string(s)); err != nil {
		return "", err
	}
	return string(s), nil
}

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	return nil
}

func kindOf(op ir.Operation) string {
	if op == nil {
		return "nothing"
	}
	return string(op.Kind())
}
