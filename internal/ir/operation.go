package ir

import "fmt"

// OpKind names an operation on the wire.
type OpKind string

const (
	OpPut    OpKind = "PUT"
	OpDelete OpKind = "DEL"
	OpAdd    OpKind = "ADD"
	OpGrant  OpKind = "GRANT"
	OpRevoke OpKind = "REVOKE"
)

// Operation is the payload of a log entry.
//
// This is a sealed interface; the concrete variants are Put, Delete, Add,
// Grant and Revoke. Consumers dispatch with an exhaustive type switch.
type Operation interface {
	Kind() OpKind
	operation()
}

// Put sets Key to Value.
type Put struct {
	Key   string
	Value IRValue
}

// Delete removes Key.
type Delete struct {
	Key string
}

// Add appends Value to an events log. It has no key.
type Add struct {
	Value IRValue
}

// Grant gives Identity the named capability.
type Grant struct {
	Capability string
	Identity   string
}

// Revoke withdraws the named capability from Identity.
type Revoke struct {
	Capability string
	Identity   string
}

func (Put) Kind() OpKind    { return OpPut }
func (Delete) Kind() OpKind { return OpDelete }
func (Add) Kind() OpKind    { return OpAdd }
func (Grant) Kind() OpKind  { return OpGrant }
func (Revoke) Kind() OpKind { return OpRevoke }

func (Put) operation()    {}
func (Delete) operation() {}
func (Add) operation()    {}
func (Grant) operation()  {}
func (Revoke) operation() {}

// KeyOf returns the key an operation touches, if any.
// Grant and Revoke touch the (capability, identity) pair.
func KeyOf(op Operation) (string, bool) {
	switch o := op.(type) {
	case Put:
		return o.Key, true
	case Delete:
		return o.Key, true
	case Grant:
		return PairKey(o.Capability, o.Identity), true
	case Revoke:
		return PairKey(o.Capability, o.Identity), true
	default:
		return "", false
	}
}

// PairKey joins a capability and identity into a single index key.
func PairKey(capability, identity string) string {
	return capability + "\x00" + identity
}

// EncodeOperation converts an operation into its wire object.
func EncodeOperation(op Operation) (IRObject, error) {
	switch o := op.(type) {
	case Put:
		if o.Value == nil {
			return nil, fmt.Errorf("put %q: value is required", o.Key)
		}
		return IRObject{"op": IRString(OpPut), "key": IRString(o.Key), "value": o.Value}, nil
	case Delete:
		return IRObject{"op": IRString(OpDelete), "key": IRString(o.Key)}, nil
	case Add:
		if o.Value == nil {
			return nil, fmt.Errorf("add: value is required")
		}
		return IRObject{"op": IRString(OpAdd), "value": o.Value}, nil
	case Grant:
		return IRObject{"op": IRString(OpGrant), "capability": IRString(o.Capability), "identity": IRString(o.Identity)}, nil
	case Revoke:
		return IRObject{"op": IRString(OpRevoke), "capability": IRString(o.Capability), "identity": IRString(o.Identity)}, nil
	case nil:
		return nil, fmt.Errorf("operation is required")
	default:
		return nil, fmt.Errorf("unknown operation type %T", op)
	}
}

// DecodeOperation parses a wire object into an operation.
// Unknown op names and missing or mistyped fields are errors.
func DecodeOperation(obj IRObject) (Operation, error) {
	kind, err := stringField(obj, "op")
	if err != nil {
		return nil, err
	}
	switch OpKind(kind) {
	case OpPut:
		key, err := stringField(obj, "key")
		if err != nil {
			return nil, err
		}
		val, ok := obj["value"]
		if !ok {
			return nil, fmt.Errorf("put: missing value")
		}
		if err := expectFields(obj, "op", "key", "value"); err != nil {
			return nil, err
		}
		return Put{Key: key, Value: val}, nil
	case OpDelete:
		key, err := stringField(obj, "key")
		if err != nil {
			return nil, err
		}
		if err := expectFields(obj, "op", "key"); err != nil {
			return nil, err
		}
		return Delete{Key: key}, nil
	case OpAdd:
		val, ok := obj["value"]
		if !ok {
			return nil, fmt.Errorf("add: missing value")
		}
		if err := expectFields(obj, "op", "value"); err != nil {
			return nil, err
		}
		return Add{Value: val}, nil
	case OpGrant, OpRevoke:
		capability, err := stringField(obj, "capability")
		if err != nil {
			return nil, err
		}
		identity, err := stringField(obj, "identity")
		if err != nil {
			return nil, err
		}
		if err := expectFields(obj, "op", "capability", "identity"); err != nil {
			return nil, err
		}
		if OpKind(kind) == OpGrant {
			return Grant{Capability: capability, Identity: identity}, nil
		}
		return Revoke{Capability: capability, Identity: identity}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", kind)
	}
}

func stringField(obj IRObject, name string) (string, error) {
	v, ok := obj[name]
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	s, ok := v.(IRString)
	if !ok {
		return "", fmt.Errorf("field %q must be a string, got %T", name, v)
	}
	return string(s), nil
}

// expectFields rejects objects carrying fields outside the allowed set, so
// that two encodings of one operation cannot hash differently.
func expectFields(obj IRObject, allowed ...string) error {
	if len(obj) == len(allowed) {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	for k := range obj {
		if !set[k] {
			return fmt.Errorf("unexpected field %q", k)
		}
	}
	return nil
}
