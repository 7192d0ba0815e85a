package ir

import (
	"bytes"
	"fmt"
	"slices"
)

// EntryVersion is the block format version written into every entry.
const EntryVersion = 1

// Entry is one signed, content-addressed node of an operation log DAG.
//
// Hash is derived from the block encoding of every other field, so an Entry
// is immutable once sealed. Parents are the heads the author knew at
// creation time, sorted and unique. Clock is a Lamport counter
// (1 + max parent clock); it orders entries causally and is never wall time.
//
// Refs are the heads of the access sub-log the author had applied, sorted and
// unique. They are signed like every other field and fix the capability state
// the entry is judged against. Access sub-log entries carry none.
type Entry struct {
	Hash      string    `json:"hash"`
	LogID     string    `json:"log_id"`
	Op        Operation `json:"-"`
	Signer    string    `json:"signer"`
	Signature string    `json:"signature"`
	Parents   []string  `json:"parents"`
	Refs      []string  `json:"refs,omitempty"`
	Clock     int64     `json:"clock"`
}

// SigningBytes returns the domain-prefixed canonical bytes the author signs.
func (e *Entry) SigningBytes() ([]byte, error) {
	body, err := e.body(false)
	if err != nil {
		return nil, err
	}
	canonical, err := MarshalCanonical(body)
	if err != nil {
		return nil, fmt.Errorf("entry signing bytes: %w", err)
	}
	return SigningPayload(canonical), nil
}

// Block returns the canonical block encoding stored under the entry hash.
func (e *Entry) Block() ([]byte, error) {
	body, err := e.body(true)
	if err != nil {
		return nil, err
	}
	block, err := MarshalCanonical(body)
	if err != nil {
		return nil, fmt.Errorf("entry block: %w", err)
	}
	return block, nil
}

// Seal computes and sets the entry hash. The entry must already be signed.
func (e *Entry) Seal() error {
	if e.Signature == "" {
		return fmt.Errorf("seal: entry is not signed")
	}
	block, err := e.Block()
	if err != nil {
		return err
	}
	e.Hash = BlockHash(block)
	return nil
}

func (e *Entry) body(withSignature bool) (IRObject, error) {
	op, err := EncodeOperation(e.Op)
	if err != nil {
		return nil, err
	}
	obj := IRObject{
		"v":       IRInt(EntryVersion),
		"log_id":  IRString(e.LogID),
		"op":      op,
		"signer":  IRString(e.Signer),
		"parents": hashArray(e.Parents),
		"clock":   IRInt(e.Clock),
	}
	// Absent rather than empty, so entries without refs keep their encoding.
	if len(e.Refs) > 0 {
		obj["refs"] = hashArray(e.Refs)
	}
	if withSignature {
		obj["signature"] = IRString(e.Signature)
	}
	return obj, nil
}

func hashArray(hashes []string) IRArray {
	out := make(IRArray, len(hashes))
	for i, h := range hashes {
		out[i] = IRString(h)
	}
	return out
}

// DecodeEntry parses a block into a sealed entry.
//
// The block must be in canonical form: re-encoding the decoded entry must
// reproduce the exact bytes, otherwise two encodings of the same entry could
// carry different hashes.
func DecodeEntry(block []byte) (*Entry, error) {
	v, err := UnmarshalIRValue(block)
	if err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	obj, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("decode entry: block is not an object")
	}
	if version, ok := obj["v"].(IRInt); !ok || version != EntryVersion {
		return nil, fmt.Errorf("decode entry: unsupported version %v", obj["v"])
	}

	e := &Entry{}
	if e.LogID, err = stringField(obj, "log_id"); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if e.Signer, err = stringField(obj, "signer"); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if e.Signature, err = stringField(obj, "signature"); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	clock, ok := obj["clock"].(IRInt)
	if !ok {
		return nil, fmt.Errorf("decode entry: clock must be an integer")
	}
	e.Clock = int64(clock)

	if e.Parents, err = decodeStringArray(obj, "parents"); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	fields := 7
	if _, ok := obj["refs"]; ok {
		if e.Refs, err = decodeStringArray(obj, "refs"); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		fields++
	}

	opObj, ok := obj["op"].(IRObject)
	if !ok {
		return nil, fmt.Errorf("decode entry: op must be an object")
	}
	if e.Op, err = DecodeOperation(opObj); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if len(obj) != fields {
		return nil, fmt.Errorf("decode entry: unexpected fields")
	}

	reencoded, err := e.Block()
	if err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if !bytes.Equal(reencoded, block) {
		return nil, fmt.Errorf("decode entry: block is not canonical")
	}
	e.Hash = BlockHash(block)
	return e, nil
}

func decodeStringArray(obj IRObject, name string) ([]string, error) {
	raw, ok := obj[name].(IRArray)
	if !ok {
		return nil, fmt.Errorf("%s must be an array", name)
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(IRString)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", name, i)
		}
		out[i] = string(s)
	}
	return out, nil
}

// NormalizeParents returns the parents sorted and de-duplicated.
func NormalizeParents(parents []string) []string {
	out := slices.Clone(parents)
	slices.Sort(out)
	return slices.Compact(out)
}

// CausalLess orders entries by (clock, hash). Because a child's clock is
// always greater than each parent's, this is a linear extension of the DAG.
func CausalLess(a, b *Entry) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Hash < b.Hash
}

// CompareCausal is CausalLess in slices.SortFunc form.
func CompareCausal(a, b *Entry) int {
	switch {
	case CausalLess(a, b):
		return -1
	case CausalLess(b, a):
		return 1
	}
	return 0
}
