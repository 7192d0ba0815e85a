package ir

import (
	"fmt"
	"slices"
	"strings"
)

// DatabaseType selects how a database materializes its log.
type DatabaseType string

const (
	TypeEvents    DatabaseType = "events"
	TypeDocuments DatabaseType = "documents"
	TypeKeyValue  DatabaseType = "keyvalue"
)

// DefaultIndexBy is the primary key field of documents databases.
const DefaultIndexBy = "_id"

// AddressPrefix starts every published database address.
const AddressPrefix = "/peerdoc/"

// Capability names.
const (
	CapWrite = "write"
	CapAdmin = "admin"
)

// Wildcard in the write set lets any identity write.
const Wildcard = "*"

// AccessSpec is the baseline capability set fixed at creation time.
type AccessSpec struct {
	Admins []string `json:"admins"`
	Write  []string `json:"write"`
}

// Manifest describes a database. Its content hash is the database identity,
// so two nodes that hold the same manifest bytes are talking about the same
// database.
type Manifest struct {
	Name    string       `json:"name"`
	Type    DatabaseType `json:"type"`
	IndexBy string       `json:"index_by,omitempty"`
	Access  AccessSpec   `json:"access"`
}

// Validate checks the manifest is well formed.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if strings.HasPrefix(m.Name, "/") {
		return fmt.Errorf("manifest: name %q must not start with '/'", m.Name)
	}
	switch m.Type {
	case TypeEvents, TypeKeyValue:
		if m.IndexBy != "" {
			return fmt.Errorf("manifest: index_by is only valid for %s databases", TypeDocuments)
		}
	case TypeDocuments:
		if m.IndexBy == "" {
			return fmt.Errorf("manifest: index_by is required for %s databases", TypeDocuments)
		}
	default:
		return fmt.Errorf("manifest: unknown database type %q", m.Type)
	}
	if len(m.Access.Admins) == 0 {
		return fmt.Errorf("manifest: at least one admin is required")
	}
	return nil
}

// Normalize sorts and de-duplicates the access lists and fills the default
// index field for documents databases.
func (m *Manifest) Normalize() {
	if m.Type == TypeDocuments && m.IndexBy == "" {
		m.IndexBy = DefaultIndexBy
	}
	m.Access.Admins = NormalizeParents(m.Access.Admins)
	m.Access.Write = NormalizeParents(m.Access.Write)
}

// Block returns the canonical manifest encoding.
func (m *Manifest) Block() ([]byte, error) {
	obj := IRObject{
		"name":   IRString(m.Name),
		"type":   IRString(m.Type),
		"access": IRObject{"admins": stringArray(m.Access.Admins), "write": stringArray(m.Access.Write)},
	}
	if m.IndexBy != "" {
		obj["index_by"] = IRString(m.IndexBy)
	}
	return MarshalCanonical(obj)
}

// Hash returns the manifest content address.
func (m *Manifest) Hash() (string, error) {
	block, err := m.Block()
	if err != nil {
		return "", fmt.Errorf("manifest hash: %w", err)
	}
	return ManifestHash(block), nil
}

// Address returns the database address for this manifest.
func (m *Manifest) Address() (Address, error) {
	h, err := m.Hash()
	if err != nil {
		return Address{}, err
	}
	return Address{Hash: h}, nil
}

// DecodeManifest parses a manifest block. The block must be canonical.
func DecodeManifest(block []byte) (*Manifest, error) {
	var m Manifest
	v, err := UnmarshalIRValue(block)
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	obj, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("decode manifest: block is not an object")
	}
	if m.Name, err = stringField(obj, "name"); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	typ, err := stringField(obj, "type")
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.Type = DatabaseType(typ)
	if _, ok := obj["index_by"]; ok {
		if m.IndexBy, err = stringField(obj, "index_by"); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
	}
	access, ok := obj["access"].(IRObject)
	if !ok {
		return nil, fmt.Errorf("decode manifest: access must be an object")
	}
	if m.Access.Admins, err = stringList(access, "admins"); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Access.Write, err = stringList(access, "write"); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	reencoded, err := m.Block()
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if string(reencoded) != string(block) {
		return nil, fmt.Errorf("decode manifest: block is not canonical")
	}
	return &m, nil
}

func stringArray(values []string) IRArray {
	arr := make(IRArray, len(values))
	for i, v := range values {
		arr[i] = IRString(v)
	}
	return arr
}

func stringList(obj IRObject, name string) ([]string, error) {
	arr, ok := obj[name].(IRArray)
	if !ok {
		return nil, fmt.Errorf("field %q must be an array", name)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(IRString)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string", name, i)
		}
		out[i] = string(s)
	}
	return out, nil
}

// Address identifies a replicated database by its manifest hash.
type Address struct {
	Hash string
}

func (a Address) String() string {
	return AddressPrefix + a.Hash
}

// AccessLogID is the log id of the database's access sub-log.
func (a Address) AccessLogID() string {
	return a.String() + "/_access"
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Hash == ""
}

// ParseAddress accepts "/peerdoc/<hash>" or a bare hash.
func ParseAddress(s string) (Address, error) {
	h := strings.TrimPrefix(s, AddressPrefix)
	if !IsHash(h) {
		return Address{}, fmt.Errorf("invalid database address %q", s)
	}
	return Address{Hash: h}, nil
}

// IsAddress reports whether s parses as an address rather than a local name.
func IsAddress(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

// ContainsID reports whether ids holds id or the wildcard.
func ContainsID(ids []string, id string) bool {
	return slices.Contains(ids, id) || slices.Contains(ids, Wildcard)
}
