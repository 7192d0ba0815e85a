// Package identity holds the ed25519 keypairs that sign log entries.
//
// An identity id is the lowercase hex of the 32-byte public key, so any node
// can verify a signature from the id alone without a key registry.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/peerdoc/internal/ir"
)

// Keypair signs on behalf of one identity.
type Keypair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
	id      string
}

// Generate creates a keypair from the given entropy source (crypto/rand when nil).
func Generate(r io.Reader) (*Keypair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newKeypair(priv, pub), nil
}

// FromSeed derives a keypair from a 32-byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed length %d invalid", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newKeypair(priv, priv.Public().(ed25519.PublicKey)), nil
}

func newKeypair(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Keypair {
	return &Keypair{Private: priv, Public: pub, id: hex.EncodeToString(pub)}
}

// ID returns the identity id.
func (k *Keypair) ID() string {
	return k.id
}

// Sign returns the base64url (unpadded) signature of payload.
func (k *Keypair) Sign(payload []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(k.Private, payload))
}

// SignEntry sets the signer and signature of e and seals it.
func (k *Keypair) SignEntry(e *ir.Entry) error {
	e.Signer = k.id
	payload, err := e.SigningBytes()
	if err != nil {
		return err
	}
	e.Signature = k.Sign(payload)
	return e.Seal()
}

// ParseID decodes an identity id into its public key.
func ParseID(id string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("identity %q is not hex: %w", id, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity %q has length %d", id, len(b))
	}
	if hex.EncodeToString(b) != id {
		return nil, fmt.Errorf("identity %q is not lowercase hex", id)
	}
	return ed25519.PublicKey(b), nil
}

// Verify reports whether sig is a valid signature of payload by id.
func Verify(id string, payload []byte, sig string) bool {
	pub, err := ParseID(id)
	if err != nil {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, raw)
}

// VerifyEntry checks the entry signature against its signer id.
func VerifyEntry(e *ir.Entry) bool {
	payload, err := e.SigningBytes()
	if err != nil {
		return false
	}
	return Verify(e.Signer, payload, e.Signature)
}

const pemType = "PRIVATE KEY"

// Save writes the private key as PKCS#8 PEM with owner-only permissions.
func (k *Keypair) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Load reads a key file. PKCS#8 PEM and base64 seeds or private keys are accepted.
func Load(path string) (*Keypair, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	data := strings.TrimSpace(string(buf))
	if strings.HasPrefix(data, "-----BEGIN") {
		block, _ := pem.Decode(buf)
		if block == nil {
			return nil, errors.New("invalid private key pem")
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
		}
		priv, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not ed25519")
		}
		return newKeypair(priv, priv.Public().(ed25519.PublicKey)), nil
	}
	b, err := decodeLooseBase64(data)
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case ed25519.SeedSize:
		return FromSeed(b)
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(b)
		return newKeypair(priv, priv.Public().(ed25519.PublicKey)), nil
	default:
		return nil, fmt.Errorf("private key length %d invalid", len(b))
	}
}

// LoadOrCreate loads the key at path, generating and saving a new one when
// the file does not exist. created reports which happened.
func LoadOrCreate(path string) (kp *Keypair, created bool, err error) {
	kp, err = Load(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	kp, err = Generate(nil)
	if err != nil {
		return nil, false, err
	}
	if err := kp.Save(path); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

func decodeLooseBase64(s string) ([]byte, error) {
	candidates := []func(string) ([]byte, error){
		base64.RawURLEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.StdEncoding.DecodeString,
	}
	for _, fn := range candidates {
		if b, err := fn(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}
