package gossip

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/peerdoc/internal/ir"
)

// BlockTopic carries fetch requests and block responses for every database
// on the node.
const BlockTopic = "/peerdoc/blocks"

// Message kinds.
const (
	KindHeads  = "heads"
	KindFetch  = "fetch"
	KindBlocks = "blocks"
)

// maxFetchHashes bounds the hashes one fetch request may name.
const maxFetchHashes = 512

// Envelope is the JSON frame every gossip message travels in.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HeadsPayload announces the frontiers of a database's two logs.
type HeadsPayload struct {
	Log    []string `json:"log"`
	Access []string `json:"access"`
}

// FetchPayload asks a peer for blocks by hash.
type FetchPayload struct {
	ID     string   `json:"id"`
	Hashes []string `json:"hashes"`
}

// BlocksPayload answers a fetch with the blocks the peer holds, keyed by hash.
type BlocksPayload struct {
	ID     string            `json:"id"`
	Blocks map[string][]byte `json:"blocks"`
}

var errMalformed = errors.New("malformed message")

func encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Payload: raw})
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Type == "" || len(env.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing type or payload", errMalformed)
	}
	return env, nil
}

func (p HeadsPayload) validate() error {
	for _, hs := range [][]string{p.Log, p.Access} {
		for _, h := range hs {
			if !ir.IsHash(h) {
				return fmt.Errorf("%w: head %q is not a hash", errMalformed, h)
			}
		}
	}
	return nil
}

func (p FetchPayload) validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: fetch without id", errMalformed)
	}
	if len(p.Hashes) == 0 || len(p.Hashes) > maxFetchHashes {
		return fmt.Errorf("%w: fetch names %d hashes", errMalformed, len(p.Hashes))
	}
	for _, h := range p.Hashes {
		if !ir.IsHash(h) {
			return fmt.Errorf("%w: %q is not a hash", errMalformed, h)
		}
	}
	return nil
}

func (p BlocksPayload) validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: blocks without id", errMalformed)
	}
	return nil
}
