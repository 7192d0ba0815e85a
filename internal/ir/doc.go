// Package ir provides the canonical data model shared by every peerdoc package.
//
// ir imports nothing internal. It defines the document value model, the
// RFC 8785 canonical encoding, the domain-separated content addresses, and
// the wire types built on them: Operation, Entry, Manifest and Address.
//
// Key design constraints:
//   - Every block that is hashed is canonical; decoders reject anything else
//   - Entry clocks are Lamport counters, never wall-clock timestamps
//   - All JSON tags use snake_case
package ir
