// Package harness runs multi-node replication scenarios.
//
// A scenario starts a set of named nodes, creates one database on its owner
// and opens it everywhere else, then executes steps against individual nodes
// and checks assertions over the final state. Nodes exchange logs only in
// explicit sync steps, so every run is deterministic and its trace can be
// compared against a golden snapshot.
//
// # Scenario Format
//
//	name: revoke_not_retroactive
//	description: "What this scenario validates"
//	nodes: [alice, bob, carol]
//	database:
//	  name: settings
//	  type: keyvalue
//	  owner: alice
//	  write: [bob]
//	steps:
//	  - node: alice
//	    grant: { capability: write, identity: bob }
//	  - node: bob
//	    set: { key: k, value: E1 }
//	  - node: carol
//	    sync: bob
//	  - node: carol
//	    delete: k
//	    expect: PERMISSION_DENIED
//	assertions:
//	  - type: value
//	    node: carol
//	    key: k
//	    expect: E1
//
// Identities in database and step fields are node names. The harness maps
// them to the node's id, and maps ids back to names in its output.
//
// # Steps
//
//   - put: store a document (documents databases)
//   - set: store a value under a key (keyvalue databases)
//   - add: append an event (events databases)
//   - delete: remove a key
//   - grant, revoke: change a capability
//   - sync: pull the access log and then the main log from the named node
//   - forge: sign a keyed write past the node's own capability check; peers
//     that sync from the node receive it and judge it themselves
//
// A step expects "ok" unless expect names an error code such as
// PERMISSION_DENIED, MALFORMED_PAYLOAD, NOT_FOUND or WRONG_TYPE.
//
// # Assertion Types
//
//   - value: a key holds the expected value
//   - absent: a key holds nothing
//   - count: a node holds exactly count records
//   - converged: every listed node has the same heads and records
//   - rejected: a node refused count distinct entries, optionally of one code
//   - can: a node's view grants (or, with expect: false, denies) a capability
//
// # Determinism
//
// Identities derive from node names, the block store and catalog of every
// node live in memory, and the step clock starts at one, so two runs of a
// scenario produce byte-identical snapshots.
package harness
