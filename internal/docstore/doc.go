// Package docstore opens replicated databases and exposes their records.
//
// A Manager owns the node resources (signing identity, block store, catalog)
// and hands out one Database per address. A Database ties together the main
// operation log, the access controller and the index for its type:
//
//   - events: Add only; records are entries in causal order
//   - documents: Put of a JSON object keyed by its index_by field; Delete
//   - keyvalue: Put of any value under an explicit key; Delete
//
// Update events are queued under the writer mutex and delivered by one
// dispatcher goroutine per database, so subscribers observe entries in the
// order they were applied.
package docstore
