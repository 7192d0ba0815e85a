// Package query compiles declarative document predicates into matchers.
//
// Predicates address fields with dotted paths ("meta.lang"); the path "."
// addresses the whole value, which is how keyvalue databases holding scalars
// are queried. Matching is a full scan over an index snapshot.
//
// Predicate types:
//   - Equals: field equals a literal value (canonical equality)
//   - Contains: string field contains text, case-folded
//   - Compare: numeric field is greater or less than a number
//   - And: all predicates hold (empty And matches everything)
//
// A missing field never matches, including under Compare and Contains.
//
// The text form accepted by Parse is one condition per argument:
//
//	title=Metropolis     year>1900     title~metro     meta.lang="de"
//
// The value of "=" is read as JSON when it parses, otherwise as a string.
package query
