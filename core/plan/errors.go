package plan

import "errors"

// ErrRelationshipUnresolvable marks a nested selection whose join condition
// the planner could not determine — no FK, no explicit source/target
// fields, and no linking table. The server boundary translates this to a
// GraphQL error with code=BAD_REQUEST.
var ErrRelationshipUnresolvable = errors.New("relationship unresolvable")

// ErrInvalidCursor marks a cursor whose decoded orderBy key set does not
// match the query's current orderBy. Deterministic, carries no row data.
var ErrInvalidCursor = errors.New("invalid cursor")

// ErrFirstExceedsCap marks a `first` argument above the hard server-side
// cap.
var ErrFirstExceedsCap = errors.New("first exceeds server cap")

// MaxFirst is the hard cap on the GraphQL `first` / REST `$first` page size.
const MaxFirst = 1000
