// Package model is the client-side reactive cache.
//
// A Getter mirrors one (function, args) result and reports local edits as
// mutation batches. A Model binds declared functions and procedures to
// getters over an API: live functions follow server pushes, one-shot
// functions re-fetch when invalidated, procedures run once and then
// invalidate whichever cached getters their predicate selects.
package model
