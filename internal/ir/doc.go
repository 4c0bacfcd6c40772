// Package ir provides the shared value types for livesync.
//
// All other internal packages import ir; ir imports nothing internal. It holds
// the canonical encoding used to derive cache keys, the compact entry ids sent
// on the wire, the session descriptor, and the mutation records that flow from
// a client mirror back to the server.
//
// Key design constraints:
//   - Cache keys are canonical JSON: object keys sorted by UTF-16 code units,
//     strings NFC normalised, integral floats encoded as integers
//   - Identical logical calls always produce identical keys
//   - Mutation paths are string segments; list indices are decimal strings
package ir
