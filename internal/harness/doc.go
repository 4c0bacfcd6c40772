// Package harness runs protocol scenarios against a live function server.
//
// A scenario seeds documents, then drives one or more simulated connections
// through subscribe and unsubscribe messages while writing to the store. Every
// message a connection sends or receives is recorded in a trace, which is
// checked by assertions and compared against a golden snapshot.
//
// # Scenario Format
//
//	name: push_on_update
//	description: "An update to a read document pushes the new value"
//	setup:
//	  - insert: { collection: notes, id: n1, body: { text: hello } }
//	steps:
//	  - subscribe: { conn: a, sub: 1, func: doc, user: alice, args: [notes, n1] }
//	  - update: { collection: notes, id: n1, body: { text: world } }
//	  - wait: { messages: 1 }
//	assertions:
//	  - type: message_count
//	    kind: data
//	    count: 1
//	  - type: final_state
//	    entries: 1
//
// # Step Types
//
//   - insert, update, delete: write one document; recorded as a store event
//   - subscribe, unsubscribe: a client message handled by the connection's mux
//   - disconnect: closes the connection's mux
//   - wait: blocks until the given number of pushes arrived, then a quiet period
//
// # Assertion Types
//
//   - message_contains: a received message equals the given one
//   - message_order: message kinds appear in the given order
//   - message_count: a message kind was received exactly N times
//   - final_state: live entries, open subscriptions and store observers
//
// # Deterministic Traces
//
// Each scenario runs on a fresh in-memory store. Entry ids are replaced by
// "entry-1", "entry-2", ... in order of first appearance, and pushes received
// during one wait are recorded in canonical order, so the same scenario always
// yields the same trace.
//
// The functions available to scenarios are:
//
//   - doc [collection, id]: the document body, or null
//   - list [collection]: every body in the collection, ordered by id
//   - count [collection]: the number of documents in the collection
package harness
