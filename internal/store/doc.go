// Package store provides the SQLite-backed document store for livesync.
//
// The store holds JSON documents grouped in collections and an append-only
// audit log of one-shot calls. It is the data source live functions read from
// and the change source that drives their re-evaluation:
//   - Documents: (collection, id) -> JSON body with a version counter
//   - Call log: one row per one-shot call, success or failure
//   - Observers: per-change-id callbacks fired after every committed write
//   - Tracked: a single-use read handle that records every change id read
//
// # Change Identifiers
//
// A read of one document records "collection/id". A read of a whole collection
// records "collection/*". Every write notifies both the document id and its
// collection sentinel, so list queries see inserts and single reads see
// updates to exactly the document they touched.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Single open connection: SQLite has one writer
package store
