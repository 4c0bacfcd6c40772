// Package livefunc implements the server-side live function cache.
//
// A live function is a named Go function that reads from the document store.
// The Cache keeps one Entry per canonical (name, args, session) key. An Entry
// evaluates its function through a store.Tracked handle, observes exactly
// the change ids read during the most recent evaluation, and notifies its
// subscribers, debounced, when any of them is written. Re-evaluation is lazy:
// it happens in the next Get after a change, never in the notification
// itself.
//
// Evaluation failures are absorbed. The entry keeps its previous result, logs
// the failure and retries on a later Get once its backoff has elapsed.
//
// Thread-safety: Cache, Entry and Registry are safe for concurrent use.
package livefunc
