// Package store persists per-conversation state for the bridge.
//
// Each record maps a conversation key ("{sender_open_id}@{chat_id}") to the
// backend conversation id, the parent-message lineage, and the user's title
// and model overrides.
//
// # Semantics
//
// All writes are whole-record read-modify-write with last-write-wins per
// key. The store itself provides no cross-operation isolation; the dispatch
// layer serializes the contended path (turn completion) through a single
// worker. Merge is idempotent: re-applying the same patch cannot diverge
// from a single application, which makes retries safe.
//
// # Implementations
//
// SQLiteStore (modernc.org/sqlite, WAL mode) is the production store; use
// NewSQLiteStore(":memory:") in integration tests. MockStore is a map-backed
// test double with failure injection via ForcedErr.
package store
