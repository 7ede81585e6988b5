// Package stores provides the SQLite backend for manticore.
//
// SQLiteStore implements engine.Store on a single kv table. Every write
// bumps a store-wide modify index, which gives CompareAndSwap the same
// semantics as a Consul KV index: a write succeeds only while the key's
// index is unchanged, and index 0 means the key must be absent. Watch is
// level-triggered: it polls the prefix and delivers the full key set
// whenever any key under it is added, changed or removed.
//
// The same database also holds the event journal, an append-only record
// of user lifecycle events fed from telemetry.EventPublisher.
//
// Schema changes are embedded migrations applied with golang-migrate.
package stores
