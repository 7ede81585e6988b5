// Package consul implements the engine's Store and Catalog collaborators on
// HashiCorp Consul.
//
// Watches are blocking queries: each call passes the last seen index and
// returns when the index moves or the wait time elapses. Handlers receive
// the full current state on every change. A failed query is retried with
// exponential backoff, and an index that moves backwards resets the watch.
package consul
