// Package engine implements the manticore reconciliation control loop.
//
// # Overview
//
// Manticore provisions a "core + HMI" workload pair per user on top of a
// key-value store, a service catalog and a job scheduler. The engine keeps
// four kinds of state consistent:
//
//   - requests/{id}: the user's request with its external prefixes
//   - waiting: the admission queue, one serialized value
//   - allocation/{id}: the user's resolved internal endpoints
//   - core-hmi-{id}: the user's scheduler job
//
// # Control Flow
//
// Every notification is level-triggered. The Controller routes it to one
// handler, the handler re-reads authoritative state from the store, catalog
// or scheduler, and writes back whatever derived state changed. Those writes
// trigger further notifications until a fixed point is reached:
//
//	requests watch    -> Reconcile, release vanished users, Enqueue new ones
//	waiting watch     -> AttemptAdmission (at most one) or broadcast positions
//	core-service-{id} -> append the HMI group once core is healthy
//	hmi-service-{id}  -> Resolver pipeline -> allocation/{id}
//	allocation watch  -> Assembler -> client addresses + proxy routes
//
// # Teardown
//
// Only the requests handler deletes jobs. Every other path expresses intent
// by calling Requests.Remove, which deletes the request key; the next
// requests pass observes the disappearance and releases the allocation
// record and the job.
//
// # Errors
//
// Collaborators classify failures as EngineError values. NotFound aborts the
// current pipeline step and waits for the next notification; Malformed
// state is replaced by a safe empty default; Transient failures end the
// pass and are retried by the next notification. No handler error ever
// stops a watch.
package engine
