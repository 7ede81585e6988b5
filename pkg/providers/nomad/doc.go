// Package nomad implements the engine's Scheduler collaborator on HashiCorp
// Nomad.
//
// The engine works with a scheduler-neutral Job: a name and task groups
// carrying parameters in their meta. JobBuilder renders those groups into
// full Nomad job specs (docker tasks, dynamic ports, catalog services and
// health checks) and FromAPIJob reads them back, so a job can be fetched,
// extended with its HMI group and resubmitted without losing the core group.
package nomad
