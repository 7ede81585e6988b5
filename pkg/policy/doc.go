// Package policy decides admission with Open Policy Agent.
//
// The engine evaluates data.manticore.admission.deny against an
// AdmissionInput describing the cluster: how many user cores are running,
// the configured limit and how many users are waiting. An empty deny set
// admits the next user; every element of a non-empty set is a reason.
//
// The built-in policy denies once running cores reach the limit. Custom
// policies loaded from .rego or .json files replace it and may add rules,
// for example limits that depend on the queue length. The Loader can watch
// policy paths and hot-reload them.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	probe := policy.NewCapacityProbe(scheduler, eng, 10, logger)
//	ok, err := probe.HasCapacity(ctx, waiting)
//
// Custom policies:
//
//	if err := eng.LoadPolicies(ctx, []string{"/etc/manticore/policies"}); err != nil {
//	    log.Fatal(err)
//	}
package policy
