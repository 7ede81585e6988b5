package policy

import "time"

// AdmissionQuery is the rule every admission policy contributes to.
const AdmissionQuery = "data.manticore.admission.deny"

// BuiltinPolicies returns the default admission policies.
func BuiltinPolicies() []Policy {
	return []Policy{coreLimitPolicy()}
}

// coreLimitPolicy denies admission once the running cores reach the limit.
func coreLimitPolicy() Policy {
	return Policy{
		Name:        "core-limit",
		Description: "Denies admission when running cores reach max_cores",
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package manticore.admission

import rego.v1

deny contains msg if {
	input.running_cores >= input.max_cores
	msg := sprintf("running cores %d reached the limit of %d", [input.running_cores, input.max_cores])
}
`,
	}
}
