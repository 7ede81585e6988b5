package policy

import "time"

// Policy is one Rego module.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// AdmissionInput is the document policies see as input.
type AdmissionInput struct {
	RunningCores int `json:"running_cores"`
	MaxCores     int `json:"max_cores"`
	Waiting      int `json:"waiting"`
}

// Decision is the outcome of one admission evaluation.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}
