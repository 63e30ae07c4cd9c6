package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/unitkernel/pkg/kernel"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block installation.
	SeverityWarning Severity = "warning"

	// SeverityError denies the unit.
	SeverityError Severity = "error"

	// SeverityCritical denies the unit.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. The module's deny rule
// yields either message strings or objects with message and severity.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Unit is the unit that violated the policy.
	Unit string `json:"unit"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// Input is the document policies see as input.
type Input struct {
	kernel.AdmissionRequest

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the outcome of admitting one unit.
type Decision struct {
	Unit       string        `json:"unit"`
	Allowed    bool          `json:"allowed"`
	Violations []Violation   `json:"violations,omitempty"`
	Warnings   []Violation   `json:"warnings,omitempty"`
	Policies   []string      `json:"evaluated_policies"`
	Duration   time.Duration `json:"duration"`
}

// DeniedError is returned by Engine.Admit when a blocking violation is found.
type DeniedError struct {
	Unit       string
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("unit %s denied: %s", e.Unit, strings.Join(msgs, "; "))
}
