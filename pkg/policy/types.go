package policy

import (
	"time"

	"github.com/openfroyo/labforge/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a deploy.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deploy.
	SeverityError Severity = "error"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy is a Rego module evaluated against every lab before deploy.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the module source. Its deny set is collected.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies compiled into labforge.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one deny entry produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Machine  string   `json:"machine,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies against a lab.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Limits bounds what a lab may request. Policies read them as input.limits.
type Limits struct {
	MaxMachines  int      `json:"max_machines" yaml:"max_machines" validate:"gte=1"`
	MaxCPU       int      `json:"max_cpu" yaml:"max_cpu" validate:"gte=1"`
	MaxRAMGB     int      `json:"max_ram" yaml:"max_ram" validate:"gte=1"`
	MaxStorageGB int      `json:"max_storage" yaml:"max_storage" validate:"gte=1"`
	Providers    []string `json:"providers" yaml:"providers" validate:"min=1"`
}

// DefaultLimits returns the stock admission limits.
func DefaultLimits() Limits {
	return Limits{
		MaxMachines:  20,
		MaxCPU:       32,
		MaxRAMGB:     256,
		MaxStorageGB: 2048,
		Providers:    []string{string(engine.ProviderVPS), string(engine.ProviderLocal)},
	}
}

// Input is the document bound to input during evaluation.
type Input struct {
	Lab      LabInput       `json:"lab"`
	Machines []MachineInput `json:"machines"`
	Limits   Limits         `json:"limits"`
}

// LabInput is the policy view of a lab. Provider config is withheld.
type LabInput struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// MachineInput is the policy view of a machine.
type MachineInput struct {
	Name          string        `json:"name"`
	OS            string        `json:"os"`
	Role          string        `json:"role"`
	Sizing        engine.Sizing `json:"sizing"`
	Software      []string      `json:"software"`
	CustomBundles []string      `json:"custom_bundles"`
}

// NewInput builds the evaluation input for a lab.
func NewInput(lab *engine.Lab, machines []*engine.Machine, limits Limits) Input {
	in := Input{
		Lab: LabInput{
			ID:       lab.ID,
			Name:     lab.Name,
			Provider: string(lab.Provider),
		},
		Machines: make([]MachineInput, 0, len(machines)),
		Limits:   limits,
	}
	for _, m := range machines {
		in.Machines = append(in.Machines, MachineInput{
			Name:          m.Name,
			OS:            m.OS,
			Role:          m.Role,
			Sizing:        m.Sizing,
			Software:      nonNil(m.Software),
			CustomBundles: nonNil(m.CustomBundles),
		})
	}
	return in
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
