package policy

// BuiltinPolicies returns the admission policies compiled into labforge.
func BuiltinPolicies() []Policy {
	return []Policy{
		supportedProviderPolicy(),
		uniqueMachineNamesPolicy(),
		machineNamingPolicy(),
		machineSizingPolicy(),
		maxMachinesPolicy(),
	}
}

func supportedProviderPolicy() Policy {
	return Policy{
		Name:        "supported-provider",
		Description: "Labs must use a provisioning backend from limits.providers",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package labforge.policies.provider

import rego.v1

deny contains violation if {
	not input.lab.provider in input.limits.providers
	violation := {
		"message": sprintf("provider %q is not supported (allowed: %s)", [input.lab.provider, concat(", ", input.limits.providers)]),
	}
}`,
	}
}

func uniqueMachineNamesPolicy() Policy {
	return Policy{
		Name:        "unique-machine-names",
		Description: "Machine names are inventory host names and must be unique within a lab",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package labforge.policies.names

import rego.v1

deny contains violation if {
	some i, j
	i < j
	name := input.machines[i].name
	input.machines[j].name == name
	violation := {
		"message": sprintf("machine name %q is used more than once", [name]),
		"machine": name,
	}
}`,
	}
}

func machineNamingPolicy() Policy {
	return Policy{
		Name:        "machine-naming",
		Description: "Machine names must be usable as host names and resource labels",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package labforge.policies.naming

import rego.v1

deny contains violation if {
	some m in input.machines
	m.name == ""
	violation := {"message": "machine name must not be empty"}
}

deny contains violation if {
	some m in input.machines
	m.name != ""
	not regex.match("^[A-Za-z0-9][A-Za-z0-9_-]*$", m.name)
	violation := {
		"message": sprintf("machine name %q must contain only letters, digits, hyphens and underscores", [m.name]),
		"machine": m.name,
	}
}

deny contains violation if {
	some m in input.machines
	count(m.name) > 63
	violation := {
		"message": sprintf("machine name %q must not exceed 63 characters", [m.name]),
		"machine": m.name,
	}
}`,
	}
}

func machineSizingPolicy() Policy {
	return Policy{
		Name:        "machine-sizing",
		Description: "Machine sizing must be positive and within limits",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package labforge.policies.sizing

import rego.v1

resources := [
	{"field": "cpu", "unit": "vCPUs", "limit": "max_cpu"},
	{"field": "ram", "unit": "GB of RAM", "limit": "max_ram"},
	{"field": "storage", "unit": "GB of storage", "limit": "max_storage"},
]

deny contains violation if {
	some m in input.machines
	some r in resources
	requested := m.sizing[r.field]
	limit := input.limits[r.limit]
	requested > limit
	violation := {
		"message": sprintf("machine %s requests %v %s, limit is %v", [m.name, requested, r.unit, limit]),
		"machine": m.name,
	}
}

deny contains violation if {
	some m in input.machines
	some r in resources
	m.sizing[r.field] < 1
	violation := {
		"message": sprintf("machine %s must request at least 1 %s", [m.name, r.field]),
		"machine": m.name,
	}
}`,
	}
}

func maxMachinesPolicy() Policy {
	return Policy{
		Name:        "max-machines",
		Description: "Labs may not exceed limits.max_machines machines",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package labforge.policies.capacity

import rego.v1

deny contains violation if {
	count(input.machines) > input.limits.max_machines
	violation := {
		"message": sprintf("lab has %d machines, limit is %d", [count(input.machines), input.limits.max_machines]),
	}
}

deny contains violation if {
	count(input.machines) == 0
	violation := {
		"message": "lab has no machines",
		"severity": "warning",
	}
}`,
	}
}
