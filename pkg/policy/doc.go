// Package policy gates deploys with Open Policy Agent admission rules.
//
// Every policy is a Rego module whose deny set is collected. A deny entry is
// either a message string or an object:
//
//	deny contains {"message": msg, "machine": m.name, "severity": "warning"} if { ... }
//
// Entries without a severity take the policy default. Error-level entries
// deny admission; everything else is reported as a warning.
//
// # Input
//
// Policies see the lab, its machines and the configured limits:
//
//	{
//	  "lab":      {"id": "...", "name": "webstack", "provider": "vps"},
//	  "machines": [{"name": "web", "os": "ubuntu-22.04", "role": "default",
//	                "sizing": {"cpu": 2, "ram": 4, "storage": 20},
//	                "software": ["nginx"], "custom_bundles": []}],
//	  "limits":   {"max_machines": 20, "max_cpu": 32, "max_ram": 256,
//	               "max_storage": 2048, "providers": ["vps", "local"]}
//	}
//
// Provider configuration is never exposed to policies.
//
// # Built-in policies
//
//   - supported-provider: the lab provider is listed in limits.providers
//   - unique-machine-names: machine names are unique within the lab
//   - machine-naming: machine names are valid host names
//   - machine-sizing: sizing is positive and within the limits
//   - max-machines: the lab stays under limits.max_machines
//
// # User policies
//
// .rego files are named after the file and default to warning severity; a
// leading "# severity: error" comment changes that. .json files carry a full
// Policy document. Engine.Watch reloads them on change:
//
//	eng, err := policy.NewEngine(logger, policy.WithLimits(cfg.Policy.Limits))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//	if err := eng.Admit(ctx, lab, machines); err != nil {
//	    // configuration error with code policy_denied
//	}
package policy
