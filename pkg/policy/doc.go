// Package policy provides Open Policy Agent (OPA) admission control for
// kernel units.
//
// An Engine implements kernel.Admitter. Before a unit's factory runs, every
// enabled policy's deny rule is evaluated with the admission request as
// input:
//
//	{
//	  "unit": "cache",
//	  "locator": "/srv/units/cache/unit.yaml",
//	  "required_by": "app",
//	  "info": {"version": "1.2.0", "requires": ["logger"], "provides": ["#cache"]},
//	  "timestamp": "..."
//	}
//
// A deny rule yields message strings or objects with message and severity:
//
//	package unitkernel.no_debug
//
//	# Debug units must not run in production
//	deny contains msg if {
//	    startswith(input.unit, "debug")
//	    msg := sprintf("unit %s is a debug unit", [input.unit])
//	}
//
// Violations of severity error or critical deny the unit and the kernel
// fails with a policy error wrapping *DeniedError. Lower severities are
// logged as warnings. Policies loaded from .rego files default to error;
// the built-in policies only warn.
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Watch(ctx, []string{"/etc/unitkernel/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//	k := kernel.New(resolver, importer, kernel.WithAdmitter(engine))
//
// Watch reloads the policy set when files change, debounced; the built-in
// policies are always kept.
package policy
