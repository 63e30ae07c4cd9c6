package policy

import (
	"time"
)

// BuiltinPolicies returns the policies every engine starts with. They only
// warn; deployments add blocking policies from files.
func BuiltinPolicies() []Policy {
	return []Policy{
		unitNamingPolicy(),
		unitVersioningPolicy(),
	}
}

// unitNamingPolicy flags unit names outside lowercase kebab case.
func unitNamingPolicy() Policy {
	return Policy{
		Name:        "unit-naming",
		Description: "Unit names should be lowercase alphanumerics, hyphens, dots or underscores",
		Severity:    SeverityWarning,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package unitkernel.builtin.naming

deny contains msg if {
	not regex.match("^[a-z0-9][a-z0-9._-]*$", input.unit)
	msg := sprintf("unit name '%s' should be lowercase", [input.unit])
}
`,
	}
}

// unitVersioningPolicy flags units that declare tags without a version.
func unitVersioningPolicy() Policy {
	return Policy{
		Name:        "unit-versioning",
		Description: "Units providing tags should declare a version",
		Severity:    SeverityWarning,
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package unitkernel.builtin.versioning

deny contains msg if {
	count(object.get(input.info, "provides", [])) > 0
	object.get(input.info, "version", "") == ""
	msg := sprintf("unit %s provides %v without a version", [input.unit, input.info.provides])
}
`,
	}
}
