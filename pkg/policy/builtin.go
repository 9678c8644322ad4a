package policy

// Built-in policy names.
const (
	NoDowngrade         = "no-downgrade"
	KeepClientProfile   = "keep-client-profile"
	FrameworkOnlyTarget = "framework-only"
)

// BuiltinPolicies returns the built-in policies, all disabled.
func BuiltinPolicies() []Policy {
	return []Policy{
		noDowngradePolicy(),
		keepClientProfilePolicy(),
		frameworkOnlyPolicy(),
	}
}

// versionRego parses ".NETFramework,Version=v4.5.1[,Profile=Client]" into
// [4, 5, 1]. Arrays compare element-wise in Rego.
const versionRego = `
version(moniker) := [to_number(p) | some p in split(trim_prefix(v, "v"), ".")] if {
	startswith(moniker, ".NETFramework,Version=")
	parts := split(moniker, ",")
	v := trim_prefix(parts[1], "Version=")
}
`

// noDowngradePolicy denies moving a project to an older framework.
func noDowngradePolicy() Policy {
	return Policy{
		Name:        NoDowngrade,
		Description: "Denies retargeting a project to an older framework version",
		Severity:    SeverityError,
		Rego: `package projup.policies.no_downgrade

import rego.v1
` + versionRego + `
deny contains violation if {
	current := version(input.current)
	target := version(input.target)
	target < current
	violation := {
		"message": sprintf("%s would be downgraded from %s to %s", [input.project.name, input.current, input.target]),
	}
}
`,
	}
}

// keepClientProfilePolicy warns when a client-profile project loses the profile.
func keepClientProfilePolicy() Policy {
	return Policy{
		Name:        KeepClientProfile,
		Description: "Warns when a client profile project is moved to the full framework",
		Severity:    SeverityWarning,
		Rego: `package projup.policies.keep_client_profile

import rego.v1

deny contains violation if {
	endswith(input.current, ",Profile=Client")
	not endswith(input.target, ",Profile=Client")
	violation := {
		"message": sprintf("%s drops the client profile", [input.project.name]),
	}
}
`,
	}
}

// frameworkOnlyPolicy denies retargets from identifiers other than .NETFramework.
func frameworkOnlyPolicy() Policy {
	return Policy{
		Name:        FrameworkOnlyTarget,
		Description: "Denies retargeting projects whose current identifier is not .NETFramework",
		Severity:    SeverityError,
		Rego: `package projup.policies.framework_only

import rego.v1

deny contains violation if {
	input.current != ""
	not startswith(input.current, ".NETFramework,")
	violation := {
		"message": sprintf("%s targets %s, not .NETFramework", [input.project.name, input.current]),
		"severity": "error",
	}
}
`,
	}
}
