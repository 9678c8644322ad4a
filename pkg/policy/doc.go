// Package policy guards project retargets with Open Policy Agent.
//
// Before the engine writes a new target framework into a project it asks the
// policy Engine, which implements engine.RetargetGuard. Every enabled policy
// is a Rego module whose deny rule is evaluated with input
//
//	{
//	    "project": {"full_name": ..., "name": ..., "dir": ..., "special": ..., "kind": ...},
//	    "current": ".NETFramework,Version=v4.0",
//	    "target":  ".NETFramework,Version=v4.5",
//	    "context": {"timestamp": ..., "operation": "retarget"}
//	}
//
// A deny element is either a message string or an object with "message" and
// an optional "severity". Error severity denies the retarget and the project
// is reported as denied; warning and info are logged only.
//
// # Built-in Policies
//
// All built-ins are disabled until named in policy.builtin:
//
//   - no-downgrade: denies moving to an older framework version
//   - keep-client-profile: warns when the client profile is dropped
//   - framework-only: denies projects whose identifier is not .NETFramework
//
// # Custom Policies
//
// policy.dir is walked for .rego and .json files. A .rego file is named after
// its file and may start with a comment block:
//
//	# Keeps Legacy on 4.0.
//	# severity: error
//	package projup.custom.pin
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.project.name == "Legacy"
//	    msg := "Legacy is pinned"
//	}
package policy
