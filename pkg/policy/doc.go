// Package policy gates dispatch with Open Policy Agent.
//
// Every request the engine is about to hand to a worker is turned into an
// Input document and evaluated against each policy's deny set:
//
//	package provisioner.guard
//
//	deny contains msg if {
//		input.command == "DESTROY"
//		input.environment_id == "production"
//		msg := "destroy is not allowed in production"
//	}
//
// Members may be strings or objects with message and severity keys. A
// severity of "warning" is logged; anything else denies the request and the
// message becomes one of the decision's reasons.
//
// Policies are read from .rego files or directories and can be watched
// with fsnotify. A reload that fails to parse or compile leaves the
// previous set in place. A couple of warning-only builtins are always
// active.
package policy
