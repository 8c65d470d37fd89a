package policy

// builtinPolicies are always loaded. They only warn; blocking rules are
// site-specific and come from policy paths.
func builtinPolicies() []Policy {
	return []Policy{
		{
			Name:        "targeted-destroy",
			Description: "Warns when DESTROY only removes part of an entity",
			Rego: `package provisioner.builtin.targeted_destroy

deny contains violation if {
	input.command == "DESTROY"
	count(input.targets) > 0
	violation := {
		"message": sprintf("destroy of %s is limited to %d target(s); remaining resources stay in state", [input.entity_id, count(input.targets)]),
		"severity": "warning",
	}
}
`,
		},
		{
			Name:        "rollback-plan",
			Description: "Warns when a compensating request only plans",
			Rego: `package provisioner.builtin.rollback_plan

deny contains violation if {
	input.rollback
	input.command == "PLAN"
	violation := {
		"message": sprintf("rollback of %s is a PLAN and changes nothing", [input.entity_id]),
		"severity": "warning",
	}
}
`,
		},
	}
}
