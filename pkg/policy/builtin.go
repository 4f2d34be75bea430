package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		nodeTimeoutPolicy(),
		nodeNamingPolicy(),
	}
}

// nodeTimeoutPolicy bounds node timeouts.
func nodeTimeoutPolicy() Policy {
	return Policy{
		Name:        "node-timeouts",
		Description: "Node timeouts must not exceed one hour",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package flowgraph.policies.timeouts

import rego.v1

deny contains violation if {
	some node in input.workflow.nodes
	node.timeout > 3600
	violation := {
		"message": sprintf("timeout of %vs exceeds the 3600s limit", [node.timeout]),
		"node": node.id,
	}
}
`,
	}
}

// nodeNamingPolicy flags nodes that are hard to tell apart in run output.
func nodeNamingPolicy() Policy {
	return Policy{
		Name:        "node-naming",
		Description: "Nodes should carry unique names",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package flowgraph.policies.naming

import rego.v1

deny contains violation if {
	some node in input.workflow.nodes
	node.name != ""
	some other in input.workflow.nodes
	other.name == node.name
	other.id < node.id
	violation := {
		"message": sprintf("name %q is already used by node %v", [node.name, other.id]),
		"node": node.id,
	}
}
`,
	}
}
