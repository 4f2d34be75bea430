// Package policy gates workflows with Open Policy Agent (OPA) Rego policies.
//
// Each policy is a Rego module with a deny set. The engine evaluates every
// enabled policy against a snapshot of the workflow (see Input) and collects
// the denials. Violations of error severity deny the workflow; warnings and
// infos are only reported.
//
// # Usage
//
//	eng, err := policy.NewEngine(ctx, logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, wf)
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err
//	}
//
// # Built-in Policies
//
//  1. node-timeouts - node timeouts must not exceed one hour (error)
//  2. node-naming - nodes carry unique names (warning)
//
// # Custom Policies
//
// Policies are loaded from .rego files, named after the file, or from .json
// files holding a Policy object. A deny entry is a message string or an
// object with message, node and severity fields:
//
//	package custom.policies.cache
//
//	import rego.v1
//
//	deny contains violation if {
//	    some node in input.workflow.nodes
//	    node.kind == "code"
//	    not node.deterministic
//	    violation := {
//	        "message": "code nodes must be deterministic",
//	        "node": node.id,
//	        "severity": "error",
//	    }
//	}
package policy
