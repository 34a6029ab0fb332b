// Package policy vets deployments with Open Policy Agent before they are
// stored.
//
// Every policy is a Rego v1 module whose package defines a deny set. Members
// are either strings or objects:
//
//	deny contains violation if {
//		some task in input.tasks
//		contains(task.script, "reboot")
//		violation := {
//			"message":     "reboot is not allowed",
//			"target":      task.target_id,
//			"severity":    "error",
//			"remediation": "schedule the reboot separately",
//		}
//	}
//
// The input document carries the deployment, the rendered script of each
// task, the selected targets with credentials reduced to a has_auth flag, and
// the operator limits. See Input.
//
// Results with severity error or critical deny the deployment. Warnings and
// info results are logged and returned but never block, and a policy that
// fails to evaluate is reported without blocking.
//
// The built-in policies cover parallel and timeout ceilings, remote targets
// without a principal, destructive commands such as "rm -rf /", mkfs and dd
// onto block devices, missing descriptions, and PowerShell aimed at
// non-Windows hosts. Custom policies are read from .rego files (leading
// comments become the description, "# severity: error" sets the default
// severity) or .json definitions, and can be watched for changes.
//
//	eng, err := policy.NewEngine(logger, policy.WithLimits(policy.Limits{MaxParallelLimit: 50}))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{policiesDir}); err != nil {
//	    return err
//	}
//	orch := engine.NewOrchestrator(registry, router, engine.WithValidator(eng))
package policy
