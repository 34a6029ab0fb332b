// Package engine provides the core types and the orchestrator of the deployctl deployment engine.
//
// # Overview
//
// A deployment renders one script template with a set of variables and runs the
// result on many targets. The engine operates in two calls:
//
//  1. CreateDeployment - validate the request, render one script per target and
//     store PENDING tasks in target order
//  2. Execute - dispatch every task through a bounded worker pool, fold the
//     outcomes into task and deployment status, report progress and persist the
//     final record
//
// # Core Domain Types
//
//   - Target: an addressable endpoint (remote host or the local machine)
//   - Deployment: a named run spanning one or more targets
//   - Task: the execution of one deployment's script against one target
//   - Status: pending, running, success, failed, cancelled, timeout, partial_success
//   - Method: ssh, ansible, puppet, chef, powershell, local_script
//
// # Templates
//
// Scripts use ${name} placeholders:
//
//	script := engine.Render("Install ${font} for ${org}", map[string]interface{}{
//	    "font": "Mono",
//	    "org":  "Acme",
//	})
//	// script == "Install Mono for Acme"
//
// Composite values are substituted as JSON. Unbound placeholders are left as
// they are; use MissingVariables to check coverage first.
//
// # Execution
//
// Execute runs at most ParallelLimit tasks of a deployment at once, and at most
// DefaultMaxWorkers (or WithMaxWorkers) tasks across all deployments of one
// Orchestrator. A deployment ends FAILED when no task succeeded and SUCCESS
// otherwise, so a partial success counts as success unless the orchestrator is
// built WithPartialSuccess.
//
// Cancel is best effort. Tasks already running finish or hit their own timeout;
// tasks not yet started are resolved FAILED with a "deployment cancelled" error
// and the deployment is recorded as CANCELLED.
//
// # Error Classification
//
//   - Transient: connection failures, retried only when built WithRetry
//   - Conflict: state mismatches such as executing a finished deployment
//   - Permanent: validation errors, unknown ids, timeouts, script failures
package engine
