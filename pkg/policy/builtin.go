package policy

// BuiltinPolicies returns the policies compiled into deployctl. Each call
// returns fresh copies.
func BuiltinPolicies() []Policy {
	return []Policy{
		parallelLimitPolicy(),
		remoteCredentialsPolicy(),
		destructiveCommandsPolicy(),
		descriptionPolicy(),
		platformPolicy(),
	}
}

// parallelLimitPolicy keeps requested concurrency and timeouts under the
// operator's ceilings.
func parallelLimitPolicy() Policy {
	return Policy{
		Name:        "parallel-limit",
		Description: "Rejects deployments whose parallel limit or task timeout exceeds the configured maximum",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package deployctl.policies.limits

deny contains violation if {
	input.deployment.parallel_limit > input.limits.max_parallel_limit
	violation := {
		"message": sprintf("parallel limit %d exceeds the maximum of %d", [input.deployment.parallel_limit, input.limits.max_parallel_limit]),
		"remediation": "lower parallel_limit or raise the limit in the policy settings",
	}
}

deny contains violation if {
	input.deployment.timeout_seconds > input.limits.max_timeout_seconds
	violation := {
		"message": sprintf("task timeout %ds exceeds the maximum of %ds", [input.deployment.timeout_seconds, input.limits.max_timeout_seconds]),
		"remediation": "lower timeout_seconds",
	}
}`,
	}
}

// remoteCredentialsPolicy catches targets the remote transport cannot log in to.
func remoteCredentialsPolicy() Policy {
	return Policy{
		Name:        "remote-credentials",
		Description: "Requires every target of a remote deployment to name a login principal",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package deployctl.policies.credentials

deny contains violation if {
	input.deployment.remote
	some target in input.targets
	not target.has_auth
	violation := {
		"message": sprintf("target %s (%s) has no principal for method %s", [target.id, target.hostname, input.deployment.method]),
		"target": target.id,
		"remediation": "set auth.principal on the target",
	}
}`,
	}
}

// destructiveCommandsPolicy scans rendered scripts for commands that wipe
// disks or filesystems.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Blocks scripts that delete the root filesystem, format disks or write raw block devices",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package deployctl.policies.destructive

patterns := {
	"rm\\s+-[a-zA-Z]*(rf|fr)[a-zA-Z]*\\s+(--no-preserve-root\\s+)?/(\\*|\\s|$)": "a recursive delete of /",
	"\\bmkfs(\\.[a-z0-9]+)?\\s": "a filesystem format",
	"\\bdd\\s[^\\n]*of=/dev/": "a raw block device write",
	">\\s*/dev/(sd|nvme|hd|xvd)[a-z0-9]*": "a redirect onto a disk device",
}

deny contains violation if {
	some task in input.tasks
	some pattern, what in patterns
	regex.match(pattern, task.script)
	violation := {
		"message": sprintf("script for target %s contains %s", [task.target_id, what]),
		"target": task.target_id,
		"remediation": "remove the command or run it by hand",
	}
}`,
	}
}

func descriptionPolicy() Policy {
	return Policy{
		Name:        "description",
		Description: "Warns when a deployment has no description",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package deployctl.policies.description

deny contains violation if {
	trim_space(input.deployment.description) == ""
	violation := {
		"message": sprintf("deployment %s has no description", [input.deployment.name]),
		"remediation": "describe what the deployment changes",
	}
}`,
	}
}

// platformPolicy flags PowerShell deployments aimed at non-Windows hosts.
func platformPolicy() Policy {
	return Policy{
		Name:        "platform",
		Description: "Warns when the method does not match a target's operating system",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package deployctl.policies.platform

deny contains violation if {
	input.deployment.method == "powershell"
	some target in input.targets
	target.os_type != ""
	lower(target.os_type) != "windows"
	violation := {
		"message": sprintf("powershell script targets %s running %s", [target.id, target.os_type]),
		"target": target.id,
	}
}`,
	}
}
