package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in probe policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		probeStructurePolicy(),
		emulatedEndpointPolicy(),
		hardcodedSecretsPolicy(),
		declaredServicesPolicy(),
		destructiveTestPolicy(),
	}
}

// probeStructurePolicy rejects probes that are structurally unusable.
func probeStructurePolicy() Policy {
	return Policy{
		Name:        "probe-structure",
		Description: "Rejects probes without deployable infrastructure code",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"structure"},
		Source:      "builtin",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackprobe.policies.structure

import rego.v1

deny contains violation if {
	trim_space(input.probe.deploy) == ""
	violation := {
		"message": sprintf("Probe for %s has no deploy code", [input.arch.id]),
		"severity": "error",
	}
}

deny contains violation if {
	deploy := input.probe.deploy
	trim_space(deploy) != ""

	# Deploy code must declare at least one resource
	not contains(deploy, "resource")
	violation := {
		"message": sprintf("Probe for %s declares no resources", [input.arch.id]),
		"severity": "error",
	}
}`,
	}
}

// emulatedEndpointPolicy keeps probes pointed at the emulated backend.
func emulatedEndpointPolicy() Policy {
	return Policy{
		Name:        "emulated-endpoint",
		Description: "Rejects probes that reference real cloud endpoints instead of the emulated backend",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "endpoints"},
		Source:      "builtin",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackprobe.policies.endpoints

import rego.v1

real_endpoint_patterns := [
	"amazonaws.com",
	"cloud.google.com",
	"azure.com",
]

deny contains violation if {
	some pattern in real_endpoint_patterns
	contains(lower(input.probe.deploy), pattern)
	violation := {
		"message": sprintf("Probe for %s references real cloud endpoint '%s'", [input.arch.id, pattern]),
		"severity": "critical",
	}
}

deny contains violation if {
	some pattern in real_endpoint_patterns
	contains(lower(input.probe.test_code), pattern)
	violation := {
		"message": sprintf("Probe tests for %s reference real cloud endpoint '%s'", [input.arch.id, pattern]),
		"severity": "critical",
	}
}`,
	}
}

// hardcodedSecretsPolicy rejects probes carrying credential material.
func hardcodedSecretsPolicy() Policy {
	return Policy{
		Name:        "hardcoded-secrets",
		Description: "Rejects probes containing credential material",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "secrets"},
		Source:      "builtin",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackprobe.policies.secrets

import rego.v1

deny contains violation if {
	# AWS access key IDs have a fixed prefix and shape
	regex.match("AKIA[0-9A-Z]{16}", input.probe.deploy)
	violation := {
		"message": sprintf("Probe for %s contains what looks like an AWS access key", [input.arch.id]),
		"severity": "critical",
	}
}

deny contains violation if {
	regex.match("AKIA[0-9A-Z]{16}", input.probe.test_code)
	violation := {
		"message": sprintf("Probe tests for %s contain what looks like an AWS access key", [input.arch.id]),
		"severity": "critical",
	}
}

deny contains violation if {
	regex.match("(?i)(secret|password|token)\\s*=\\s*\"[^\"${]{8,}\"", input.probe.deploy)
	violation := {
		"message": sprintf("Probe for %s assigns a literal secret value", [input.arch.id]),
		"severity": "critical",
	}
}`,
	}
}

// declaredServicesPolicy checks that the probe exercises what the
// architecture declares.
func declaredServicesPolicy() Policy {
	return Policy{
		Name:        "declared-services",
		Description: "Warns when a declared service does not appear in the probe's deploy code",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"coverage"},
		Source:      "builtin",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackprobe.policies.services

import rego.v1

deny contains violation if {
	some svc in input.arch.services
	not contains(lower(input.probe.deploy), lower(svc))
	violation := {
		"message": sprintf("Probe for %s never mentions declared service '%s'", [input.arch.id, svc]),
		"severity": "warning",
	}
}`,
	}
}

// destructiveTestPolicy keeps infrastructure lifecycle out of test code.
func destructiveTestPolicy() Policy {
	return Policy{
		Name:        "destructive-tests",
		Description: "Rejects test code that drives the infrastructure lifecycle itself",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "tests"},
		Source:      "builtin",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package stackprobe.policies.tests

import rego.v1

forbidden_commands := [
	"terraform destroy",
	"terraform apply",
	"docker rm",
	"docker stop",
]

deny contains violation if {
	some cmd in forbidden_commands
	contains(lower(input.probe.test_code), cmd)
	violation := {
		"message": sprintf("Probe tests for %s invoke '%s'; lifecycle belongs to the executor", [input.arch.id, cmd]),
		"severity": "error",
	}
}`,
	}
}
