// Package policy provides Open Policy Agent (OPA) integration for stackprobe.
//
// Generated probe apps are statically validated here before they are
// accepted for deployment. Policies are written in Rego and evaluated
// against an input document carrying the architecture and the probe's
// deploy and test code:
//
//	{
//	  "arch":  {"id": ..., "name": ..., "services": [...], "definition": ...},
//	  "probe": {"deploy": ..., "test_code": ..., "source": ...}
//	}
//
// A probe is rejected when any enabled policy produces a violation at error
// or critical severity; warning-level findings are logged and the probe
// proceeds. Built-in policies cover structural sanity, real-endpoint and
// credential leaks, declared-service coverage, and lifecycle commands in
// test code. User policies are loaded from .rego files and can be
// hot-reloaded while a run is in progress.
//
// Example policy:
//
//	package stackprobe.policies.custom
//
//	import rego.v1
//
//	deny contains violation if {
//		contains(input.probe.deploy, "aws_iam_user")
//		violation := {
//			"message": "probes must not create IAM users",
//			"severity": "error",
//		}
//	}
package policy
