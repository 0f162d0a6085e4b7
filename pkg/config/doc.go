// Package config loads stackprobe run configurations written in CUE and
// evaluates Starlark selector scripts.
//
// A run configuration is a CUE file with a top-level `run` struct:
//
//	run: {
//		manifest: "architectures/"
//		generation: {
//			service_url:  "https://gen.internal.example"
//			token_budget: 500000
//		}
//		execution: parallelism: 4
//	}
//
// Validation happens in three layers. CUE compilation catches syntax errors
// with file and line positions. Unification against the embedded run schema
// catches shape and range errors (a parallelism of 200 fails here). Finally
// go-playground struct tags validate the decoded Go value, which is where
// required fields like manifest and generation.service_url are enforced.
// All three layers report through ValidationError so callers can print
// located diagnostics.
//
// The optional `selector` field holds a Starlark script that picks which
// architectures a run processes. The script defines select(arch) and returns
// a truthy value to accept:
//
//	def select(arch):
//	    return "s3" in arch["services"]
//
// Starlark execution is sandboxed: no filesystem or network access, print
// suppressed, and a wall-clock timeout (default 30 seconds).
package config
