// Package generator is the client for the external probe generation service.
// The service itself is out of scope; only its contract lives here: a
// generation call either succeeds or fails with a typed classification
// (rate-limited with a wait hint, transient, timeout, or permanent) derived
// from status codes and transport outcomes. The package also provides the
// token budget handle that bounds a run's total generation spend.
package generator
