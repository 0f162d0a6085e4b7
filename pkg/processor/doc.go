// Package processor implements the work-item lifecycle for architecture
// validation runs. Each architecture moves through an explicit state machine
// from registration to a terminal result, with rate-limit aware retries and
// write-through persistence so interrupted runs can resume.
package processor
