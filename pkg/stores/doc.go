// Package stores provides the persistence layer for stackprobe. It includes
// the SQLite run archive with WAL mode, connection pooling, and CRUD
// operations for runs, results, probes, and events, plus the JSON state file
// that lets an interrupted run resume where it left off.
package stores
