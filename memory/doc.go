// Package memory contains persistence backends for ragmesh. The contract
// (core.Persistence) lives in the core package; this package provides the
// process-local InMemoryStore and the sqlite subpackage provides a durable
// store. Both are keyed by namespace and key, so sessions and long-term
// user memories share one backend.
package memory
