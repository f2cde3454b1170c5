// Package core provides the foundational domain types and collaborator
// contracts used by ragmesh. It defines:
//
//   - Sessions (durable conversational threads with summary, pending approval
//     and checkpoint cursor)
//   - Events (the closed tagged union exchanged between dispatcher steps)
//   - Plans and Tasks (ordered work bound to capability handlers)
//   - PendingApproval / Decision (human-in-the-loop records)
//   - Evidence (sources with stable citation indices)
//   - The error taxonomy (transient, validation, ordering, fatal, timeout)
//   - Contracts for persistence, vector search, graph search and embedding
//
// The package keeps implementation concerns (persistence, orchestration,
// model access) out of scope and only exposes small interfaces so backends
// can be swapped.
package core
