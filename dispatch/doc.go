// Package dispatch routes events between orchestration steps.
//
// A Graph is a set of StepSpecs keyed by the event kinds they accept. Build
// validates the graph eagerly (exactly one consumer per kind, every emitted
// kind consumed, a terminal step reachable from the entries) so routing
// mistakes surface at construction time instead of mid-run. Drive then
// loops Dispatch until a step suspends, terminates or fails, bounded by a
// hop limit.
package dispatch
