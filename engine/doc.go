// Package engine implements the orchestration layer of ragmesh.
//
// The Engine answers questions on durable conversational threads. Each
// question becomes a run that is driven through a validated step graph:
//
//	start ──► route ──► plan ──► execute ──► reflect ──► synthesize ──► quality ──► finish
//	            │         ▲        ▲  │         │  │          ▲            │           ▲
//	            │         └─ retry ┼──┼─────────┘  └─plan_ready┘ regenerate┘           │
//	            │                  │  └─ suspend (approval) ── resume                  │
//	            └──────────────────┴─ direct_answer (chitchat, clarify) ───────────────┘
//
// # Core Responsibilities
//
// Admission:
//   - At most one active run per session (ErrSessionBusy)
//   - No new run while an approval is pending (ErrApprovalPending)
//   - A global bound on concurrently executing runs
//
// Execution:
//   - Intent routing with query rewriting
//   - Planning against the capability registry, bounded reflection retries
//   - Answer synthesis streamed token by token, quality review with bounded
//     regeneration
//   - A wall-clock budget per run (ErrTimeout)
//
// Human in the loop:
//   - Sensitive capabilities suspend the run and persist a pending approval
//     together with a checkpoint of the suspended step
//   - Resume applies the decision and continues from the checkpoint, in this
//     or another process
//
// Session memory:
//   - Finished turns are appended to the session and compacted (summary or
//     truncation) under the session lock
//
// # Streaming
//
// Run and Resume return a channel of stream.Event that ends with exactly one
// of done, interrupt or error:
//
//	events, errs, err := eng.Run(ctx, "user-1_book-7", "What is a monad?")
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    handle(ev)
//	}
//	if err := <-errs; err != nil {
//	    return err
//	}
//
// Partial progress is never retracted: when a run fails after a committed
// effect the effect stays and the stream ends with an error event.
//
// # Extensibility
//
// Callbacks observe every hop (before_step, after_step) and the run outcome
// (on_suspend, on_complete, on_error). Metrics and tracing are opt-in through
// Options.
package engine
