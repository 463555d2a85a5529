// Package api contains the core types shared by the stepwise engine, its
// storage backends and its workers.
//
// Most users interact with the higher-level stepwise package, which re-exports
// the types in this package and wires engines to concrete stores. The api
// package is intended for custom handlers, planners, observers and backends.
//
// # Workflows and steps
//
// A Workflow is a goal plus a shared Context. Its work is an ordered chain of
// Steps. Every step is in one of five states:
//
//	BLOCKED -> PENDING -> RUNNING -> COMPLETED
//	                             \-> FAILED
//
// When a workflow is created, its first step is PENDING and the rest are
// BLOCKED. Completing a step unblocks the next one. A FAILED step never
// unblocks its successor, so the chain stalls there.
//
// A step is claimable when it is PENDING and its ScheduledFor time has
// passed. Among claimable steps the engine always picks the one with the
// smallest (ScheduledFor, Seq).
//
// # Wait steps
//
// A StepKindWait step runs no handler. Completing it pushes the ScheduledFor
// of the next step out by its Wait duration. Planners may emit the textual
// form "WAIT:<millis>", which ParseStepSpec converts once, at plan time.
//
// # Payloads and context
//
// Step results are typed Payload values. Handlers return a StepResult whose
// Patch is merged into the workflow Context without overwriting existing
// keys. Downstream steps read upstream results with Lookup, or discover them
// by capability with FindFirst. Concrete payload types must be registered
// with RegisterPayload so that durable stores can encode them.
//
// # Observability
//
// The Observer interface reports lifecycle events. LoggingObserver writes
// them to log/slog, BasicMetrics keeps in-process counters, and
// NewCompositeObserver combines several observers.
package api
