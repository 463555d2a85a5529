// Package stepwise provides an embeddable engine for durable, sequential
// workflows.
//
// A workflow is a goal plus an ordered chain of steps. Steps run strictly one
// after another; each step receives the workflow's shared context and may add
// new keys to it. All progress lives in a store, so a process can crash and a
// new one picks up where the old one stopped.
//
// # Core Concepts
//
//  1. Engine
//  2. Handler and Planner
//  3. Worker
//  4. PlanBuilder
//  5. LocalRunner
//
// # Engine
//
// The Engine creates workflows, claims eligible steps one at a time, runs
// their handlers, and unblocks the next step in each chain. Engines can be
// backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Every backend claims steps atomically, so several workers can share one
// store without running a step twice.
//
// # Steps and scheduling
//
// A step is BLOCKED until its predecessor completes, then PENDING, RUNNING,
// and finally COMPLETED or FAILED. Among all PENDING steps whose ScheduledFor
// has passed, the one with the smallest (ScheduledFor, Seq) runs first.
//
// A wait step, written "WAIT:<millis>" by planners or added with
// PlanBuilder.Wait, runs no handler. It pushes the next step's ScheduledFor
// into the future and completes.
//
// A failed step leaves the rest of its chain BLOCKED. There are no retries.
//
// # Recovery
//
// After a crash, call Recover once, before any worker starts. It returns
// every RUNNING step to PENDING and repairs chains that stopped between a
// completion and the unblock of the next step. Interrupted handlers run again,
// so handlers should tolerate re-execution.
//
// # Worker
//
// A Worker calls ProcessOne in a loop, sleeping when there is no eligible work
// and backing off after store errors. See package worker.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine with workers. It is not
// crash-durable, but it is the most convenient way to run and debug workflows
// during development. WorkerBundle is the SQLite-backed equivalent.
//
// For examples, see the /examples directory.
package stepwise
