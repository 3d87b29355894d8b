// Package orchestrator implements the workflow scheduling engine: it walks a
// task dependency graph, drives capability executors under a concurrency
// ceiling, isolates per-task failures, and publishes lifecycle events for the
// outbox to persist.
//
// Execution modes:
//
//   - Sequential (default): tasks run in dependency order. Each round the
//     scheduler computes the frontier (tasks whose dependencies have all
//     completed) and launches at most MaxConcurrentTasks of them together.
//     An empty frontier with tasks remaining means a circular or missing
//     dependency and fails the run.
//   - Parallel: every task launches at once and DependsOn is ignored.
//     Callers choosing parallel mode accept no ordering guarantees.
//
// Cancellation is cooperative: CancelWorkflow signals the run context and
// records the cancellation, but an executor call already in flight runs to
// completion and its result is discarded.
package orchestrator
