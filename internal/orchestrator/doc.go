// Package orchestrator drives pipeline runs through their stage sequence.
//
// The orchestrator owns no durable state. Every decision is made against a
// snapshot freshly loaded from the checkpoint store, and every mutation is
// written back behind a version compare-and-swap, so any number of process
// restarts or concurrently deployed instances converge on the same run
// history without repeating a checkpointed stage.
//
// Control flow is a loop over stage boundaries. At each boundary the
// orchestrator reloads the run and, in order: completes the run if the
// final stage's durable write already landed, honors a pending cancellation
// signal, fails runs whose clarification deadline lapsed, suspends on an
// open question, merges a fresh answer, and otherwise executes the next
// stage with retry and exponential backoff. In-flight model calls are never
// interrupted; cancellation and deadlines take effect only here.
package orchestrator
