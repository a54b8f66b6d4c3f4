// Package engine is the composition root of the execution core.
//
// An Engine owns the capability token and wires the threading core, the
// scheduler, the event bus and the asset manager together. Applications
// interact with those through the accessors; only the engine can start the
// loops or advance the frame and tick registries.
//
// ARCHITECTURE:
//
// Supervisor loop:
// Run starts the core and then acts as a single-writer supervisor. Control
// requests (shutdown requests, thread failures) are enqueued from any
// goroutine, including from inside engine lanes, and processed one at a time
// on the Run goroutine. A lane therefore never stops the engine from its own
// stack.
//
// Shutdown order:
//  1. Scheduler timers are cancelled.
//  2. The asset manager stops its loader pool and disposes cached assets on
//     the render lane, which is still running.
//  3. The core stops audio, logic, render and finally the worker pool.
//
// Failure policy:
// Every uncaught failure is logged with its lane. Thread-level failures
// additionally request shutdown when the configuration asks for it.
package engine
