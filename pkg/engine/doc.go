// Package engine implements the Windlass resource lifecycle engine.
//
// # Overview
//
// Users describe desired resources as data; the engine computes and
// performs the minimal create/update/delete operations against
// external systems to make reality match, persisting enough state to
// repeat the process idempotently on every run.
//
// The execution model:
//
//  1. Register - providers register a kind and handler at process start
//  2. Declare - a user program applies resources through typed Providers
//  3. Reconcile - the apply engine diffs declared properties against
//     persisted state and skips, creates, or updates each resource
//  4. Finalize - scopes run cleanup hooks, sweep deferred deletions,
//     and prune resources no longer declared
//
// # Core Domain Types
//
//   - Resource: one declared, independently reconciled unit, identified
//     by (kind, id) within a Scope
//   - Scope: hierarchical ownership node holding resources, child
//     scopes, and the state-store binding
//   - Context: the per-invocation handle a provider handler receives
//   - Provider: the typed registration of one resource kind
//
// # Control Flow
//
// Handlers signal replacement or destruction by calling Context.Replace
// or Context.Destroy, which do not return. The invocation wrapper
// recovers the signal into a tagged outcome consumed by a dedicated
// dispatch step, so ordinary error handling can never swallow a
// control signal. Signals never propagate to callers of Apply or
// DestroyAll.
//
// # Error Classification
//
// Errors carry a class (transient, throttled, conflict, permanent)
// used by providers for retry decisions. The engine retries nothing:
// any non-signal handler error is fatal to the resource and marks the
// owning scope failed.
package engine
