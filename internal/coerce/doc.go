// Package coerce converts arbitrary, possibly malformed values into typed
// primitives and collections with deterministic fallback.
//
// Stage output from a language model is untrusted: fields may be missing,
// null, a different shape than requested, or decorated with annotations
// ("HIGH (90%)", "8/10", "promising - strong fit"). Every function in this
// package accepts any input whatsoever and returns a value inside the
// declared domain. Nothing here ever returns an error or panics.
//
// Callers that want to observe repairs pass a *Result, which accumulates
// a coerced flag and human-readable warnings.
package coerce
