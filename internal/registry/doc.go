// ABOUTME: Package documentation for the registry package
// ABOUTME: Notes the single-instance constraint of the in-process tables

// Package registry tracks live connections and fans events out to them.
//
// The registry is deliberately separate from the domain entities: Visitor,
// Agent and Conversation stay free of transport concerns, and the registry
// holds all session-scoped mutable state in one table with explicit
// lifecycle (admit, remove, close).
//
// The tables are process-local. Claim arbitration and message ordering are
// enforced at the storage layer and stay correct across hub instances, but
// fan-out and presence derived from this registry only see connections held
// by this process. A multi-instance deployment needs a shared broker for
// those concerns; this constraint is intentional and documented rather than
// hidden.
package registry
