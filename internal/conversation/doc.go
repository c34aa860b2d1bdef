// ABOUTME: Package documentation for the conversation package
// ABOUTME: States the persist-then-notify ordering guarantee

// Package conversation owns the conversation lifecycle: start, claim,
// transfer, resolve and reactivation after a visitor returns.
//
// Claim arbitration is delegated to the storage layer's compare-and-set so
// that two agents clicking claim at the same instant get exactly one winner,
// and the loser receives the authoritative assignment rather than an error.
// Every transition is persisted before any live client hears about it.
package conversation
