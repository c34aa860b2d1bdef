// ABOUTME: Package documentation for the hub package
// ABOUTME: Describes the frame dispatch and handshake contract

// Package hub is the websocket-facing surface of the chat hub.
//
// A connection's first frame must be an authenticate request, arriving
// within the handshake timeout; everything after that is dispatched through
// an explicit handler table keyed by frame type. Handlers return at most one
// reply event for the calling connection; any wider fan-out happens inside
// the domain services, after persistence. Domain events are additionally
// published to an in-process broadcaster for external consumers.
package hub
