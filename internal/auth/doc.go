// ABOUTME: Package documentation for the auth package
// ABOUTME: Describes the admission contract for visitor and agent connections

// Package auth validates the identity a connection claims before the
// registry admits it.
//
// Visitors are pseudo-anonymous: the claimed site must exist and the visitor
// id must be a well-formed UUID. Agents present a bearer token (HS256 JWT)
// whose "sub" claim is the user id and whose "site" claim must match the
// claimed site. Authentication failures close the connection; there is no
// retry inside this package.
package auth
