// Package identity resolves bearer credentials to user identities.
//
// The chat service never handles passwords. A Provider verifies an access
// token issued elsewhere (PASETO v4.public or HS256 JWT) and returns the
// caller's user ID for the HTTP and WebSocket layers.
package identity
