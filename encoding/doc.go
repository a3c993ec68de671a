// Package encoding defines the wire shapes of hydrus network objects: the
// immutable server-to-client update bundles (definitions and content), the
// client-to-server petition bundle, and the moderator-facing petition object.
//
// Every object travels inside a typed, versioned envelope. Payload bytes are
// produced with the default JSON marshaler and deflated with zlib; the SHA-256
// of the deflated bytes is the object's identity, so encoding must stay
// byte-stable for a given payload.
package encoding
