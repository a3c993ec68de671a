// Package hydrus contains the shared types of the hydrus repository server:
// identifier and key types, the content-type and permission enums, the error
// taxonomy surfaced over the wire, and small helpers (logging setup, retry,
// serialization) used across the engine subpackages.
package hydrus
