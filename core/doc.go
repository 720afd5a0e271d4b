// Package core provides the foundational domain types and interfaces shared by
// every palettemesh package. It defines the core abstractions for:
//
//   - Palettes (accepted, fully formed arrays of hex color tokens)
//   - Events (the tagged producer lifecycle records multiplexed by the scheduler)
//   - Requests (theme, limit, examples and feedback bias input)
//   - Sessions (versioned refinement conversations with per-version feedback)
//   - SessionStore (the persistence boundary implemented by package session)
//
// The package intentionally keeps implementation concerns (backends, scheduling,
// transports, storage engines) out of scope, exposing small types so the other
// packages can depend on them without depending on each other.
package core
