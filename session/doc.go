// Package session houses concrete implementations of the core.SessionStore.
// The interface itself (and the Session struct) live in the core package
// to centralize domain contracts. Keeping only implementations here prevents
// higher level packages (the mesh, the server) from depending on concrete
// storage.
//
// Three backends are provided:
//
//   - InMemoryStore: process local, the default
//   - RedisStore: shared across instances, keys namespaced per deployment
//   - BadgerStore: embedded on-disk store for single node deployments
//
// Only the wiring layer decides which implementation to instantiate.
package session
