// Package model defines the provider‑agnostic abstractions and concrete
// helpers for streaming palette candidates out of generative backends.
//
// Core goals:
//   - Unify text streaming and natively structured output behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests and demos (MockModel)
//
// Providers (OpenAI, Anthropic, Gemini) implement the Model interface from
// this package so higher layers (producers, scheduler) remain decoupled from
// vendor SDKs.
package model
