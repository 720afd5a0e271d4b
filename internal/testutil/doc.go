// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing core model objects (palettes,
// scripted producer sources, sessions) and asserting behaviors. These helpers
// are intentionally minimal. They are not intended for production usage.
package testutil
