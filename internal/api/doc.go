// Package api defines the shared vocabulary of the engine: channel and
// connector state enums, typed events, read-model snapshots, and the error
// taxonomy used across packages.
//
// Packages under internal/ depend on api instead of on each other's concrete
// types, which keeps the dependency graph acyclic: the channel runtime, the
// connectors, the store, and the HTTP server all speak these types.
package api
