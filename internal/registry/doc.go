// Package registry implements the in-memory presence core of the Loft chat
// service: which groups are live, which connections and users belong to
// each, and the per-connection outbound queues used for fan-out.
//
// The implementation is organized into specialized files for connection ID
// allocation, outbound queues, per-group state, and the sharded group map
// to keep the codebase maintainable and testable as the project grows.
package registry
