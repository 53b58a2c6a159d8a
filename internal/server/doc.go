// Package server implements the HTTP and WebSocket surface of the Loft
// chat service.
//
// The implementation is organized into specialized files for
// configuration, connection lifecycle, routing, and HTTP handlers to
// keep the codebase maintainable and testable as the project grows.
package server
