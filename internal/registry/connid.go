// Package registry allocates process-unique connection identifiers.
package registry

import "sync/atomic"

// ConnID uniquely identifies a live connection for the lifetime of the
// process. IDs start at 1 and are never reused.
type ConnID uint64

var nextConnIDCounter atomic.Uint64

// NextConnID returns the next connection identifier. It is safe to call
// from any number of goroutines and never blocks.
func NextConnID() ConnID {
	return ConnID(nextConnIDCounter.Add(1))
}
