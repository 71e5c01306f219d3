// Package config holds the format constants of the replicated storage
// engine: block size, index fan-out, timeouts, and default concurrency
// limits. These values define the wire format and on-disk layout; changing
// them changes compatibility between peers (spec.md §6).
package config

import "time"

const (
	// BlockSize is the fixed size, in bytes, of a plaintext block payload.
	BlockSize = 32 * 1024

	// InnerLayerCount is the number of inner-node layers between the root
	// and the leaves. Each layer fans out 256-way.
	InnerLayerCount = 3

	// FanOut is the number of buckets under every inner node. Leaf-node
	// groups are not bucketed.
	FanOut = 256

	// RequestTimeout bounds how long a block request may stay pending
	// before it is abandoned and retried. Index requests have no timeout:
	// they are cheap to re-issue from the response stream.
	RequestTimeout = 30 * time.Second

	// DefaultBlockConcurrency is the default peer-wide number of
	// in-flight block requests.
	DefaultBlockConcurrency = 32

	// DefaultPerClientConcurrency bounds in-flight block requests per
	// connected peer so one slow peer cannot starve the others.
	DefaultPerClientConcurrency = 8
)
