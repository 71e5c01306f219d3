package protocol

import (
	"context"

	"github.com/luxfi/ids"
)

// Transport is supplied by the network layer this module does not
// implement (spec.md §1, §4.7): an authenticated, encrypted,
// stream-oriented bidirectional channel per peer. The core only needs to
// send and receive framed Message values and be told when the peer goes
// away.
type Transport interface {
	// Send delivers msg to the peer. Send may be called concurrently with
	// Recv but not with itself.
	Send(ctx context.Context, msg Message) error
	// Recv blocks until the next Message arrives, or returns an error
	// (including a sentinel for "peer disconnected") when the stream
	// closes.
	Recv(ctx context.Context) (Message, error)
	// Close closes the underlying stream.
	Close() error
}

// Link identifies one peer connection by its remote node id. It carries
// no repository ids.
type Link struct {
	NodeId ids.NodeID
}

// Discovery is supplied by the collaborator that finds peers (DHT, local
// multicast, user-provided addresses — spec.md §1, §4.7). The core only
// consumes the resulting connection handles.
type Discovery interface {
	// Peers returns a channel of newly discovered peer addresses. Closing
	// ctx stops discovery and closes the channel.
	Peers(ctx context.Context) <-chan ids.NodeID
}
