// Package transport defines the delivery abstraction nodes use to exchange
// encoded messages, and a default in-process implementation of it. The
// concrete broker is an external collaborator — any reliable FIFO
// point-to-point channel suffices — so this package gives the rest of the
// module something concrete to compile and test against without depending
// on a running broker.
package transport

// Transport delivers byte payloads between node ids over a reliable,
// per-destination FIFO channel, one durable queue per destination node.
type Transport interface {
	// Send enqueues payload for delivery to dest. It never blocks for long;
	// a full mailbox indicates a bug elsewhere (a node that stopped
	// consuming), not backpressure to design around.
	Send(dest uint64, payload []byte) error

	// Subscribe returns the channel a node reads its inbound messages from.
	// Calling Subscribe for the same id twice returns the same channel.
	Subscribe(id uint64) <-chan []byte

	// Close shuts down delivery for id: its mailbox is removed from the
	// registry and further Sends to id are silently discarded. A failed
	// node's downtime window does not go through Close: the node itself
	// drops whatever reaches its inbox while it is down.
	// Close must not close the channel Subscribe returned — a concurrent
	// Send racing Close would then panic sending on a closed channel.
	// Readers learn to stop via their own shutdown signal (e.g. a cancelled
	// context), not channel closure.
	Close(id uint64)
}
