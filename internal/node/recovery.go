package node

import (
	"github.com/go-kit/log/level"

	"github.com/sincronizacion-distribuida/naimi-trehel/internal/message"
)

// Fail simulates a crash: it clears all per-failure state, waits out a
// fixed downtime to model restart latency, then broadcasts RESTART to
// every neighbor. Only the network supervisor should call Fail, and only
// when no other node is currently reconstructing its own state after a
// crash — enforced structurally, see internal/network.
//
// While the node is down (the downtime window, before RESTART goes out),
// failed is set so the receive loop drops anything that arrives instead of
// handing it to HandleMessage — a real crashed process isn't listening
// either. failed clears as soon as the downtime sleep ends, since from
// that point the node is actively waiting on ADVISE replies and must
// process its inbox normally.
func (n *Node) Fail() {
	n.mu.Lock()
	n.inRecovery = true
	n.failed = true
	n.asked = false
	n.queue = nil
	n.using = false
	n.holder = 0 // meaningless while inRecovery; cleared along with the rest of the stale state
	n.neighborHolder = make(map[uint64]uint64)
	n.inNeighborQueue = make(map[uint64]bool)
	n.neighborAsked = make(map[uint64]bool)
	n.adviseReceived = make(map[uint64]bool)
	neighbors := append([]uint64(nil), n.neighbors...)
	n.mu.Unlock()

	level.Info(n.logger).Log("msg", "failed")
	n.clock.Sleep(n.downtime)

	n.mu.Lock()
	n.failed = false
	n.mu.Unlock()
	level.Info(n.logger).Log("msg", "entering recovery mode")

	if len(neighbors) == 0 {
		// No neighbor will ever advise; this node is trivially its own root.
		n.mu.Lock()
		n.recoverLocked()
		n.mu.Unlock()
		return
	}

	for _, nb := range neighbors {
		n.emit(message.NewRestart(n.id), nb)
	}
}

// recoverLocked reconstructs holder, asked and queue from the recovery
// scratch once every neighbor has advised. Must be called with n.mu held.
// Running it twice on the same scratch is idempotent: it derives (holder,
// asked, queue) purely from neighborHolder/inNeighborQueue/neighborAsked,
// none of which recoverLocked itself mutates.
func (n *Node) recoverLocked() {
	isRoot := true
	for _, nb := range n.neighbors {
		if n.neighborHolder[nb] != n.id {
			isRoot = false
			break
		}
	}

	if isRoot {
		n.holder = n.id
		n.asked = false
	} else {
		for _, nb := range n.neighbors {
			if n.neighborHolder[nb] != n.id {
				n.holder = nb
				n.asked = n.inNeighborQueue[nb]
				break
			}
		}
	}

	n.queue = nil
	for _, nb := range n.neighbors {
		if n.neighborHolder[nb] == n.id && n.neighborAsked[nb] {
			n.queue = append(n.queue, nb)
		}
	}

	n.inRecovery = false
	level.Info(n.logger).Log("msg", "left recovery mode", "holder", n.holder, "asked", n.asked, "queueLen", len(n.queue))

	// Re-arm directly rather than waiting for the next inbound message to
	// trigger the first attempt: a fresh self-request or routable queue
	// entry reconstructed above should act immediately.
	n.assignPrivilegeLocked()
	n.makeRequestLocked()
}
