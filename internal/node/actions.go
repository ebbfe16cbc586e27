package node

import (
	"github.com/go-kit/log/level"

	"github.com/sincronizacion-distribuida/naimi-trehel/internal/message"
)

// assignPrivilege runs while the node holds the token, is not using it, and
// has pending requesters. The algorithm is naturally recursive (pop the
// queue, route or enter the critical section, then re-attempt for a fresh
// self-request queued during the CS); since Go has no reentrant mutex this
// is expressed as a single loop under one lock acquisition instead.
func (n *Node) assignPrivilege() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assignPrivilegeLocked()
}

func (n *Node) assignPrivilegeLocked() {
	for n.holder == n.id && !n.using && len(n.queue) > 0 {
		h := n.queue[0]
		n.queue = n.queue[1:]
		n.holder = h
		n.asked = false

		if h != n.id {
			n.emit(message.NewAssign(n.id), h)
			break
		}

		n.using = true
		level.Info(n.logger).Log("msg", "entering critical section")
		n.sentinel.Acquire()
		n.clock.Sleep(n.csWork)
		n.sentinel.Release()
		n.using = false
		level.Info(n.logger).Log("msg", "left critical section")
		// Loop re-evaluates: a fresh self-request may have queued during
		// the critical section and should be served immediately.
	}
	n.makeRequestLocked()
}

// makeRequest forwards a REQUEST to the current holder exactly once per
// outstanding local interest, guarded by asked.
func (n *Node) makeRequest() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.makeRequestLocked()
}

func (n *Node) makeRequestLocked() {
	if n.holder != n.id && len(n.queue) > 0 && !n.asked {
		n.emit(message.NewRequest(n.id), n.holder)
		n.asked = true
	}
}

// emit encodes and sends msg to dest, counting it. Transport failures are
// logged and swallowed: the protocol has no retry logic of its own,
// reliable FIFO delivery is delegated entirely to the transport.
func (n *Node) emit(msg message.Message, dest uint64) {
	n.counters.IncMessagesSent()
	if err := n.transport.Send(dest, message.Encode(msg)); err != nil {
		level.Warn(n.logger).Log("msg", "send failed", "dest", dest, "type", msg.Type.String(), "err", err)
	}
}
