package node

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/sincronizacion-distribuida/naimi-trehel/internal/message"
)

// HandleMessage decodes and dispatches one inbound message, then — unless
// the node is in recovery — attempts assignPrivilege followed by
// makeRequest. Decoding is defensive: a well-behaved transport never
// delivers a malformed frame, but a future transport bug should not
// corrupt node state silently.
func (n *Node) HandleMessage(raw []byte) error {
	msg, err := message.Decode(raw)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch msg.Type {
	case message.Request:
		level.Debug(n.logger).Log("msg", "received request", "from", msg.From)
		n.queue = append(n.queue, msg.From)

	case message.Assign:
		level.Debug(n.logger).Log("msg", "received assign", "from", msg.From)
		if n.holder == n.id {
			level.Error(n.logger).Log("msg", "invariant violation: assign received while already holder", "from", msg.From)
			panic(fmt.Sprintf("node %d: ASSIGN received from %d while holder = self", n.id, msg.From))
		}
		n.holder = n.id

	case message.Restart:
		level.Debug(n.logger).Log("msg", "received restart", "from", msg.From)
		reply := message.NewAdvise(n.id, n.holder, containsID(n.queue, msg.From), n.asked)
		n.emit(reply, msg.From)

	case message.Advise:
		level.Debug(n.logger).Log("msg", "received advise", "from", msg.From)
		if !n.isNeighbor(msg.From) {
			level.Error(n.logger).Log("msg", "invariant violation: advise from non-neighbor", "from", msg.From)
			panic(fmt.Sprintf("node %d: ADVISE received from non-neighbor %d", n.id, msg.From))
		}
		n.neighborHolder[msg.From] = msg.Advise.SenderHolder
		n.inNeighborQueue[msg.From] = msg.Advise.SenderInMyQueue
		n.neighborAsked[msg.From] = msg.Advise.SenderAsked
		n.adviseReceived[msg.From] = true

		if n.allAdvised() {
			n.recoverLocked()
		}

	default:
		return fmt.Errorf("node %d: unhandled message type %q", n.id, msg.Type)
	}

	if !n.inRecovery {
		n.assignPrivilegeLocked()
		n.makeRequestLocked()
	}
	return nil
}

func (n *Node) allAdvised() bool {
	if len(n.neighbors) == 0 {
		return true
	}
	for _, nb := range n.neighbors {
		if !n.adviseReceived[nb] {
			return false
		}
	}
	return true
}
