package node

import (
	"context"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

// Run drives the node's two concurrent activities — the receiver loop and
// the requester loop — until ctx is cancelled. The two loops only ever touch node state through methods that
// take n.mu, so they never interleave their mutations.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.receiveLoop(ctx) })
	g.Go(func() error { return n.requestLoop(ctx) })
	return g.Wait()
}

func (n *Node) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-n.inbox:
			if !ok {
				return nil
			}
			if n.failedNow() {
				level.Debug(n.logger).Log("msg", "dropping message received during downtime")
				continue
			}
			if err := n.HandleMessage(raw); err != nil {
				level.Warn(n.logger).Log("msg", "dropping malformed message", "err", err)
			}
		}
	}
}

// requestLoop periodically decides whether to ask for the privilege. A
// zero AskRate disables it entirely (used for passive/root nodes in some
// scenarios).
func (n *Node) requestLoop(ctx context.Context) error {
	if n.askRate <= 0 {
		<-ctx.Done()
		return nil
	}

	for {
		n.clock.Sleep(n.nextRequestDelay())
		if ctx.Err() != nil {
			return nil
		}

		n.mu.Lock()
		if n.inRecovery {
			n.mu.Unlock()
			continue
		}
		if !containsID(n.queue, n.id) {
			level.Debug(n.logger).Log("msg", "asking for privilege")
			n.queue = append(n.queue, n.id)
			n.counters.IncRequestsIssued()
			n.assignPrivilegeLocked()
			n.makeRequestLocked()
		}
		n.mu.Unlock()

		if ctx.Err() != nil {
			return nil
		}
	}
}
