package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sincronizacion-distribuida/naimi-trehel/internal/message"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/transport"
)

// TestRecoverBecomesRootWhenAllNeighborsPointBack exercises the case where
// every neighbor reports holder = self: the recovering node reconstructs
// itself as the tree root.
func TestRecoverBecomesRootWhenAllNeighborsPointBack(t *testing.T) {
	bus := transport.NewBus()
	bus.Subscribe(1)
	bus.Subscribe(2)
	bus.Subscribe(3)
	n := New(testConfig(1, false, 2, bus))
	n.AddNeighbor(2)
	n.AddNeighbor(3)

	n.Fail()

	require.NoError(t, n.HandleMessage(message.Encode(message.NewAdvise(2, 1, false, false))))
	require.True(t, n.InRecovery())
	require.NoError(t, n.HandleMessage(message.Encode(message.NewAdvise(3, 1, false, false))))

	snap := n.Snapshot()
	require.False(t, snap.InRecovery)
	require.Equal(t, uint64(1), snap.Holder)
	require.False(t, snap.Asked)
	require.Empty(t, snap.Queue)
}

// TestRecoverPointsTowardLiveRootAndRebuildsQueue checks that the
// recovering node routes toward whichever neighbor does not report the
// recovering node as its own holder, and re-threads the neighbor whose
// request was transiting through it.
func TestRecoverPointsTowardLiveRootAndRebuildsQueue(t *testing.T) {
	bus := transport.NewBus()
	bus.Subscribe(1)
	bus.Subscribe(2)
	bus.Subscribe(3)
	n := New(testConfig(1, false, 2, bus))
	n.AddNeighbor(2)
	n.AddNeighbor(3)

	n.Fail()

	// Neighbor 2 reports a holder other than this node (99): the live
	// root is on 2's side. Node 1 is already queued in 2's own queue.
	require.NoError(t, n.HandleMessage(message.Encode(message.NewAdvise(2, 99, true, true))))
	// Neighbor 3 reports this node as its holder and has an outstanding
	// request forwarded further, so it must re-thread into the queue.
	require.NoError(t, n.HandleMessage(message.Encode(message.NewAdvise(3, 1, false, true))))

	snap := n.Snapshot()
	require.False(t, snap.InRecovery)
	require.Equal(t, uint64(2), snap.Holder)
	require.True(t, snap.Asked)
	require.Equal(t, []uint64{3}, snap.Queue)
}

func TestRecoverRebuildsQueueFromAskedNeighbors(t *testing.T) {
	bus := transport.NewBus()
	bus.Subscribe(1)
	bus.Subscribe(2)
	bus.Subscribe(3)
	n := New(testConfig(1, false, 2, bus))
	n.AddNeighbor(2)
	n.AddNeighbor(3)

	n.Fail()

	require.NoError(t, n.HandleMessage(message.Encode(message.NewAdvise(2, 1, false, false))))
	require.NoError(t, n.HandleMessage(message.Encode(message.NewAdvise(3, 1, false, true))))

	snap := n.Snapshot()
	require.False(t, snap.InRecovery)
	// Both neighbors point back, so this node rebuilds itself as root with
	// neighbor 3 queued; the re-arm at the end of recovery then passes the
	// token straight on to 3.
	require.Equal(t, uint64(3), snap.Holder)
	require.Empty(t, snap.Queue)
}

func TestRecoverIsIdempotent(t *testing.T) {
	bus := transport.NewBus()
	bus.Subscribe(1)
	n := New(testConfig(1, false, 2, bus))
	n.AddNeighbor(2)
	n.AddNeighbor(3)

	n.mu.Lock()
	n.neighborHolder[2] = 1
	n.neighborHolder[3] = 1
	n.inNeighborQueue[2] = false
	n.inNeighborQueue[3] = false
	n.neighborAsked[2] = true
	n.neighborAsked[3] = false
	n.inRecovery = true
	n.recoverLocked()
	first := Snapshot{Holder: n.holder, Asked: n.asked, Queue: append([]uint64(nil), n.queue...)}

	// Re-run on the same (untouched) scratch.
	n.inRecovery = true
	n.recoverLocked()
	second := Snapshot{Holder: n.holder, Asked: n.asked, Queue: append([]uint64(nil), n.queue...)}
	n.mu.Unlock()

	require.Equal(t, first, second)
}

func TestFailWithNoNeighborsRecoversImmediately(t *testing.T) {
	bus := transport.NewBus()
	bus.Subscribe(1)
	n := New(testConfig(1, true, 0, bus))

	n.Fail()

	// No neighbors to advise from: Fail must recover synchronously after
	// the downtime sleep rather than waiting forever.
	snap := n.Snapshot()
	require.False(t, snap.InRecovery)
	require.Equal(t, uint64(1), snap.Holder)
}

func TestFailClearsStateBeforeDowntime(t *testing.T) {
	bus := transport.NewBus()
	bus.Subscribe(1)
	bus.Subscribe(2)
	cfg := testConfig(1, true, 0, bus)
	cfg.Downtime = 150 * time.Millisecond
	n := New(cfg)
	n.AddNeighbor(2)

	n.mu.Lock()
	n.queue = []uint64{1, 2}
	n.using = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.Fail()
		close(done)
	}()

	// Inside the downtime window the stale state is already gone.
	require.Eventually(t, n.failedNow, time.Second, time.Millisecond)
	snap := n.Snapshot()
	require.Empty(t, snap.Queue)
	require.False(t, snap.Using)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Fail did not return in time")
	}
	require.True(t, n.InRecovery())
}

// TestMessagesDuringDowntimeAreDropped sends a REQUEST to a node while it
// is still inside its post-failure downtime window and asserts it never
// reaches HandleMessage: the queue stays empty instead of picking up the
// sender.
func TestMessagesDuringDowntimeAreDropped(t *testing.T) {
	bus := transport.NewBus()
	bus.Subscribe(1)
	cfg := testConfig(1, true, 0, bus)
	cfg.Downtime = 150 * time.Millisecond
	n := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	go n.Fail()
	time.Sleep(20 * time.Millisecond)
	require.True(t, n.failedNow())

	require.NoError(t, bus.Send(1, message.Encode(message.NewRequest(42))))
	time.Sleep(30 * time.Millisecond)

	require.True(t, n.failedNow(), "still inside the downtime window")
	require.Empty(t, n.Snapshot().Queue, "a message received during downtime must never reach HandleMessage")

	require.Eventually(t, func() bool {
		return !n.InRecovery()
	}, 2*time.Second, 5*time.Millisecond)
}
