// Package node implements the per-node Naimi-Trehel/Naimi-Arnould state
// machine: the holder/asked/using/queue fields, the four message handlers,
// the assign-privilege and make-request actions, and crash recovery.
package node

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/go-kit/log"

	"github.com/sincronizacion-distribuida/naimi-trehel/internal/metrics"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/sentinel"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/transport"
)

const (
	defaultDowntime = 5 * time.Second
	defaultCSWork   = 1500 * time.Millisecond
)

// Config constructs a Node. Transport, Counters and Sentinel are shared by
// reference across every node in a network, so message delivery and
// complexity counting stay consistent network-wide.
type Config struct {
	ID uint64

	// Root marks the node as the initial tree root (holder = self). When
	// Root is false, InitialHolder names the node's starting holder.
	Root          bool
	InitialHolder uint64

	// AskRate is the exponential rate (requests per second) at which the
	// node asks for the privilege. Zero disables the requester loop.
	AskRate float64

	Transport transport.Transport
	Counters  *metrics.Counters
	Sentinel  *sentinel.Sentinel

	Clock  clock.Clock
	Logger log.Logger

	Downtime time.Duration
	CSWork   time.Duration
}

// Node is one participant in the Naimi-Trehel tree.
type Node struct {
	id uint64

	mu         sync.Mutex
	neighbors  []uint64 // insertion order, kept deterministic for recovery
	holder     uint64
	asked      bool
	using      bool
	queue      []uint64
	inRecovery bool
	failed     bool // true only during the post-failure downtime window

	neighborHolder  map[uint64]uint64
	inNeighborQueue map[uint64]bool
	neighborAsked   map[uint64]bool
	adviseReceived  map[uint64]bool

	askRate  float64
	downtime time.Duration
	csWork   time.Duration

	transport transport.Transport
	inbox     <-chan []byte
	counters  *metrics.Counters
	sentinel  *sentinel.Sentinel
	clock     clock.Clock
	logger    log.Logger
	rng       *rand.Rand
}

// New constructs a Node and subscribes it to its transport mailbox. Call
// AddNeighbor for every edge before Run.
func New(cfg Config) *Node {
	holder := cfg.ID
	if !cfg.Root {
		holder = cfg.InitialHolder
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	downtime := cfg.Downtime
	if downtime == 0 {
		downtime = defaultDowntime
	}
	csWork := cfg.CSWork
	if csWork == 0 {
		csWork = defaultCSWork
	}

	n := &Node{
		id:       cfg.ID,
		holder:   holder,
		askRate:  cfg.AskRate,
		downtime: downtime,
		csWork:   csWork,

		neighborHolder:  make(map[uint64]uint64),
		inNeighborQueue: make(map[uint64]bool),
		neighborAsked:   make(map[uint64]bool),
		adviseReceived:  make(map[uint64]bool),

		transport: cfg.Transport,
		counters:  cfg.Counters,
		sentinel:  cfg.Sentinel,
		clock:     clk,
		logger:    log.With(logger, "node", cfg.ID),
		rng:       rand.New(rand.NewSource(int64(cfg.ID)*2654435761 + clk.Now().UnixNano())),
	}
	n.inbox = cfg.Transport.Subscribe(cfg.ID)
	return n
}

// ID returns the node's stable identifier.
func (n *Node) ID() uint64 {
	return n.id
}

// AddNeighbor records a fixed-for-the-run neighbor edge. Must be called
// before Run; neighbor order is preserved for deterministic recovery.
func (n *Node) AddNeighbor(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, existing := range n.neighbors {
		if existing == id {
			return
		}
	}
	n.neighbors = append(n.neighbors, id)
}

// InRecovery reports whether the node is currently reconstructing state
// after a failure. The network supervisor uses this to enforce "at most
// one recovery at a time".
func (n *Node) InRecovery() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inRecovery
}

// failedNow reports whether the node is in its post-failure downtime
// window. The receive loop uses this to drop inbound messages outright
// instead of handing them to HandleMessage: a message that arrives while
// the node is down belongs to state it has already discarded, and by the
// time it reopens for business that state will have been rebuilt from
// scratch by recovery anyway.
func (n *Node) failedNow() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failed
}

// Snapshot is a point-in-time, lock-safe copy of a node's visible state,
// used by the httpapi introspection endpoint and by tests.
type Snapshot struct {
	ID         uint64
	Holder     uint64
	Asked      bool
	Using      bool
	Queue      []uint64
	InRecovery bool
}

// Snapshot returns the node's current state.
func (n *Node) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	queue := make([]uint64, len(n.queue))
	copy(queue, n.queue)

	return Snapshot{
		ID:         n.id,
		Holder:     n.holder,
		Asked:      n.asked,
		Using:      n.using,
		Queue:      queue,
		InRecovery: n.inRecovery,
	}
}

func (n *Node) isNeighbor(id uint64) bool {
	for _, nb := range n.neighbors {
		if nb == id {
			return true
		}
	}
	return false
}

func containsID(ids []uint64, target uint64) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// nextRequestDelay samples Exp(askRate), the draw the requester loop sleeps
// for before deciding whether to ask for the privilege again.
func (n *Node) nextRequestDelay() time.Duration {
	u := n.rng.Float64()
	seconds := -math.Log(1.0-u) / n.askRate
	return time.Duration(seconds * float64(time.Second))
}
