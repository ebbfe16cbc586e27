// Package network implements the supervisor: it builds the initial
// neighbor tree, starts and stops every node, and injects failures at
// exponential inter-arrival times, enforcing "at most one recovery in
// flight" network-wide.
package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	gocclock "code.cloudfoundry.org/clock"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/sincronizacion-distribuida/naimi-trehel/internal/metrics"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/node"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/sentinel"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/transport"
)

// pollInterval is how often the failure-injection loop re-checks its
// exponential deadline and the previous failure's recovery gate.
const pollInterval = 50 * time.Millisecond

// ErrUnknownNode is returned when an operation names a node id that was
// never added via AddNode.
var ErrUnknownNode = errors.New("network: unknown node id")

// ErrRecoveryInProgress is returned by Fail when another node's recovery
// is still in flight: at most one node may reconstruct its state at a time.
var ErrRecoveryInProgress = errors.New("network: another node is already recovering")

// Config configures a Supervisor.
type Config struct {
	// FailureRate is failures per second; zero disables failure injection.
	FailureRate float64
	// ActivityRate is the default per-node request rate, used by AddNode
	// when no per-node override is given.
	ActivityRate float64

	Transport transport.Transport
	Counters  *metrics.Counters
	Sentinel  *sentinel.Sentinel
	Clock     gocclock.Clock
	Logger    log.Logger

	Downtime time.Duration
	CSWork   time.Duration
}

// Supervisor owns the node set and the shared collaborators (transport,
// counters, sentinel) every node is constructed with by reference.
type Supervisor struct {
	mu    sync.Mutex
	nodes map[uint64]*node.Node
	order []uint64

	failureRate  float64
	activityRate float64

	transport transport.Transport
	counters  *metrics.Counters
	sentinel  *sentinel.Sentinel
	clock     gocclock.Clock
	logger    log.Logger

	downtime time.Duration
	csWork   time.Duration

	rng *rand.Rand

	// recovering names the node currently reconstructing state after a
	// failure, or nil if none is. Fail is the only way to set it, and it
	// is cleared once that node leaves recovery — this is the single
	// enforcement point for "at most one recovery in flight" shared by
	// the failure-injection loop and any manual trigger (e.g. httpapi).
	recovering *node.Node

	g      *errgroup.Group
	cancel context.CancelFunc
}

// New constructs an empty Supervisor. Call AddNode for every node before
// Start.
func New(cfg Config) *Supervisor {
	t := cfg.Transport
	if t == nil {
		t = transport.NewBus()
	}
	counters := cfg.Counters
	if counters == nil {
		counters = metrics.New()
	}
	sent := cfg.Sentinel
	if sent == nil {
		sent = sentinel.New()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = gocclock.NewClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Supervisor{
		nodes:        make(map[uint64]*node.Node),
		failureRate:  cfg.FailureRate,
		activityRate: cfg.ActivityRate,
		transport:    t,
		counters:     counters,
		sentinel:     sent,
		clock:        clk,
		logger:       logger,
		downtime:     cfg.Downtime,
		csWork:       cfg.CSWork,
		rng:          rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// AddNode instantiates a node and, if holder is non-nil, symmetrically
// wires the neighbor edge. Edges are only ever added at creation, so the
// initial holder relation is always an in-tree rooted at the one node
// added with a nil holder.
func (s *Supervisor) AddNode(id uint64, holder *uint64, askRate *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[id]; exists {
		return fmt.Errorf("network: duplicate node id %d", id)
	}

	var holderNode *node.Node
	if holder != nil {
		hn, ok := s.nodes[*holder]
		if !ok {
			return fmt.Errorf("%w: holder %d for node %d", ErrUnknownNode, *holder, id)
		}
		holderNode = hn
	}

	rate := s.activityRate
	if askRate != nil {
		rate = *askRate
	}

	cfg := node.Config{
		ID:        id,
		AskRate:   rate,
		Transport: s.transport,
		Counters:  s.counters,
		Sentinel:  s.sentinel,
		Clock:     s.clock,
		Logger:    s.logger,
		Downtime:  s.downtime,
		CSWork:    s.csWork,
	}
	if holder == nil {
		cfg.Root = true
	} else {
		cfg.Root = false
		cfg.InitialHolder = *holder
	}

	n := node.New(cfg)
	s.nodes[id] = n
	s.order = append(s.order, id)

	if holderNode != nil {
		n.AddNeighbor(*holder)
		holderNode.AddNeighbor(id)
	}

	return nil
}

// Nodes returns a snapshot of every node's current state, keyed by id.
func (s *Supervisor) Nodes() map[uint64]node.Snapshot {
	s.mu.Lock()
	ids := append([]uint64(nil), s.order...)
	nodes := make(map[uint64]*node.Node, len(ids))
	for _, id := range ids {
		nodes[id] = s.nodes[id]
	}
	s.mu.Unlock()

	out := make(map[uint64]node.Snapshot, len(ids))
	for id, n := range nodes {
		out[id] = n.Snapshot()
	}
	return out
}

// Node returns the node with the given id, if any.
func (s *Supervisor) Node(id uint64) (*node.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Counters exposes the shared complexity counters for reporting.
func (s *Supervisor) Counters() *metrics.Counters {
	return s.counters
}

// Start launches every node's two loops and, if FailureRate > 0, the
// failure-injection loop, all under one errgroup bound to ctx.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.g = g

	s.mu.Lock()
	order := append([]uint64(nil), s.order...)
	s.mu.Unlock()

	for _, id := range order {
		n := s.nodes[id]
		g.Go(func() error { return n.Run(gctx) })
	}

	if s.failureRate > 0 {
		g.Go(func() error { return s.failureLoop(gctx) })
	}
}

// Stop signals every node to terminate, closes their transport mailboxes,
// waits for the run loops to exit, and reports the empirical complexity:
// (messages_sent, requests_issued).
func (s *Supervisor) Stop() (int64, int64) {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	order := append([]uint64(nil), s.order...)
	s.mu.Unlock()

	for _, id := range order {
		s.transport.Close(id)
	}

	if s.g != nil {
		if err := s.g.Wait(); err != nil {
			level.Warn(s.logger).Log("msg", "supervisor run loop exited with error", "err", err)
		}
	}

	snap := s.counters.Sample()
	return snap.MessagesSent, snap.RequestsIssued
}

// Fail reserves id as the in-flight recovery target and triggers its
// failure, enforcing "at most one recovery at a time". The
// reservation is made synchronously, so Fail returns ErrRecoveryInProgress
// immediately — without touching any node — if another node's recovery is
// still in flight; it returns ErrUnknownNode if id was never added. This
// is the only path (used by both the failure-injection loop and
// internal/httpapi's /fail/{id} handler) that is allowed to call a node's
// own Fail, closing the gap a direct `node.Fail()` call would leave.
func (s *Supervisor) Fail(id uint64) error {
	n, err := s.reserveFailureTarget(id)
	if err != nil {
		return err
	}

	go func() {
		level.Info(s.logger).Log("msg", "injecting failure", "node", id)
		n.Fail()
		for n.InRecovery() {
			s.clock.Sleep(pollInterval)
		}
		s.mu.Lock()
		if s.recovering == n {
			s.recovering = nil
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *Supervisor) reserveFailureTarget(id uint64) (*node.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if s.recovering != nil {
		return nil, ErrRecoveryInProgress
	}
	s.recovering = n
	return n, nil
}

func (s *Supervisor) failureLoop(ctx context.Context) error {
	nextFailureAt := s.clock.Now().Add(s.nextFailureDelay())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.clock.Sleep(pollInterval)
		if ctx.Err() != nil {
			return nil
		}

		if s.clock.Now().Before(nextFailureAt) {
			continue
		}

		target := s.randomNode()
		if target == nil {
			continue
		}
		if err := s.Fail(target.ID()); err != nil {
			// Another node is still recovering (or the draw raced a
			// concurrent manual /fail/{id}); try again next poll instead
			// of forcing a target.
			continue
		}
		nextFailureAt = s.clock.Now().Add(s.nextFailureDelay())
	}
}

func (s *Supervisor) randomNode() *node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	id := s.order[s.rng.Intn(len(s.order))]
	return s.nodes[id]
}

// nextFailureDelay samples Exp(failureRate), the draw between failures.
func (s *Supervisor) nextFailureDelay() time.Duration {
	u := s.rng.Float64()
	seconds := -math.Log(1.0-u) / s.failureRate
	return time.Duration(seconds * float64(time.Second))
}

// BuildSampleTree wires a star-plus-chain topology for demos and manual
// testing: node 3 is the root, 4/2/5 are its direct neighbors, and 1 hangs
// off of 2.
func BuildSampleTree(s *Supervisor, activityRate float64) error {
	if err := s.AddNode(3, nil, &activityRate); err != nil {
		return err
	}
	four, two, five, one := uint64(3), uint64(3), uint64(3), uint64(2)
	if err := s.AddNode(4, &four, &activityRate); err != nil {
		return err
	}
	if err := s.AddNode(2, &two, &activityRate); err != nil {
		return err
	}
	if err := s.AddNode(1, &one, &activityRate); err != nil {
		return err
	}
	if err := s.AddNode(5, &five, &activityRate); err != nil {
		return err
	}
	return nil
}
