// Package metrics holds the process-wide complexity counters: total
// messages sent and total critical-section requests issued. Naimi-Trehel
// predicts O(log N) messages per request in the amortised case; these
// counters let a supervisor report messages_sent/requests_issued as an
// empirical estimate at shutdown.
package metrics

import "go.uber.org/atomic"

// Counters is owned by the network supervisor and shared by reference with
// every node: a single aggregator updated via atomic increments instead of
// per-node or global mutable counters.
type Counters struct {
	messagesSent   atomic.Int64
	requestsIssued atomic.Int64
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// IncMessagesSent records one outbound message.
func (c *Counters) IncMessagesSent() {
	c.messagesSent.Inc()
}

// IncRequestsIssued records one node deciding to request the token.
func (c *Counters) IncRequestsIssued() {
	c.requestsIssued.Inc()
}

// MessagesSent returns the current total.
func (c *Counters) MessagesSent() int64 {
	return c.messagesSent.Load()
}

// RequestsIssued returns the current total.
func (c *Counters) RequestsIssued() int64 {
	return c.requestsIssued.Load()
}

// Snapshot is a point-in-time copy of both counters, used for reporting.
type Snapshot struct {
	MessagesSent   int64
	RequestsIssued int64
}

// Sample captures both counters in one call.
func (c *Counters) Sample() Snapshot {
	return Snapshot{
		MessagesSent:   c.MessagesSent(),
		RequestsIssued: c.RequestsIssued(),
	}
}
