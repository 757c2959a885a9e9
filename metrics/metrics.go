// Package metrics implements the Timer & Graph counters component:
// gauges and counters feeding the pool's autosizing decisions, plus a
// batched publisher for shipping samples to an external sink.
//
// Thread-safety follows the same mutex-guarded convention used
// elsewhere in this codebase, but the P-Square streaming-quantile
// estimator is dropped. A single-threaded cooperative server samples on
// the order of tens of events per second, not a high-frequency
// microtask rate, so a last-value Gauge and a running-total Counter are
// sufficient and the P-Square machinery would sit unused.
package metrics

import "sync"

// Gauge holds the most recently observed value of a quantity that can
// go up or down, such as active-db-connections. Safe for concurrent
// use, though in practice it is only ever written from the Loop's own
// goroutine and read from the Publisher's.
type Gauge struct {
	mu  sync.Mutex
	val float64
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.val
}

// Counter is a monotonically increasing count, such as queries
// executed.
type Counter struct {
	mu  sync.Mutex
	val uint64
}

func (c *Counter) Add(n uint64) {
	c.mu.Lock()
	c.val += n
	c.mu.Unlock()
}

func (c *Counter) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

// Registry is the named set of gauges and counters the pool publishes
// to, matching the names database.cpp logs as GraphableNumber values.
type Registry struct {
	QueryQueueLength    Gauge
	ActiveDBConnections Gauge
	TotalDBConnections  Gauge
	HandlesNeeded       Gauge

	QueriesExecuted Counter
	QueriesFailed   Counter
}

// NewRegistry returns a zero-valued Registry, ready to use.
func NewRegistry() *Registry { return &Registry{} }

// Sample is one gauge observation handed to a Sink.
type Sample struct {
	Name  string
	Value float64
}

// Snapshot returns every gauge's current value as a batch of Samples,
// the unit of work the Publisher hands to its Batcher.
func (r *Registry) Snapshot() []Sample {
	return []Sample{
		{Name: "query-queue-length", Value: r.QueryQueueLength.Value()},
		{Name: "active-db-connections", Value: r.ActiveDBConnections.Value()},
		{Name: "total-db-connections", Value: r.TotalDBConnections.Value()},
		{Name: "handles-needed", Value: r.HandlesNeeded.Value()},
	}
}
