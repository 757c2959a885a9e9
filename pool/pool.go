package pool

import (
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/kestrelmail/kestreld/eventloop"
	"github.com/kestrelmail/kestreld/internal/logx"
	"github.com/kestrelmail/kestreld/metrics"
	"github.com/kestrelmail/kestreld/query"
)

// growthCategory is the single catrate.Limiter category the Pool
// throttles handle creation under; there is only ever one kind of
// event being rate-limited, so a constant key is all NewLimiter needs.
const growthCategory = "handle-creation"

// IdleHandler is notified exactly once, on the next empty-queue,
// all-handles-usable edge — never synchronously, even if the Pool is
// already idle at registration time.
type IdleHandler interface {
	Notify()
}

// Config is the sizing and growth policy the Pool enforces, taken
// directly from the enumerated configuration surface.
type Config struct {
	Endpoint       Endpoint
	User           string
	Password       string
	Desired        int // initial handle count; 0 defaults to 3
	MaxHandles     int
	HandleInterval time.Duration
	Security       bool // permits Unix-domain handle creation up to MaxHandles
}

// Pool is the global singleton holding the work queue, the Handle
// set, growth/idle bookkeeping, and the configured login identity. Its
// scheduling algorithm (runQueue, firstSubmittedQuery, handlesNeeded)
// is grounded directly on database.cpp's Database class.
type Pool struct {
	cfg  Config
	log  logx.Logger
	reg  *metrics.Registry
	loop *eventloop.Loop

	handles []*Handle
	queue   []*query.Query

	whenIdle []IdleHandler

	limiter     *catrate.Limiter
	lastCreated time.Time
	nextHandle  uint64

	shuttingDown atomic.Bool

	// busyHistory/totalHistory back handlesNeeded()'s "maximum over
	// the last 2*interval seconds" / "maximum over the last 5 seconds"
	// windows, the Go analogue of GraphableNumber.maximumSince.
	busyHistory  *sampleWindow
	totalHistory *sampleWindow
}

// New constructs a Pool and dials cfg.Desired (or 3) initial Handles,
// each attached to loop so its backend socket is driven by readiness
// events from here on.
func New(cfg Config, reg *metrics.Registry, loop *eventloop.Loop, log logx.Logger) (*Pool, error) {
	if log == nil {
		log = logx.Discard{}
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	desired := cfg.Desired
	if desired == 0 {
		desired = 3
	}
	if cfg.Endpoint.Network == "unix" && cfg.Security && cfg.MaxHandles > desired {
		desired = cfg.MaxHandles
	}
	if cfg.HandleInterval <= 0 {
		cfg.HandleInterval = 4 * time.Second
	}

	p := &Pool{
		cfg:  cfg,
		log:  log,
		reg:  reg,
		loop: loop,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			cfg.HandleInterval: 1,
		}),
		busyHistory:  newSampleWindow(),
		totalHistory: newSampleWindow(),
	}

	for i := 0; i < desired; i++ {
		if err := p.addHandle(); err != nil {
			p.log.WithError(err).Warn("pool: initial handle dial failed")
		}
	}
	return p, nil
}

func (p *Pool) addHandle() error {
	p.nextHandle++
	h, err := Dial(p.nextHandle, p.cfg.Endpoint, p.cfg.User, p.cfg.Password, p.log)
	if err != nil {
		return err
	}
	if p.loop != nil {
		if err := p.AttachToLoop(h, p.loop); err != nil {
			_ = h.Close()
			return err
		}
	}
	p.handles = append(p.handles, h)
	p.lastCreated = time.Now()
	p.reg.TotalDBConnections.Set(float64(len(p.handles)))
	return nil
}

// Submit appends q to the work queue, marks it Submitted, and calls
// runQueue.
func (p *Pool) Submit(q *query.Query) {
	q.MarkSubmitted()
	p.queue = append(p.queue, q)
	p.runQueue()
}

// SubmitTransaction is the submitFunc a query.Transaction calls on
// each Enqueue.
func (p *Pool) SubmitTransaction(q *query.Query) { p.Submit(q) }

// NewTransaction creates a Transaction wired to this Pool's submit and
// finalize hooks.
func (p *Pool) NewTransaction() *query.Transaction {
	return query.NewTransaction(p.SubmitTransaction, p.FinalizeTransaction)
}

// FinalizeTransaction sends the implicit COMMIT or ROLLBACK to
// whichever Handle currently owns tx, the glue between
// query.Transaction.Commit/Rollback and the wire protocol.
func (p *Pool) FinalizeTransaction(tx *query.Transaction, commit bool) {
	for _, h := range p.handles {
		if h.ActiveTransaction() == tx {
			sql := "ROLLBACK"
			if commit {
				sql = "COMMIT"
			}
			if err := h.sendSimpleQuery(sql); err != nil {
				h.Break(err)
			}
			return
		}
	}
}

// CancelQuery forwards a cancel request to every Handle, matching
// cancelQuery's "broadcast, only the owner acts" semantics.
func (p *Pool) CancelQuery(q *query.Query) {
	for _, h := range p.handles {
		if h.activeQuery == q {
			if err := h.Cancel(); err != nil {
				p.log.WithError(err).Warn("pool: cancel request failed")
			}
			q.Cancel()
			return
		}
	}
	// Not currently owned by any Handle: a still-queued Query is
	// dropped from the queue and Cancelled; an already-terminal one is
	// left as it is.
	for i, queued := range p.queue {
		if queued == q {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			q.Cancel()
			return
		}
	}
}

// NotifyWhenIdle registers h to fire on the Pool's next idle
// transition. Per the guarantee, this never fires synchronously even
// if the Pool is idle right now.
func (p *Pool) NotifyWhenIdle(h IdleHandler) {
	p.whenIdle = append(p.whenIdle, h)
}

// Disconnect tears down every Handle; used only during reconfiguration.
func (p *Pool) Disconnect() {
	for _, h := range p.handles {
		_ = h.Close()
	}
	p.handles = nil
}

// Shutdown marks the Pool as shutting down: runQueue will no longer
// grow the handle set.
func (p *Pool) Shutdown() { p.shuttingDown.Store(true) }

// HandleCompleted is called by the glue layer once a Handle finishes
// processing one Query (on CommandComplete or ErrorResponse), giving
// the Pool a chance to hand that Handle more work and to check the
// idle barrier.
func (p *Pool) HandleCompleted() {
	p.runQueue()
	p.reactToIdleness()
}

// runQueue is the crux of pool scheduling, ported step for step from
// Database::runQueue: hand idle/usable Handles the head of the queue,
// publish the busy and queue-length gauges, then consider growing the
// pool if nothing advanced this pass.
func (p *Pool) runQueue() {
	busy := 0
	connecting := 0

	head := p.queueHead()

	for _, h := range p.handles {
		switch h.State() {
		case HandleBroken:
			// not working, not counted busy
		case HandleStartup, HandleAuthenticating:
			connecting++
		default:
			if !h.Usable() || h.State() == HandleInTransaction || h.State() == HandleFailedTransaction {
				busy++
			}
			if (h.State() == HandleIdle || h.State() == HandleInTransaction) && h.Usable() {
				p.assignNext(h)
				if len(p.queue) == 0 {
					p.reg.QueryQueueLength.Set(0)
					p.reg.ActiveDBConnections.Set(float64(busy))
					p.busyHistory.sample(busy)
					p.totalHistory.sample(len(p.handles))
					return
				}
			}
		}
	}

	p.reg.QueryQueueLength.Set(float64(len(p.queue)))
	p.reg.ActiveDBConnections.Set(float64(busy))
	p.busyHistory.sample(busy)
	p.totalHistory.sample(len(p.handles))

	if len(p.queue) == 0 || p.queueHead() != head {
		return
	}

	p.considerGrowth(connecting)
}

// assignNext takes a unit of work from the queue and hands it to h. An
// Idle Handle may take a standalone Query or the first Query of a
// Transaction no other Handle has claimed yet; a Handle already
// InTransaction may only continue the Transaction it owns.
func (p *Pool) assignNext(h *Handle) {
	q := p.firstSubmittedQuery(h)
	if q == nil {
		return
	}
	if err := h.Assign(q); err != nil {
		h.Break(err)
	}
}

// firstSubmittedQuery scans the queue and removes+returns the first
// Query h is eligible to run, preserving transaction affinity
// (|H(T)| ≤ 1 for the lifetime of a Transaction):
//
//   - if h already owns a Transaction, only that Transaction's Queries
//     are eligible — never a standalone Query or another Transaction's,
//     which would interleave unrelated work into h's open transaction;
//   - otherwise a standalone Query is always eligible, and a
//     Transaction-bound Query is eligible only if no Handle has bound
//     that Transaction yet (its first executed Query). A later Query
//     of a Transaction some other Handle already started is skipped,
//     so it stays queued until the Handle that owns it is offered it.
func (p *Pool) firstSubmittedQuery(h *Handle) *query.Query {
	owned := h.ActiveTransaction()
	for i, q := range p.queue {
		tx := q.Transaction()
		var eligible bool
		switch {
		case owned != nil:
			eligible = tx == owned
		case tx == nil:
			eligible = true
		default:
			eligible = !p.transactionBound(tx)
		}
		if !eligible {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		return q
	}
	return nil
}

// transactionBound reports whether some Handle already owns tx.
func (p *Pool) transactionBound(tx *query.Transaction) bool {
	for _, h := range p.handles {
		if h.ActiveTransaction() == tx {
			return true
		}
	}
	return false
}

func (p *Pool) queueHead() *query.Query {
	if len(p.queue) == 0 {
		return nil
	}
	return p.queue[0]
}

// considerGrowth grows the pool by at most one Handle per configured
// interval, subject to the max-handles ceiling, and never while
// shutting down.
func (p *Pool) considerGrowth(connecting int) {
	if p.shuttingDown.Load() {
		return
	}
	if p.cfg.Endpoint.Network == "unix" && !p.cfg.Security {
		return
	}

	if _, ok := p.limiter.Allow(growthCategory); !ok {
		return
	}

	max := p.cfg.MaxHandles
	if max <= 0 {
		max = 1000
	}
	if len(p.handles) >= max {
		return
	}

	if err := p.addHandle(); err != nil {
		p.log.WithError(err).Warn("pool: growth handle dial failed")
	}
}

// HandlesNeeded returns a load-based hint for how many handles the
// pool currently thinks it needs, ported from Database::handlesNeeded:
// the peak busy count over the last two growth intervals, floored at
// 1, and never recommending a drop of more than one handle per
// five-second window. The result is published on the handles-needed
// gauge and is advisory only: nothing in the core resizes the pool
// from it.
func (p *Pool) HandlesNeeded() int {
	if p.cfg.Endpoint.Network == "unix" {
		return len(p.handles)
	}

	interval := p.cfg.HandleInterval
	needed := p.busyHistory.maxSince(time.Now().Add(-2 * interval))
	recently := p.totalHistory.maxSince(time.Now().Add(-5 * time.Second))

	if needed < recently-1 {
		needed = recently - 1
	}
	if needed < 1 {
		needed = 1
	}
	p.reg.HandlesNeeded.Set(float64(needed))
	return needed
}

// Idle reports whether every Handle is usable and the queue is empty.
func (p *Pool) Idle() bool {
	for _, h := range p.handles {
		if !h.Usable() {
			return false
		}
	}
	return len(p.queue) == 0
}

// reactToIdleness flushes the idle-notification list, in registration
// order, exactly once per idle edge.
func (p *Pool) reactToIdleness() {
	if len(p.queue) != 0 {
		return
	}
	if len(p.whenIdle) == 0 {
		return
	}
	if !p.Idle() {
		return
	}
	handlers := p.whenIdle
	p.whenIdle = nil
	for _, h := range handlers {
		h.Notify()
	}
}

// Handles exposes the current handle set, for diagnostics and tests.
func (p *Pool) Handles() []*Handle { return p.handles }

// QueueLength exposes the current pending-work count, for diagnostics
// and tests.
func (p *Pool) QueueLength() int { return len(p.queue) }
