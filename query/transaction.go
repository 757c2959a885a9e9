package query

// TxState is a Transaction's position in its lifecycle.
type TxState int

const (
	TxInactive TxState = iota
	TxExecuting
	TxCommitted
	TxRolledBack
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxInactive:
		return "inactive"
	case TxExecuting:
		return "executing"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled-back"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// submitFunc is how a Transaction hands a Query to the Pool; Pool
// passes its own Submit method in, avoiding a query -> pool import
// cycle (pool already imports query).
type submitFunc func(*Query)

// finalizeFunc sends the implicit COMMIT or ROLLBACK to whichever
// Handle currently owns the Transaction. Pool passes its own
// FinalizeTransaction method in, for the same import-cycle reason as
// submitFunc.
type finalizeFunc func(t *Transaction, commit bool)

// Transaction is an ordered set of Query values forming a unit. BEGIN
// is emitted on first enqueue (by the Handle, once it takes the first
// Query off the queue); the Transaction itself only tracks membership
// and the caller-visible failed/done state.
type Transaction struct {
	queries  []*Query
	state    TxState
	failed   bool
	err      error
	submit   submitFunc
	finalize finalizeFunc
}

// NewTransaction creates an Inactive Transaction that hands its
// Queries to submit as they are enqueued, and its terminal COMMIT/
// ROLLBACK to finalize.
func NewTransaction(submit submitFunc, finalize finalizeFunc) *Transaction {
	return &Transaction{submit: submit, finalize: finalize}
}

// Enqueue records t on q and hands q to the Pool. If a prior Query in
// this Transaction already Failed, q is marked Failed locally without
// being submitted — the short-circuit behavior of §8.
func (t *Transaction) Enqueue(q *Query) {
	q.tx = t
	t.queries = append(t.queries, q)
	if t.failed {
		q.Failed(t.err)
		return
	}
	if t.state == TxInactive {
		t.state = TxExecuting
	}
	if t.submit != nil {
		t.submit(q)
	}
}

// MarkFailed is called by the owning Handle when a member Query
// receives an ErrorResponse. Every subsequent Enqueue is
// short-circuit-failed until commit/rollback.
func (t *Transaction) MarkFailed(err error) {
	t.failed = true
	t.err = err
	t.state = TxFailed
}

// Queries returns the Transaction's member Queries in enqueue order.
func (t *Transaction) Queries() []*Query { return t.queries }

// State returns the Transaction's current lifecycle state.
func (t *Transaction) State() TxState { return t.state }

// Failed reports whether any member Query has failed; a Transaction
// that observed a failure still arrives at Commit as a forced
// Rollback, but the caller sees Failed() == true regardless.
func (t *Transaction) Failed() bool { return t.failed }

// Error returns the error that caused the Transaction to fail, if any.
func (t *Transaction) Error() error { return t.err }

// Commit sends the implicit COMMIT, or a forced ROLLBACK if any member
// Query has already failed — the caller still sees Failed() == true
// even though the backend received ROLLBACK, not COMMIT.
func (t *Transaction) Commit() {
	if t.failed {
		t.rollback()
		return
	}
	t.state = TxCommitted
	if t.finalize != nil {
		t.finalize(t, true)
	}
}

// Rollback sends an explicit ROLLBACK.
func (t *Transaction) Rollback() {
	t.rollback()
}

func (t *Transaction) rollback() {
	t.state = TxRolledBack
	if t.finalize != nil {
		t.finalize(t, false)
	}
}
