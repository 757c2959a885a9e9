package query_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmail/kestreld/query"
)

func TestTransactionEnqueueSubmitsQueries(t *testing.T) {
	var submitted []*query.Query
	tx := query.NewTransaction(func(q *query.Query) { submitted = append(submitted, q) }, nil)

	q1 := query.New("insert into mailboxes (name) values ($1)", nil)
	tx.Enqueue(q1)

	assert.Equal(t, query.TxExecuting, tx.State())
	require.Len(t, submitted, 1)
	assert.Same(t, q1, submitted[0])
	assert.Same(t, tx, q1.Transaction())
}

func TestTransactionMarkFailedShortCircuitsFutureEnqueues(t *testing.T) {
	var submitted []*query.Query
	tx := query.NewTransaction(func(q *query.Query) { submitted = append(submitted, q) }, nil)

	q1 := query.New("insert into mailboxes (name) values ($1)", nil)
	tx.Enqueue(q1)

	cause := errors.New("duplicate key")
	tx.MarkFailed(cause)

	q2 := query.New("insert into mailboxes (name) values ($1)", nil)
	tx.Enqueue(q2)

	require.Len(t, submitted, 1, "the failed transaction's second query must never reach the pool")
	assert.Equal(t, query.StateFailed, q2.State())
	assert.Equal(t, cause, q2.Error())
	assert.True(t, tx.Failed())
	assert.Equal(t, cause, tx.Error())
}

func TestTransactionCommitSendsCommit(t *testing.T) {
	var gotCommit bool
	var calls int
	tx := query.NewTransaction(nil, func(t *query.Transaction, commit bool) {
		calls++
		gotCommit = commit
	})

	tx.Commit()
	assert.Equal(t, query.TxCommitted, tx.State())
	assert.Equal(t, 1, calls)
	assert.True(t, gotCommit)
}

func TestTransactionCommitAfterFailureForcesRollback(t *testing.T) {
	var gotCommit bool
	tx := query.NewTransaction(nil, func(t *query.Transaction, commit bool) {
		gotCommit = commit
	})

	tx.MarkFailed(errors.New("boom"))
	tx.Commit()

	assert.Equal(t, query.TxRolledBack, tx.State())
	assert.False(t, gotCommit)
	assert.True(t, tx.Failed(), "Failed() stays true even though the backend saw ROLLBACK")
}

func TestTransactionRollback(t *testing.T) {
	var gotCommit bool
	called := false
	tx := query.NewTransaction(nil, func(t *query.Transaction, commit bool) {
		called = true
		gotCommit = commit
	})

	tx.Rollback()
	assert.True(t, called)
	assert.False(t, gotCommit)
	assert.Equal(t, query.TxRolledBack, tx.State())
}

func TestTransactionQueriesOrder(t *testing.T) {
	tx := query.NewTransaction(func(*query.Query) {}, nil)
	q1 := query.New("a", nil)
	q2 := query.New("b", nil)
	tx.Enqueue(q1)
	tx.Enqueue(q2)
	assert.Equal(t, []*query.Query{q1, q2}, tx.Queries())
}

func TestTxStateString(t *testing.T) {
	assert.Equal(t, "inactive", query.TxInactive.String())
	assert.Equal(t, "executing", query.TxExecuting.String())
	assert.Equal(t, "committed", query.TxCommitted.String())
	assert.Equal(t, "rolled-back", query.TxRolledBack.String())
	assert.Equal(t, "failed", query.TxFailed.String())
	assert.Equal(t, "unknown", query.TxState(99).String())
}
