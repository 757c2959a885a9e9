// Package query implements the unit of work exposed by the pool to
// callers: Query and Transaction. Ownership follows the Design Notes:
// Query holds non-owning back-references to its Transaction and its
// submitter; Transaction owns its Query list; a Handle holds only a
// non-owning pointer to whatever it is currently executing.
package query

import (
	"github.com/kestrelmail/kestreld/internal/errs"
)

// State is a Query's position in its lifecycle.
type State int

const (
	StateInactive State = iota
	StateSubmitted
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateSubmitted:
		return "submitted"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Param is one bound parameter value, tagged by its logical SQL type
// so the Handle's wire codec knows how to encode it.
type Param struct {
	Type  ParamType
	Value any
}

// ParamType is the logical-type dispatch table the wire codec uses
// for parameter encoding; result rows are not decoded by type.
type ParamType int

const (
	TypeBool ParamType = iota
	TypeInt
	TypeBigInt
	TypeString
	TypeBytes
	TypeTimestamp
	TypeNull
)

// Row is one decoded result row, addressed by ordinal column or the
// column's name from the backend's RowDescription.
type Row struct {
	columns []string
	values  []any
}

// NewRow is used by the Handle's decoder to build a Row from a
// RowDescription's column names and one DataRow's decoded values.
func NewRow(columns []string, values []any) Row {
	return Row{columns: columns, values: values}
}

func (r Row) indexOf(name string) int {
	for i, c := range r.columns {
		if c == name {
			return i
		}
	}
	return -1
}

// GetInt returns the named column as an int, or 0 if absent or not an
// integer-typed value.
func (r Row) GetInt(name string) int {
	i := r.indexOf(name)
	if i < 0 {
		return 0
	}
	switch v := r.values[i].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// GetString returns the named column as a string, or "" if absent.
func (r Row) GetString(name string) string {
	i := r.indexOf(name)
	if i < 0 {
		return ""
	}
	s, _ := r.values[i].(string)
	return s
}

// Notifiable is the submitter interface a Query calls back through
// exactly once per lifetime, on Completed or on
// Failed/Cancelled — the "notify" of spec §4.E.
type Notifiable interface {
	Notify()
}

// Query is one SQL statement with bound parameters, a completion
// notification, and a row buffer. Parameters are bound 1-based and
// sealed once Submitted; rows are appended only by the Handle that
// owns the Query while Executing.
type Query struct {
	SQL        string
	params     map[int]Param
	paramCount int
	state      State
	rows       []Row
	cursor     int
	err        error
	submitter  Notifiable
	tx         *Transaction
	notified   bool
}

// New creates an Inactive Query for sql, notifying submitter on
// completion.
func New(sql string, submitter Notifiable) *Query {
	return &Query{SQL: sql, params: make(map[int]Param), submitter: submitter}
}

// Bind sets the 1-based parameter at pos. Calling it after Submit is
// a LogicError: parameters are sealed once submitted.
func (q *Query) Bind(pos int, t ParamType, value any) error {
	if q.state != StateInactive {
		return &errs.LogicError{Message: "query: bind after submit"}
	}
	if pos < 1 {
		return &errs.LogicError{Message: "query: parameter position must be >= 1"}
	}
	q.params[pos] = Param{Type: t, Value: value}
	if pos > q.paramCount {
		q.paramCount = pos
	}
	return nil
}

// Params returns the sealed parameter set in ordinal order, 1-based,
// up to the highest position ever bound.
func (q *Query) Params() []Param {
	out := make([]Param, q.paramCount)
	for i := 1; i <= q.paramCount; i++ {
		out[i-1] = q.params[i]
	}
	return out
}

// Transaction returns the Transaction this Query belongs to, or nil
// for a standalone Query.
func (q *Query) Transaction() *Transaction { return q.tx }

// State returns the Query's current lifecycle state.
func (q *Query) State() State { return q.state }

// MarkSubmitted transitions Inactive to Submitted; called by the Pool
// when the Query is appended to the work queue.
func (q *Query) MarkSubmitted() { q.state = StateSubmitted }

// MarkExecuting transitions to Executing; called by the Handle that
// takes ownership of the Query off the queue.
func (q *Query) MarkExecuting() { q.state = StateExecuting }

// AppendRow appends a decoded row. Only the owning Handle calls this,
// only while Executing.
func (q *Query) AppendRow(r Row) { q.rows = append(q.rows, r) }

// Done transitions the Query to Completed and notifies the submitter
// exactly once.
func (q *Query) Done() {
	q.state = StateCompleted
	q.notify()
}

// Failed transitions the Query to Failed with err and notifies the
// submitter exactly once.
func (q *Query) Failed(err error) {
	q.state = StateFailed
	q.err = err
	q.notify()
}

// Cancel transitions the Query to Cancelled and notifies the
// submitter; cancellation is not an error unless the caller asked for
// a result.
func (q *Query) Cancel() {
	q.state = StateCancelled
	q.err = &errs.CancelError{}
	q.notify()
}

func (q *Query) notify() {
	if q.notified {
		return
	}
	q.notified = true
	if q.submitter != nil {
		q.submitter.Notify()
	}
}

// Error returns the Query's error descriptor, or nil.
func (q *Query) Error() error { return q.err }

// NextRow returns the next unread Row and true, advancing the cursor,
// or false once all rows have been consumed.
func (q *Query) NextRow() (Row, bool) {
	if q.cursor >= len(q.rows) {
		return Row{}, false
	}
	r := q.rows[q.cursor]
	q.cursor++
	return r, true
}
