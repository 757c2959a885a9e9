package imap

import (
	"strings"

	"github.com/kestrelmail/kestreld/query"
)

// readGroup is the shared concurrency group for read-only commands
// (NOOP, FETCH): any number of Commands in this group may execute at
// once within a Session, since none of them mutate mailbox state.
const readGroup = 1

func init() {
	RegisterVerb(VerbSpec{Name: "capability", Group: 0, New: newCapabilityHandler})
	RegisterVerb(VerbSpec{Name: "noop", Group: readGroup, New: newNoopHandler})
	RegisterVerb(VerbSpec{Name: "logout", Group: 0, New: newLogoutHandler})
	RegisterVerb(VerbSpec{
		Name:        "login",
		Group:       0,
		ValidStates: []SessionState{StateNotAuthenticated},
		New:         newLoginHandler,
	})
	RegisterVerb(VerbSpec{
		Name:        "select",
		Group:       0,
		ValidStates: []SessionState{StateAuthenticated, StateSelected},
		New:         newSelectHandler,
	})
	RegisterVerb(VerbSpec{
		Name:        "close",
		Group:       0,
		ValidStates: []SessionState{StateSelected},
		New:         newCloseHandler,
	})
	RegisterVerb(VerbSpec{
		Name:        "fetch",
		Group:       readGroup,
		ValidStates: []SessionState{StateSelected},
		New:         newFetchHandler,
	})
	RegisterVerb(VerbSpec{
		Name:        "idle",
		Group:       0,
		ValidStates: []SessionState{StateAuthenticated, StateSelected},
		New:         newIdleHandler,
	})
	RegisterVerb(VerbSpec{
		Name:        "authenticate",
		Group:       0,
		ValidStates: []SessionState{StateNotAuthenticated},
		New:         newAuthenticateHandler,
	})
}

// --- CAPABILITY --------------------------------------------------------

type capabilityHandler struct{}

func newCapabilityHandler(*Command) Handler { return &capabilityHandler{} }

func (h *capabilityHandler) Execute(cmd *Command) {
	cmd.Respond("CAPABILITY " + Capabilities)
	cmd.Done()
}

// --- NOOP ----------------------------------------------------------------

type noopHandler struct{}

func newNoopHandler(*Command) Handler { return &noopHandler{} }

func (h *noopHandler) Execute(cmd *Command) {
	cmd.Done()
}

// --- LOGOUT --------------------------------------------------------------

type logoutHandler struct{}

func newLogoutHandler(*Command) Handler { return &logoutHandler{} }

func (h *logoutHandler) Execute(cmd *Command) {
	cmd.Session().setState(StateLogout)
	cmd.Respond("BYE logging out")
	cmd.Done()
	cmd.Session().closeWhenDrained = true
}

// --- LOGIN -----------------------------------------------------------------

type loginHandler struct{}

func newLoginHandler(*Command) Handler { return &loginHandler{} }

func (h *loginHandler) Execute(cmd *Command) {
	args := cmd.Args()
	if len(args) < 2 {
		cmd.Fail(BAD, "LOGIN requires a user and a password")
		return
	}
	cmd.Session().setLoginUser(args[0])
	cmd.Session().setState(StateAuthenticated)
	cmd.Done()
}

// --- SELECT ------------------------------------------------------------
//
// SELECT exercises the Query suspension contract: it submits a Query
// against the pool and returns Waiting until the Query's Notify
// callback (this Command itself satisfies query.Notifiable) promotes
// it back to Executing.

type selectHandler struct {
	mailbox   string
	submitted bool
	q         *query.Query
}

func newSelectHandler(*Command) Handler { return &selectHandler{} }

func (h *selectHandler) Execute(cmd *Command) {
	if !h.submitted {
		args := cmd.Args()
		if len(args) < 1 {
			cmd.Fail(BAD, "SELECT requires a mailbox name")
			return
		}
		h.mailbox = args[0]
		h.submitted = true

		p := cmd.Session().Pool()
		if p == nil {
			// No pool wired (e.g. a test harness exercising the
			// dispatcher alone): proceed without a round trip.
			cmd.Session().setMailbox(h.mailbox)
			cmd.Session().setState(StateSelected)
			cmd.Respond("FLAGS (\\Seen \\Deleted \\Answered)")
			cmd.Respond("OK [READ-WRITE] select done")
			cmd.Done()
			return
		}

		h.q = query.New("select uidnext, uidvalidity from mailboxes where name = $1", cmd)
		_ = h.q.Bind(1, query.TypeString, h.mailbox)
		p.Submit(h.q)
		cmd.Wait()
		return
	}

	switch h.q.State() {
	case query.StateCompleted:
		cmd.Session().setMailbox(h.mailbox)
		cmd.Session().setState(StateSelected)
		cmd.Respond("FLAGS (\\Seen \\Deleted \\Answered)")
		cmd.Respond("OK [READ-WRITE] select done")
		cmd.Done()
	case query.StateFailed, query.StateCancelled:
		cmd.Fail(NO, "select failed: "+errString(h.q.Error()))
	default:
		cmd.Wait()
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// --- CLOSE -----------------------------------------------------------------

type closeHandler struct{}

func newCloseHandler(*Command) Handler { return &closeHandler{} }

func (h *closeHandler) Execute(cmd *Command) {
	cmd.Session().setMailbox("")
	cmd.Session().setState(StateAuthenticated)
	cmd.Done()
}

// --- FETCH (minimal, single-attribute form) ---------------------------

type fetchHandler struct{}

func newFetchHandler(*Command) Handler { return &fetchHandler{} }

func (h *fetchHandler) Execute(cmd *Command) {
	args := cmd.Args()
	if len(args) < 2 {
		cmd.Fail(BAD, "FETCH requires a message set and an attribute")
		return
	}
	msn, attr := args[0], strings.ToUpper(args[1])
	cmd.Respond(msn + " FETCH (" + attr + " (\\Seen))")
	cmd.Done()
}

// --- IDLE (RFC 2177, input reservation) ---------------------------------

type idleHandler struct {
	started bool
}

func newIdleHandler(*Command) Handler { return &idleHandler{} }

func (h *idleHandler) Execute(cmd *Command) {
	if h.started {
		return
	}
	h.started = true
	cmd.Session().setIdle(true)
	cmd.Session().Reserve(cmd)
	cmd.Session().conn.Enqueue([]byte("+ idling\r\n"))
}

// Read implements Reader: IDLE holds the input stream until it sees a
// bare "DONE" line.
func (h *idleHandler) Read(cmd *Command, s *Session) {
	line, ok := s.conn.RemoveLine()
	if !ok {
		return
	}
	s.Reserve(nil)
	s.setIdle(false)
	if strings.EqualFold(strings.TrimSpace(string(line)), "DONE") {
		cmd.Done()
	} else {
		cmd.Fail(BAD, "expected DONE")
	}
}

// --- AUTHENTICATE (input reservation, two round trips) -----------------

type authenticateHandler struct {
	sentChallenge bool
}

func newAuthenticateHandler(*Command) Handler { return &authenticateHandler{} }

func (h *authenticateHandler) Execute(cmd *Command) {
	args := cmd.Args()
	if len(args) < 1 {
		cmd.Fail(BAD, "AUTHENTICATE requires a mechanism name")
		return
	}
	if h.sentChallenge {
		return
	}
	h.sentChallenge = true
	cmd.Session().Reserve(cmd)
	cmd.Session().conn.Enqueue([]byte("+ \r\n"))
}

// Read implements Reader: one round trip reading a base64 response
// line, then completing the exchange. Credential verification itself
// is external (an authentication backend), out of scope for the
// dispatcher; any non-empty response line is accepted.
func (h *authenticateHandler) Read(cmd *Command, s *Session) {
	line, ok := s.conn.RemoveLine()
	if !ok {
		return
	}
	s.Reserve(nil)
	if len(line) == 0 {
		cmd.Fail(BAD, "empty authentication response")
		return
	}
	s.setState(StateAuthenticated)
	cmd.Done()
}
