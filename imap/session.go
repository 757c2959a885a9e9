// Package imap implements the protocol dispatcher: tag/verb/argument
// tokenizing, the literal {N}/{N+} continuation contract, and the
// per-Session command queue with grouping, blocking, and input
// reservation. The token parsers for the IMAP grammar itself (atom,
// astring, listMailbox, and friends) are out of scope; only enough
// tokenizing is done to route a command to its verb handler and to
// support the literal-reading contract.
package imap

import (
	"strings"

	"github.com/google/uuid"

	"github.com/kestrelmail/kestreld/conn"
	"github.com/kestrelmail/kestreld/internal/logx"
	"github.com/kestrelmail/kestreld/pool"
)

// SessionState is the per-connection authentication phase.
type SessionState int

const (
	StateNotAuthenticated SessionState = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s SessionState) String() string {
	switch s {
	case StateNotAuthenticated:
		return "not-authenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// autologoutSeconds is the per-connection inactivity deadline.
const autologoutSeconds = 30 * 60

// argSegment is one chunk of raw input contributing to the command
// currently being assembled: either a CRLF-terminated line (subject to
// whitespace tokenizing) or a literal's raw bytes (kept as one opaque
// token).
type argSegment struct {
	text    string
	literal bool
}

// Session is the per-connection IMAP state: authentication phase,
// selected mailbox, idle flag, the command queue, the grabber (if any
// Command currently reserves the input stream), and literal-reading
// state.
type Session struct {
	id   uuid.UUID
	conn *conn.Connection
	pool *pool.Pool
	log  logx.Logger

	state   SessionState
	mailbox string
	idle    bool

	commands []*Command
	grabber  *Command

	readingLiteral bool
	literalSize    int
	pending        []argSegment

	loginUser        string
	closeWhenDrained bool
}

// NewSession constructs a Session bound to c and backed by p for any
// verb that needs to run database work.
func NewSession(c *conn.Connection, p *pool.Pool, log logx.Logger) *Session {
	if log == nil {
		log = logx.Discard{}
	}
	id := uuid.New()
	return &Session{id: id, conn: c, pool: p, log: log.With("session", id.String())}
}

// ID is the Session's unique, log-correlation identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Greet writes the initial untagged OK banner, per RFC 3501, and arms
// the autologout deadline.
func (s *Session) Greet(capabilities string) {
	s.conn.Enqueue([]byte("* OK [CAPABILITY " + capabilities + "] kestreld ready\r\n"))
	s.conn.SetTimeoutAfter(autologoutSeconds)
}

func (s *Session) Pool() *pool.Pool { return s.pool }
func (s *Session) State() SessionState { return s.state }
func (s *Session) Mailbox() string     { return s.mailbox }
func (s *Session) Idle() bool          { return s.idle }
func (s *Session) LoginUser() string   { return s.loginUser }

func (s *Session) setState(st SessionState) { s.state = st }
func (s *Session) setMailbox(m string)      { s.mailbox = m }
func (s *Session) setIdle(v bool)           { s.idle = v }
func (s *Session) setLoginUser(u string)    { s.loginUser = u }

// Reserve diverts subsequent bytes to cmd's Reader hook instead of the
// tag parser. Pass nil to hand the input stream back. The reserving
// Command must release before reaching any terminal state.
func (s *Session) Reserve(cmd *Command) { s.grabber = cmd }

// parse drains whatever is newly readable off the Connection,
// assembling complete commands and handing each to addCommand. It
// returns as soon as no further progress is possible — a partial line,
// an incomplete literal, or a grabber still holding the stream.
func (s *Session) parse() {
	for {
		if s.grabber != nil {
			if r, ok := s.grabber.handler.(Reader); ok {
				r.Read(s.grabber, s)
			}
			if s.grabber != nil {
				return
			}
			continue
		}

		if s.readingLiteral {
			buf := s.conn.ReadBuffer()
			if len(buf) < s.literalSize {
				return
			}
			lit := make([]byte, s.literalSize)
			copy(lit, buf[:s.literalSize])
			s.conn.Advance(s.literalSize)
			s.pending = append(s.pending, argSegment{text: string(lit), literal: true})
			s.readingLiteral = false
			continue
		}

		line, ok := s.conn.RemoveLine()
		if !ok {
			return
		}
		str := string(line)
		s.pending = append(s.pending, argSegment{text: str})

		if size, plus, ok := literalSuffix(str); ok {
			s.literalSize = size
			s.readingLiteral = true
			if !plus {
				s.conn.Enqueue([]byte("+\r\n"))
			}
			continue
		}

		segs := s.pending
		s.pending = nil
		s.addCommand(segs)
	}
}

// literalSuffix reports whether line ends in a literal announcement
// {N} or {N+}, returning the byte count and whether the '+' (no
// continuation reply) form was used.
func literalSuffix(line string) (size int, plus bool, ok bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false, false
	}
	digits := line[open+1 : len(line)-1]
	if strings.HasSuffix(digits, "+") {
		plus = true
		digits = digits[:len(digits)-1]
	}
	if digits == "" {
		return 0, false, false
	}
	n := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false, false
		}
		n = n*10 + int(c-'0')
	}
	return n, plus, true
}

func isLiteralSpec(token string) bool {
	_, _, ok := literalSuffix(token)
	return ok
}

// addCommand tokenizes a fully-assembled command, looks up its verb,
// and pushes it onto the queue, blocking it immediately if it cannot
// run concurrently with whatever is already executing.
func (s *Session) addCommand(segs []argSegment) {
	if len(segs) == 0 || segs[0].literal {
		return
	}
	fields := strings.Fields(segs[0].text)
	if len(fields) < 2 {
		s.conn.Enqueue([]byte("* BAD tag or command missing\r\n"))
		return
	}
	tag, verbToken := fields[0], fields[1]

	var args []string
	extra := fields[2:]
	if n := len(extra); n > 0 && isLiteralSpec(extra[n-1]) {
		extra = extra[:n-1]
	}
	args = append(args, extra...)
	for _, seg := range segs[1:] {
		if seg.literal {
			args = append(args, seg.text)
			continue
		}
		f := strings.Fields(seg.text)
		if n := len(f); n > 0 && isLiteralSpec(f[n-1]) {
			f = f[:n-1]
		}
		args = append(args, f...)
	}

	verb := strings.ToLower(verbToken)
	spec, ok := lookupVerb(verb)
	if !ok {
		s.log.With("verb", verbToken).Debug("imap: unknown command")
		s.conn.Enqueue([]byte(tag + " BAD command unknown: " + verbToken + "\r\n"))
		return
	}

	cmd := &Command{session: s, tag: tag, verb: verb, args: args, group: spec.Group, state: Unparsed}
	cmd.handler = spec.New(cmd)

	if !validIn(spec.ValidStates, s.state) {
		cmd.Fail(BAD, verbToken+" not permitted in the "+s.state.String()+" state")
	} else {
		cmd.state = Executing
	}

	if cmd.state == Executing && len(s.commands) > 0 {
		if cmd.group == 0 {
			cmd.state = Blocked
			s.log.With("tag", tag).Debug("imap: blocking, concurrency not allowed for this command")
		} else {
			for _, other := range s.commands {
				if other.group != cmd.group {
					cmd.state = Blocked
					s.log.With("tag", tag).Debug("imap: blocking until the group ahead of it clears")
					break
				}
			}
		}
	}

	s.commands = append(s.commands, cmd)
}

func validIn(states []SessionState, cur SessionState) bool {
	if len(states) == 0 {
		return true
	}
	for _, st := range states {
		if st == cur {
			return true
		}
	}
	return false
}

// runCommands calls Execute on every Executing Command, emits and
// retires a leading run of finished ones, then promotes a Blocked head
// once its predecessors have all cleared — repeating until a pass
// makes no further progress. Ported from the dispatcher's run loop:
// one pass handles state transitions, a second sweep retires Finished
// commands, and the head of the remaining queue is promoted if still
// Blocked.
//
// Only a contiguous Finished prefix is retired, never a Finished
// command sitting behind one that is not yet Finished: two commands
// sharing a concurrency group may execute out of order, so a later
// command can reach Finished while an earlier one is still Waiting —
// emitting the later one first would write its tagged response ahead
// of the earlier command's, violating response ordering.
func (s *Session) runCommands() {
	more := true
	for more {
		more = false

		for _, c := range s.commands {
			if c.state == Executing {
				c.handler.Execute(c)
			}
		}

		i := 0
		for i < len(s.commands) && s.commands[i].state == Finished {
			s.emit(s.commands[i])
			i++
		}
		if i > 0 {
			s.commands = s.commands[i:]
		}

		if len(s.commands) > 0 && s.commands[0].state == Blocked {
			s.commands[0].state = Executing
			more = true
		}
	}

	if s.closeWhenDrained && len(s.commands) == 0 {
		s.conn.Close(nil)
	}
}

// emit flushes one Finished Command's accumulated untagged lines and
// its final tagged status line, in that order.
func (s *Session) emit(c *Command) {
	for _, line := range c.untagged {
		s.conn.Enqueue([]byte("* " + line + "\r\n"))
	}
	text := c.statusText
	if text == "" {
		text = "done"
	}
	s.conn.Enqueue([]byte(c.tag + " " + c.status.String() + " " + text + "\r\n"))
}

// autologout fires when the inactivity deadline passes. If any
// Command is still Waiting, the dispatcher is run once more before the
// connection is torn down, giving it a last chance to drain.
func (s *Session) autologout() {
	hasWaiting := false
	for _, c := range s.commands {
		if c.state == Waiting {
			hasWaiting = true
			break
		}
	}
	if hasWaiting {
		s.runCommands()
	}
	s.conn.Enqueue([]byte("* BYE autologout\r\n"))
	s.conn.Close(nil)
}

// touch re-arms the autologout deadline after any activity.
func (s *Session) touch() {
	s.conn.SetTimeoutAfter(autologoutSeconds)
}
