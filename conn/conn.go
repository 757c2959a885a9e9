// Package conn implements the Connection abstraction: a byte-stream
// wrapper over a file descriptor with separate read/write buffers, an
// absolute deadline, and a reactor callback driven by the event loop.
package conn

import (
	"bytes"
	"net"
	"time"

	"github.com/kestrelmail/kestreld/eventloop"
	"github.com/kestrelmail/kestreld/internal/logx"
)

// Role tags what a Connection is for, mirroring the kinds the loop
// dispatches to differently: a listening socket, an accepted client,
// or a connection to the database backend.
type Role int

const (
	RoleListener Role = iota
	RoleClient
	RoleDatabase
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleClient:
		return "client"
	case RoleDatabase:
		return "database"
	default:
		return "unknown"
	}
}

// State is the Connection lifecycle. Once Closed, no more events fire
// for it — React is never called again.
type State int

const (
	StateInactive State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Handler receives the events a Connection's owner cares about. It is
// the mail-server-core analogue of eventloop.Reactor, narrowed to the
// vocabulary connections actually raise.
type Handler interface {
	// HandleConnect fires once, after a Connecting Connection completes
	// (or fails) its dial.
	HandleConnect(c *Connection, err error)
	// HandleReadable fires when new bytes have been appended to the
	// read buffer.
	HandleReadable(c *Connection)
	// HandleTimeout fires when the absolute deadline passes.
	HandleTimeout(c *Connection)
	// HandleClose fires once, after the Connection has fully closed.
	HandleClose(c *Connection, err error)
	// HandleShutdown fires during the Loop's graceful shutdown phase.
	HandleShutdown(c *Connection)
}

// Connection wraps one fd registered with an eventloop.Loop. It owns
// separated read and write byte buffers (an ordered byte sequence
// each, per the data model) and is owned by exactly one Loop for its
// entire lifetime.
type Connection struct {
	loop    *eventloop.Loop
	nc      net.Conn
	role    Role
	state   State
	handler Handler
	log     logx.Logger

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	deadline   time.Time
	cancelWait eventloop.CancelFunc

	fd int
}

// New wraps an already-established net.Conn (typically from
// net.Listener.Accept, or a dialed backend socket) as a Connection
// registered on loop. The Connection starts Connected; role tags it
// for logging and for the code above that decides how to frame bytes
// off its read buffer.
func New(loop *eventloop.Loop, nc net.Conn, role Role, handler Handler, log logx.Logger) (*Connection, error) {
	if log == nil {
		log = logx.Discard{}
	}
	c := &Connection{
		loop:    loop,
		nc:      nc,
		role:    role,
		state:   StateConnected,
		handler: handler,
		log:     log,
		fd:      fdOf(nc),
	}
	if err := loop.AddConnection(c.fd, c, false); err != nil {
		c.state = StateInvalid
		return nil, err
	}
	return c, nil
}

func (c *Connection) Role() Role   { return c.role }
func (c *Connection) State() State { return c.state }

// Enqueue appends bytes to the write buffer and arms write-readiness
// polling if the buffer was previously empty.
func (c *Connection) Enqueue(p []byte) {
	wasEmpty := c.writeBuf.Len() == 0
	c.writeBuf.Write(p)
	if wasEmpty && c.writeBuf.Len() > 0 {
		_ = c.loop.SetWriteInterest(c.fd, true)
	}
}

// ReadBuffer exposes the accumulated, not-yet-consumed inbound bytes.
// Callers that consume a prefix must call Advance to drop it.
func (c *Connection) ReadBuffer() []byte { return c.readBuf.Bytes() }

// Advance drops the first n bytes of the read buffer, the mechanism a
// line or literal reader uses once it has consumed a frame.
func (c *Connection) Advance(n int) { c.readBuf.Next(n) }

// RemoveLine returns the next CRLF-delimited frame from the read
// buffer (without the trailing CRLF) and true, consuming it, or false
// if no complete line is buffered yet.
func (c *Connection) RemoveLine() ([]byte, bool) {
	buf := c.readBuf.Bytes()
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, buf[:idx])
	c.readBuf.Next(idx + 2)
	return line, true
}

// SetTimeoutAfter arms an absolute deadline seconds from now; zero
// disables any pending deadline.
func (c *Connection) SetTimeoutAfter(seconds int) {
	if c.cancelWait != nil {
		c.cancelWait()
		c.cancelWait = nil
	}
	if seconds <= 0 {
		c.deadline = time.Time{}
		return
	}
	c.deadline = time.Now().Add(time.Duration(seconds) * time.Second)
	c.cancelWait = c.loop.AfterFunc(time.Duration(seconds)*time.Second, func() {
		if c.state == StateConnected {
			c.handler.HandleTimeout(c)
		}
	})
}

// Close transitions the Connection to Closing and unregisters it from
// the Loop; HandleClose fires once the unregistration completes.
func (c *Connection) Close(err error) {
	if c.state == StateClosed || c.state == StateClosing {
		return
	}
	c.state = StateClosing
	c.loop.RemoveConnection(c.fd)
	if c.cancelWait != nil {
		c.cancelWait()
		c.cancelWait = nil
	}
	if c.writeBuf.Len() > 0 {
		_, _ = c.nc.Write(c.writeBuf.Bytes())
		c.writeBuf.Reset()
	}
	_ = c.nc.Close()
	c.state = StateClosed
	c.handler.HandleClose(c, err)
}

// React implements eventloop.Reactor, translating poll-level readiness
// into the Connection's own buffered I/O and the owner's Handler
// callbacks. Never more than one Event is delivered per pass.
func (c *Connection) React(ev eventloop.Event) {
	switch ev {
	case eventloop.EventRead:
		c.onReadable()
	case eventloop.EventWriteReady:
		c.onWritable()
	case eventloop.EventError:
		c.Close(errConnReset)
	case eventloop.EventShutdown:
		c.handler.HandleShutdown(c)
	}
}

func (c *Connection) onReadable() {
	var buf [4096]byte
	n, err := c.nc.Read(buf[:])
	if n > 0 {
		c.readBuf.Write(buf[:n])
		c.handler.HandleReadable(c)
	}
	if err != nil {
		c.Close(err)
	}
}

func (c *Connection) onWritable() {
	if c.writeBuf.Len() == 0 {
		_ = c.loop.SetWriteInterest(c.fd, false)
		return
	}
	n, err := c.nc.Write(c.writeBuf.Bytes())
	if n > 0 {
		c.writeBuf.Next(n)
	}
	if err != nil {
		c.Close(err)
		return
	}
	if c.writeBuf.Len() == 0 {
		_ = c.loop.SetWriteInterest(c.fd, false)
	}
}
