package imap

import (
	"github.com/kestrelmail/kestreld/conn"
)

// Capabilities is advertised in the greeting and by CAPABILITY.
const Capabilities = "IMAP4rev1 IDLE ENABLE"

// Dispatcher adapts a Session to conn.Handler, so an accepted client
// socket's readiness events drive the IMAP command queue.
type Dispatcher struct {
	Session *Session
}

var _ conn.Handler = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher and sends the initial greeting.
func NewDispatcher(s *Session) *Dispatcher {
	d := &Dispatcher{Session: s}
	s.Greet(Capabilities)
	return d
}

func (d *Dispatcher) HandleConnect(*conn.Connection, error) {}

func (d *Dispatcher) HandleReadable(c *conn.Connection) {
	d.Session.touch()
	d.Session.parse()
	d.Session.runCommands()
}

func (d *Dispatcher) HandleTimeout(c *conn.Connection) {
	d.Session.autologout()
}

func (d *Dispatcher) HandleClose(c *conn.Connection, err error) {}

func (d *Dispatcher) HandleShutdown(c *conn.Connection) {
	c.Enqueue([]byte("* BYE server shutting down\r\n"))
	c.Close(nil)
}
