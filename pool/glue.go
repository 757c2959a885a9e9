package pool

import (
	"github.com/kestrelmail/kestreld/conn"
	"github.com/kestrelmail/kestreld/eventloop"
	"github.com/kestrelmail/kestreld/query"
)

// AttachToLoop registers h's backend socket on loop, so its
// readiness events drive Feed from here on instead of the blocking
// handshake path used by Dial. Called once per Handle, right after a
// successful Dial.
func (p *Pool) AttachToLoop(h *Handle, loop *eventloop.Loop) error {
	_, err := conn.New(loop, h.Conn(), conn.RoleDatabase, &backendHandler{pool: p, handle: h}, p.log)
	return err
}

// backendHandler adapts a Handle's wire-protocol state machine to the
// conn.Handler interface, so its backend socket can be registered on
// the same Loop as every client Connection.
type backendHandler struct {
	pool   *Pool
	handle *Handle
}

var _ conn.Handler = (*backendHandler)(nil)

func (b *backendHandler) HandleConnect(*conn.Connection, error) {}

func (b *backendHandler) HandleReadable(c *conn.Connection) {
	n := len(c.ReadBuffer())
	if n == 0 {
		return
	}
	buf := make([]byte, n)
	copy(buf, c.ReadBuffer())
	c.Advance(n)

	if err := b.handle.Feed(buf, func(*query.Query) {
		b.pool.HandleCompleted()
	}); err != nil {
		b.handle.Break(err)
		c.Close(err)
	}
}

func (b *backendHandler) HandleTimeout(*conn.Connection) {}

func (b *backendHandler) HandleClose(c *conn.Connection, err error) {
	b.handle.Break(err)
	b.pool.removeHandle(b.handle)
}

func (b *backendHandler) HandleShutdown(c *conn.Connection) {
	c.Close(nil)
}

// removeHandle drops h from the pool's handle set and, unless
// shutting down, re-seeds the floor of three handles if the pool just
// emptied out entirely — database.cpp's removeHandle behavior.
func (p *Pool) removeHandle(h *Handle) {
	for i, candidate := range p.handles {
		if candidate == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			break
		}
	}
	p.reg.TotalDBConnections.Set(float64(len(p.handles)))

	if len(p.handles) != 0 {
		return
	}
	if p.shuttingDown.Load() {
		return
	}
	for i := 0; i < 3; i++ {
		if err := p.addHandle(); err != nil {
			p.log.WithError(err).Warn("pool: re-seed handle dial failed")
			break
		}
	}
}
