package conn

import (
	"net"
	"syscall"

	"github.com/kestrelmail/kestreld/eventloop"
	"github.com/kestrelmail/kestreld/internal/logx"
)

// Listener registers a net.Listener's fd on a Loop and calls onAccept
// for every accepted connection (the accepted sockets are plain
// net.Conn values; the caller decides their Role).
type Listener struct {
	loop     *eventloop.Loop
	nl       net.Listener
	fd       int
	log      logx.Logger
	onAccept func(net.Conn)
}

var _ eventloop.Reactor = (*Listener)(nil)

// Listen registers nl on loop; every accepted connection is passed to
// onAccept from within the Loop's single goroutine.
func Listen(loop *eventloop.Loop, nl net.Listener, onAccept func(net.Conn), log logx.Logger) (*Listener, error) {
	if log == nil {
		log = logx.Discard{}
	}
	fd := -1
	if sc, ok := nl.(syscall.Conn); ok {
		fd = RawFD(sc)
	}
	l := &Listener{loop: loop, nl: nl, fd: fd, log: log, onAccept: onAccept}
	if err := loop.AddConnection(fd, l, false); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) React(ev eventloop.Event) {
	if ev != eventloop.EventRead {
		return
	}
	for {
		nc, err := l.nl.Accept()
		if err != nil {
			return
		}
		l.onAccept(nc)
	}
}

// Close unregisters and closes the listening socket.
func (l *Listener) Close() error {
	l.loop.RemoveConnection(l.fd)
	return l.nl.Close()
}
