package imap

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelmail/kestreld/conn"
	"github.com/kestrelmail/kestreld/eventloop"
)

// socketPair dials a loopback TCP connection, returning the accepted
// server-side net.Conn (wrapped as the Session's Connection) and the
// client-side net.Conn used to drive it from the test.
func socketPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	return server, client
}

func runningLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New(eventloop.WithShutdownGrace(50 * time.Millisecond))
	require.NoError(t, err)
	go func() { _ = l.Run() }()
	t.Cleanup(func() {
		l.Shutdown(nil)
		<-l.Done()
	})
	return l
}

// newTestDispatcher wires up a real Loop, a real socket pair, a
// pool-less Session, and a Dispatcher, returning the client side and a
// bufio.Reader over it for convenient line-at-a-time assertions.
func newTestDispatcher(t *testing.T) (client net.Conn, r *bufio.Reader, sess *Session) {
	t.Helper()
	loop := runningLoop(t)
	server, client := socketPair(t)
	t.Cleanup(func() { _ = client.Close() })

	sess = NewSession(nil, nil, nil)
	d := &Dispatcher{Session: sess}
	c, err := conn.New(loop, server, conn.RoleClient, d, nil)
	require.NoError(t, err)
	sess.conn = c
	sess.Greet(Capabilities)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	return client, bufio.NewReader(client), sess
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}
