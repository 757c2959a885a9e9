package pool

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmail/kestreld/query"
)

// readStartup reads one StartupMessage frame off c and returns its body
// (protocol version + key/value pairs), without interpreting it.
func readStartup(t *testing.T, c net.Conn) []byte {
	t.Helper()
	var lenBuf [4]byte
	_, err := readFullN(c, lenBuf[:])
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, length-4)
	_, err = readFullN(c, body)
	require.NoError(t, err)
	return body
}

func readFullN(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeBackendMessage(t *testing.T, c net.Conn, typ byte, body []byte) {
	t.Helper()
	require.NoError(t, writeMessage(c, typ, body))
}

// acceptAndHandshake runs a minimal fake-backend handshake on one
// accepted connection: read the StartupMessage, send AuthenticationOk,
// then ReadyForQuery(Idle).
func acceptAndHandshake(t *testing.T, c net.Conn) {
	t.Helper()
	readStartup(t, c)
	writeBackendMessage(t, c, msgAuthentication, []byte{0, 0, 0, 0})
	writeBackendMessage(t, c, msgReadyForQuery, []byte{'I'})
}

func newFakeBackend(t *testing.T) (addr string, accepted chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted = make(chan net.Conn, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String(), accepted
}

func TestDialHandshakeSucceeds(t *testing.T) {
	addr, accepted := newFakeBackend(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c := <-accepted
		acceptAndHandshake(t, c)
	}()

	h, err := Dial(1, Endpoint{Network: "tcp", Address: addr}, "alice", "secret", nil)
	require.NoError(t, err)
	assert.Equal(t, HandleIdle, h.State())
	assert.True(t, h.Usable())

	<-done
}

func TestDialHandshakeClearTextPassword(t *testing.T) {
	addr, accepted := newFakeBackend(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c := <-accepted
		readStartup(t, c)
		writeBackendMessage(t, c, msgAuthentication, []byte{0, 0, 0, 3}) // cleartext requested

		var rd messageReader
		var buf [256]byte
		for {
			n, err := c.Read(buf[:])
			require.NoError(t, err)
			rd.feed(buf[:n])
			if msg, ok := rd.next(); ok {
				assert.Equal(t, byte(msgPassword), msg.typ)
				assert.Equal(t, "secret\x00", string(msg.body))
				break
			}
		}
		writeBackendMessage(t, c, msgReadyForQuery, []byte{'I'})
	}()

	h, err := Dial(1, Endpoint{Network: "tcp", Address: addr}, "alice", "secret", nil)
	require.NoError(t, err)
	assert.Equal(t, HandleIdle, h.State())

	<-done
}

func TestDialHandshakeErrorResponse(t *testing.T) {
	addr, accepted := newFakeBackend(t)

	go func() {
		c := <-accepted
		readStartup(t, c)
		var body []byte
		body = append(body, 'C')
		body = append(body, "28000"...)
		body = append(body, 0)
		body = append(body, 'M')
		body = append(body, "invalid authorization"...)
		body = append(body, 0)
		body = append(body, 0)
		writeBackendMessage(t, c, msgErrorResponse, body)
	}()

	_, err := Dial(1, Endpoint{Network: "tcp", Address: addr}, "alice", "wrong", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid authorization")
}

func TestDialUnreachableEndpoint(t *testing.T) {
	_, err := Dial(1, Endpoint{Network: "tcp", Address: "127.0.0.1:1"}, "alice", "x", nil)
	assert.Error(t, err)
}

func dialHandle(t *testing.T) (*Handle, net.Conn) {
	t.Helper()
	addr, accepted := newFakeBackend(t)

	done := make(chan net.Conn, 1)
	go func() {
		c := <-accepted
		acceptAndHandshake(t, c)
		done <- c
	}()

	h, err := Dial(1, Endpoint{Network: "tcp", Address: addr}, "alice", "secret", nil)
	require.NoError(t, err)
	c := <-done
	return h, c
}

func TestHandleAssignAndFeedCompletesQuery(t *testing.T) {
	h, server := dialHandle(t)
	defer server.Close()

	q := query.New("select uidnext from mailboxes where name = $1", nil)
	require.NoError(t, q.Bind(1, query.TypeString, "INBOX"))
	q.MarkSubmitted()

	require.NoError(t, h.Assign(q))
	assert.Equal(t, HandleSending, h.State())

	// drain the frontend's PARSE/BIND/EXECUTE/SYNC batch from the fake
	// backend side before responding, mirroring how a real server reads
	// a full pipelined batch before replying.
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	var rd messageReader
	var buf [4096]byte
	sawSync := false
	for !sawSync {
		n, err := server.Read(buf[:])
		require.NoError(t, err)
		rd.feed(buf[:n])
		for {
			msg, ok := rd.next()
			if !ok {
				break
			}
			if msg.typ == msgSync {
				sawSync = true
			}
		}
	}

	writeBackendMessage(t, server, msgParseComplete, nil)
	writeBackendMessage(t, server, msgBindComplete, nil)

	var rowDesc []byte
	rowDesc = append(rowDesc, 0, 1)
	rowDesc = append(rowDesc, "uidnext"...)
	rowDesc = append(rowDesc, 0)
	rowDesc = append(rowDesc, make([]byte, 18)...)
	writeBackendMessage(t, server, msgRowDescription, rowDesc)

	var row []byte
	row = append(row, 0, 1)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 2)
	row = append(row, lenBuf[:]...)
	row = append(row, "42"...)
	writeBackendMessage(t, server, msgDataRow, row)

	writeBackendMessage(t, server, msgCommandComplete, []byte("SELECT 1\x00"))
	writeBackendMessage(t, server, msgReadyForQuery, []byte{'I'})

	var completed *query.Query
	require.Eventually(t, func() bool {
		_ = h.Conn().SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		var chunk [4096]byte
		n, _ := h.Conn().Read(chunk[:])
		if n > 0 {
			require.NoError(t, h.Feed(chunk[:n], func(q *query.Query) { completed = q }))
		}
		return completed != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NotNil(t, completed)
	assert.Equal(t, query.StateCompleted, completed.State())
	r, ok := completed.NextRow()
	require.True(t, ok)
	assert.Equal(t, "42", r.GetString("uidnext"))
	assert.Equal(t, HandleIdle, h.State())
}

func TestHandleBreakFailsActiveQuery(t *testing.T) {
	h, server := dialHandle(t)
	defer server.Close()

	q := query.New("select 1", nil)
	q.MarkSubmitted()
	require.NoError(t, h.Assign(q))

	h.Break(assert.AnError)
	assert.Equal(t, HandleBroken, h.State())
	assert.Equal(t, query.StateFailed, q.State())
}

func TestHandleCancelWithoutBackendKeyIsNoOp(t *testing.T) {
	h, server := dialHandle(t)
	defer server.Close()

	assert.NoError(t, h.Cancel())
}

func TestHandleStateString(t *testing.T) {
	assert.Equal(t, "startup", HandleStartup.String())
	assert.Equal(t, "authenticating", HandleAuthenticating.String())
	assert.Equal(t, "idle", HandleIdle.String())
	assert.Equal(t, "sending", HandleSending.String())
	assert.Equal(t, "awaiting-ready", HandleAwaitingReady.String())
	assert.Equal(t, "in-transaction", HandleInTransaction.String())
	assert.Equal(t, "failed-transaction", HandleFailedTransaction.String())
	assert.Equal(t, "broken", HandleBroken.String())
	assert.Equal(t, "unknown", HandleState(99).String())
}
