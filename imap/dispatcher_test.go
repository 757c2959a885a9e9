package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreetingSendsCapabilityBanner(t *testing.T) {
	_, r, _ := newTestDispatcher(t)

	line := readLine(t, r)
	assert.Contains(t, line, "* OK [CAPABILITY")
	assert.Contains(t, line, "IMAP4rev1")
}

func TestNoopRoundTrip(t *testing.T) {
	client, r, _ := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 NOOP\r\n"))
	require.NoError(t, err)

	line := readLine(t, r)
	assert.Equal(t, "A001 OK done\r\n", line)
}

func TestCapabilityRoundTrip(t *testing.T) {
	client, r, _ := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 CAPABILITY\r\n"))
	require.NoError(t, err)

	assert.Contains(t, readLine(t, r), "* CAPABILITY IMAP4rev1")
	assert.Equal(t, "A001 OK done\r\n", readLine(t, r))
}

func TestUnknownCommandRespondsBad(t *testing.T) {
	client, r, _ := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 BOGUS\r\n"))
	require.NoError(t, err)

	assert.Contains(t, readLine(t, r), "BAD command unknown")
}

func TestLoginThenSelectWithoutPool(t *testing.T) {
	client, r, sess := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 LOGIN alice secret\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "A001 OK done\r\n", readLine(t, r))
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.Equal(t, "alice", sess.LoginUser())

	_, err = client.Write([]byte("A002 SELECT INBOX\r\n"))
	require.NoError(t, err)
	assert.Contains(t, readLine(t, r), "FLAGS")
	assert.Contains(t, readLine(t, r), "READ-WRITE")
	assert.Equal(t, "A002 OK done\r\n", readLine(t, r))
	assert.Equal(t, StateSelected, sess.State())
	assert.Equal(t, "INBOX", sess.Mailbox())
}

func TestSelectRejectedBeforeAuthentication(t *testing.T) {
	client, r, _ := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 SELECT INBOX\r\n"))
	require.NoError(t, err)
	assert.Contains(t, readLine(t, r), "BAD")
}

func TestPipeliningTwoNoopsRespondInOrder(t *testing.T) {
	client, r, _ := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 NOOP\r\nA002 NOOP\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "A001 OK done\r\n", readLine(t, r))
	assert.Equal(t, "A002 OK done\r\n", readLine(t, r))
}

func TestLiteralArgumentRoundTrip(t *testing.T) {
	client, r, sess := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 LOGIN {5}\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+\r\n", readLine(t, r))

	_, err = client.Write([]byte("ALICE pwd\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "A001 OK done\r\n", readLine(t, r))
	assert.Equal(t, "ALICE", sess.LoginUser())
}

func TestNonSynchronizingLiteralSkipsContinuationReply(t *testing.T) {
	client, r, sess := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 LOGIN {5+}\r\nALICE pwd\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "A001 OK done\r\n", readLine(t, r))
	assert.Equal(t, "ALICE", sess.LoginUser())
}

func TestIdleReservesInputUntilDone(t *testing.T) {
	client, r, sess := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 LOGIN alice secret\r\n"))
	require.NoError(t, err)
	readLine(t, r)

	_, err = client.Write([]byte("A002 IDLE\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+ idling\r\n", readLine(t, r))
	assert.True(t, sess.Idle())

	_, err = client.Write([]byte("DONE\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "A002 OK done\r\n", readLine(t, r))
	assert.False(t, sess.Idle())
}

func TestAuthenticateRoundTrip(t *testing.T) {
	client, r, sess := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 AUTHENTICATE PLAIN\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "+ \r\n", readLine(t, r))

	_, err = client.Write([]byte("AGFsaWNlAHNlY3JldA==\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "A001 OK done\r\n", readLine(t, r))
	assert.Equal(t, StateAuthenticated, sess.State())
}

func TestLogoutClosesConnectionOnceDrained(t *testing.T) {
	client, r, sess := newTestDispatcher(t)
	readLine(t, r) // greeting

	_, err := client.Write([]byte("A001 LOGOUT\r\n"))
	require.NoError(t, err)
	assert.Contains(t, readLine(t, r), "BYE logging out")
	assert.Equal(t, "A001 OK done\r\n", readLine(t, r))
	assert.Equal(t, StateLogout, sess.State())

	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err, "the server must close the socket once the LOGOUT response drains")
}

func TestHandleShutdownSendsByeAndCloses(t *testing.T) {
	client, r, sess := newTestDispatcher(t)
	readLine(t, r) // greeting

	d := &Dispatcher{Session: sess}
	d.HandleShutdown(sess.conn)

	assert.Equal(t, "* BYE server shutting down\r\n", readLine(t, r))

	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestTimeoutTriggersAutologout(t *testing.T) {
	client, r, sess := newTestDispatcher(t)
	readLine(t, r) // greeting

	d := &Dispatcher{Session: sess}
	d.HandleTimeout(sess.conn)

	assert.Equal(t, "* BYE autologout\r\n", readLine(t, r))

	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err, "autologout must close the connection after the BYE line")
}
