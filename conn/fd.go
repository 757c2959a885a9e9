package conn

import (
	"errors"
	"net"
	"syscall"
)

var errConnReset = errors.New("conn: socket error")

// fdOf extracts the raw file descriptor backing nc.
func fdOf(nc net.Conn) int {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1
	}
	return RawFD(sc)
}

// RawFD extracts the raw file descriptor behind any syscall.Conn — a
// net.Conn, a net.Listener, or anything else satisfying the interface
// — the only way to hand it to the epoll-based Loop: Go's net package
// manages fds through its own internal runtime poller, so SyscallConn
// is the documented escape hatch for registering one with a second,
// independent poller.
func RawFD(sc syscall.Conn) int {
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	_ = raw.Control(func(fdPtr uintptr) {
		fd = int(fdPtr)
	})
	return fd
}
