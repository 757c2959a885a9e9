//go:build linux

package eventloop

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct-indexed lookup; a connection count above this
// is unrealistic for a single-process mail server core.
const maxFDs = 65536

// ioEvents is a bitmask of readiness conditions on a registered fd,
// mirroring epoll's own readable/writable/error/hangup split.
type ioEvents uint32

const (
	eventRead ioEvents = 1 << iota
	eventWrite
	eventError
	eventHangup
)

var (
	errFDOutOfRange        = errors.New("eventloop: fd out of range")
	errFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	errFDNotRegistered     = errors.New("eventloop: fd not registered")
	errPollerClosed        = errors.New("eventloop: poller closed")
)

// ioCallback receives the readiness bitmask for one fd on one pass of
// the poller; it must never block.
type ioCallback func(ioEvents)

type fdInfo struct {
	callback ioCallback
	events   ioEvents
	active   bool
}

// poller wraps a single epoll instance with direct fd-indexed callback
// dispatch: an array instead of a map keeps registration and dispatch
// allocation-free, and a version counter detects (and discards)
// registration changes that raced with an in-flight EpollWait.
type poller struct {
	epfd     int32
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func (p *poller) init() error {
	if p.closed.Load() {
		return errPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	return nil
}

func (p *poller) close() error {
	p.closed.Store(true)
	if p.epfd > 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

func (p *poller) registerFD(fd int, events ioEvents, cb ioCallback) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *poller) unregisterFD(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	p.version.Add(1)
	p.fdMu.Unlock()

	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) modifyFD(fd int, events ioEvents) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}

	p.fdMu.Lock()
	if !p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

// pollIO blocks up to timeoutMs waiting for readiness, then dispatches
// each ready fd's callback inline before returning. A stale version
// after EpollWait (registration changed mid-wait) discards the batch
// rather than risk calling into a callback that was just removed.
func (p *poller) pollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, errPollerClosed
	}

	v := p.version.Load()

	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	if p.version.Load() != v {
		return 0, nil
	}

	p.dispatchEvents(n)
	return n, nil
}

func (p *poller) dispatchEvents(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()

		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

func eventsToEpoll(events ioEvents) uint32 {
	var e uint32
	if events&eventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&eventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(epollEvents uint32) ioEvents {
	var events ioEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= eventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= eventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= eventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= eventHangup
	}
	return events
}
