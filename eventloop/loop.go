//go:build linux

// Package eventloop implements the single process-wide reactor: one
// epoll-backed poll loop, advancing timers and dispatching readiness
// events to registered Reactors, strictly single-threaded and
// cooperative — nothing registered on it may block.
package eventloop

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kestrelmail/kestreld/internal/errs"
)

// Event is the set of occurrences a Reactor may be asked to handle.
// dispatch never delivers more than one Event per Connection per pass.
type Event int

const (
	EventRead Event = iota
	EventWriteReady
	EventConnect
	EventError
	EventClose
	EventTimeout
	EventShutdown
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "read"
	case EventWriteReady:
		return "write-ready"
	case EventConnect:
		return "connect"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	case EventTimeout:
		return "timeout"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Reactor receives Loop-dispatched Events for one registered fd. React
// must not block; long work belongs on a Query or a Timer.
type Reactor interface {
	React(Event)
}

// CancelFunc cancels a previously scheduled timer or deferred task. It
// is safe to call more than once and safe to call after the task has
// already fired.
type CancelFunc func()

// Loop is the process' single event loop: one epoll instance, a FIFO
// of deferred tasks, and a min-heap of timers, all driven from the one
// goroutine that calls Run. It has exactly one kind of caller-visible
// work item, a Task, and exactly one consumer of readiness events, a
// Reactor — no JavaScript-facing surface (microtasks, Promises,
// fast-path mode switching).
type Loop struct {
	state  *fastState
	poller poller
	opts   *loopOptions

	mu       sync.Mutex
	pending  []Task // FIFO of deferred work, drained once per pass
	timers   timerHeap
	timerSeq uint64

	reactorMu sync.RWMutex
	reactors  map[int]Reactor

	wakeFD       int
	wakePending  atomic.Bool
	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// New constructs a Loop in the Awake state. The returned Loop must
// have Run called on it from the goroutine that will own it for its
// entire lifetime.
func New(opts ...Option) (*Loop, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		state:        newFastState(),
		opts:         cfg,
		reactors:     make(map[int]Reactor),
		shutdownDone: make(chan struct{}),
	}

	if err := l.poller.init(); err != nil {
		return nil, errs.Wrap("eventloop: poller init", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = l.poller.close()
		return nil, errs.Wrap("eventloop: wake eventfd", err)
	}
	l.wakeFD = wakeFD

	if err := l.poller.registerFD(wakeFD, eventRead, func(ioEvents) { l.drainWake() }); err != nil {
		_ = l.poller.close()
		return nil, errs.Wrap("eventloop: register wake fd", err)
	}

	return l, nil
}

// AddConnection registers fd for readiness dispatch to r. Idempotent:
// calling it twice for the same fd is a no-op returning nil the second
// time, matching the contract that addConnection never errors for a
// Connection already known to the Loop.
func (l *Loop) AddConnection(fd int, r Reactor, writable bool) error {
	l.reactorMu.Lock()
	if _, ok := l.reactors[fd]; ok {
		l.reactorMu.Unlock()
		return nil
	}
	l.reactors[fd] = r
	l.reactorMu.Unlock()

	events := eventRead
	if writable {
		events |= eventWrite
	}
	cb := func(ev ioEvents) { l.dispatchIO(fd, ev) }
	if err := l.poller.registerFD(fd, events, cb); err != nil {
		l.reactorMu.Lock()
		delete(l.reactors, fd)
		l.reactorMu.Unlock()
		return err
	}
	return nil
}

// SetWriteInterest toggles whether fd is polled for write-readiness,
// used when a Connection's write buffer transitions between empty and
// non-empty.
func (l *Loop) SetWriteInterest(fd int, writable bool) error {
	events := eventRead
	if writable {
		events |= eventWrite
	}
	return l.poller.modifyFD(fd, events)
}

// RemoveConnection unregisters fd. Safe to call during dispatch of any
// event for that fd, and safe to call on an fd that is not registered.
func (l *Loop) RemoveConnection(fd int) {
	l.reactorMu.Lock()
	_, ok := l.reactors[fd]
	delete(l.reactors, fd)
	l.reactorMu.Unlock()
	if ok {
		_ = l.poller.unregisterFD(fd)
	}
}

func (l *Loop) dispatchIO(fd int, ev ioEvents) {
	l.reactorMu.RLock()
	r, ok := l.reactors[fd]
	l.reactorMu.RUnlock()
	if !ok || r == nil {
		return
	}

	// Errors and hangups take priority: exactly one event is delivered
	// per Connection per pass, so a fd that is both readable and in
	// error only ever sees Error.
	switch {
	case ev&(eventError|eventHangup) != 0:
		r.React(EventError)
	case ev&eventRead != 0:
		r.React(EventRead)
	case ev&eventWrite != 0:
		r.React(EventWriteReady)
	}
}

// Defer schedules task to run on the Loop's own goroutine on its next
// pass, the mechanism by which other goroutines (signal handlers,
// backend wire readers) hand work back to the single-threaded core.
func (l *Loop) Defer(task Task) {
	l.mu.Lock()
	l.pending = append(l.pending, task)
	l.mu.Unlock()
	l.wake()
}

// AfterFunc schedules task to run once, no sooner than d from now.
// Returned CancelFunc removes it if it has not yet fired.
func (l *Loop) AfterFunc(d time.Duration, task Task) CancelFunc {
	return l.scheduleAt(time.Now().Add(d), task)
}

func (l *Loop) scheduleAt(when time.Time, task Task) CancelFunc {
	l.mu.Lock()
	l.timerSeq++
	entry := timerEntry{when: when, seq: l.timerSeq, task: task}
	heap.Push(&l.timers, entry)
	l.mu.Unlock()
	l.wake()

	cancelled := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		for i := range l.timers {
			if l.timers[i].seq == entry.seq {
				heap.Remove(&l.timers, i)
				return
			}
		}
	}
}

func (l *Loop) wake() {
	if !l.wakePending.CompareAndSwap(false, true) {
		return
	}
	buf := [8]byte{1}
	_, _ = unix.Write(l.wakeFD, buf[:])
}

func (l *Loop) drainWake() {
	l.wakePending.Store(false)
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFD, buf[:])
		if err != nil {
			break
		}
	}
}

// Run drives the loop until Shutdown completes the hard phase. It must
// be called from the goroutine that is to be considered the loop's
// single cooperative thread for the remainder of the process.
func (l *Loop) Run() error {
	if !l.state.TryTransition(StateAwake, StateRunning) {
		return errors.New("eventloop: Run called more than once")
	}

	for {
		state := l.state.Load()
		if state == StateStopped {
			return nil
		}

		l.runDuePending()

		if l.state.Load() == StateStopped {
			return nil
		}

		timeout := l.pollTimeout()
		l.state.Store(StateSleeping)
		_, err := l.poller.pollIO(timeout)
		l.state.TryTransition(StateSleeping, StateRunning)
		if err != nil {
			l.opts.logger.WithError(err).Warn("eventloop: poll error")
		}
	}
}

// runDuePending drains the deferred-task FIFO and fires every timer
// whose deadline has passed, once per pass, matching the "advance
// timers, then flush" ordering of the dispatch contract.
func (l *Loop) runDuePending() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	due := l.timers.popDue(time.Now())
	l.mu.Unlock()

	for _, t := range tasks {
		t()
	}
	for _, t := range due {
		t()
	}
}

func (l *Loop) pollTimeout() int {
	if l.opts.pollTimeout > 0 {
		return int(l.opts.pollTimeout / time.Millisecond)
	}
	l.mu.Lock()
	when, ok := l.timers.nextDeadline()
	l.mu.Unlock()
	if !ok {
		return 1000
	}
	d := time.Until(when)
	if d <= 0 {
		return 0
	}
	if ms := d.Milliseconds(); ms < 1000 {
		return int(ms) + 1
	}
	return 1000
}

// Shutdown runs the two-phase shutdown contract: graceful (registered
// Reactors see EventShutdown so they can close their Connections, and
// readiness dispatch carries on as before) for the full configured
// grace period, then hard (run onHardPhase, unregister whatever
// remains and mark the Loop Stopped). Safe to call from any goroutine.
func (l *Loop) Shutdown(onHardPhase func()) {
	l.shutdownOnce.Do(func() {
		l.state.TransitionAny([]LoopState{StateAwake, StateRunning, StateSleeping}, StateShuttingDown)
		l.Defer(func() {
			l.reactorMu.RLock()
			reactors := make([]Reactor, 0, len(l.reactors))
			for _, r := range l.reactors {
				reactors = append(reactors, r)
			}
			l.reactorMu.RUnlock()
			for _, r := range reactors {
				r.React(EventShutdown)
			}
		})

		l.AfterFunc(l.opts.shutdownGrace, func() {
			if onHardPhase != nil {
				onHardPhase()
			}
			l.reactorMu.Lock()
			fds := make([]int, 0, len(l.reactors))
			for fd := range l.reactors {
				fds = append(fds, fd)
			}
			l.reactors = make(map[int]Reactor)
			l.reactorMu.Unlock()
			for _, fd := range fds {
				_ = l.poller.unregisterFD(fd)
			}
			l.state.Store(StateStopped)
			close(l.shutdownDone)
		})
	})
}

// Done returns a channel closed once the hard shutdown phase
// completes.
func (l *Loop) Done() <-chan struct{} { return l.shutdownDone }
