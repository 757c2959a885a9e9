package eventloop

import "sync/atomic"

// LoopState is the lifecycle of the single process-wide Loop. Values
// are deliberately ordered the way joeycumines-go-utilpkg/eventloop
// orders them, so a zero Loop starts Awake.
//
//	StateAwake       → StateRunning      (Run)
//	StateRunning     → StateSleeping     (blocked in poll)
//	StateSleeping    → StateRunning      (poll wakes with events)
//	StateRunning     → StateShuttingDown (Shutdown: graceful phase)
//	StateSleeping    → StateShuttingDown (Shutdown: graceful phase)
//	StateShuttingDown → StateStopped     (hard phase complete)
type LoopState uint64

const (
	StateAwake LoopState = iota
	StateRunning
	StateSleeping
	StateShuttingDown
	StateStopped
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// fastState is a lock-free LoopState holder, cache-line padded to keep
// the hot poll-loop's state checks from false-sharing with neighboring
// fields.
type fastState struct {
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *fastState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *fastState) Store(state LoopState) { s.v.Store(uint64(state)) }

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny moves from whichever of validFrom currently holds to
// to, used by Shutdown which may be called while Running or Sleeping.
func (s *fastState) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

func (s *fastState) IsStopped() bool { return s.Load() == StateStopped }

func (s *fastState) IsShuttingDown() bool {
	state := s.Load()
	return state == StateShuttingDown || state == StateStopped
}

func (s *fastState) CanAcceptWork() bool {
	switch s.Load() {
	case StateAwake, StateRunning, StateSleeping:
		return true
	default:
		return false
	}
}
