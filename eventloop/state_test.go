package eventloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFastStateStartsAwake(t *testing.T) {
	s := newFastState()
	assert.Equal(t, StateAwake, s.Load())
	assert.True(t, s.CanAcceptWork())
	assert.False(t, s.IsStopped())
	assert.False(t, s.IsShuttingDown())
}

func TestFastStateTryTransition(t *testing.T) {
	s := newFastState()
	assert.True(t, s.TryTransition(StateAwake, StateRunning))
	assert.Equal(t, StateRunning, s.Load())

	// wrong "from" fails and leaves state untouched
	assert.False(t, s.TryTransition(StateAwake, StateSleeping))
	assert.Equal(t, StateRunning, s.Load())
}

func TestFastStateTransitionAny(t *testing.T) {
	s := newFastState()
	s.Store(StateSleeping)
	ok := s.TransitionAny([]LoopState{StateAwake, StateRunning, StateSleeping}, StateShuttingDown)
	assert.True(t, ok)
	assert.Equal(t, StateShuttingDown, s.Load())
	assert.True(t, s.IsShuttingDown())
	assert.False(t, s.CanAcceptWork())
}

func TestFastStateTransitionAnyNoMatch(t *testing.T) {
	s := newFastState()
	s.Store(StateStopped)
	ok := s.TransitionAny([]LoopState{StateAwake, StateRunning, StateSleeping}, StateShuttingDown)
	assert.False(t, ok)
	assert.Equal(t, StateStopped, s.Load())
}

func TestLoopStateString(t *testing.T) {
	assert.Equal(t, "awake", StateAwake.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "sleeping", StateSleeping.String())
	assert.Equal(t, "shutting-down", StateShuttingDown.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", LoopState(99).String())
}
