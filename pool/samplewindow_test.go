package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSampleWindowMaxSince(t *testing.T) {
	w := newSampleWindow()
	w.sample(1)
	w.sample(5)
	w.sample(3)

	assert.Equal(t, 5, w.maxSince(time.Now().Add(-time.Minute)))
}

func TestSampleWindowMaxSinceExcludesOlderSamples(t *testing.T) {
	w := newSampleWindow()
	w.entries = []sampleEntry{
		{at: time.Now().Add(-time.Hour), value: 100},
		{at: time.Now(), value: 2},
	}
	assert.Equal(t, 2, w.maxSince(time.Now().Add(-time.Second)))
}

func TestSampleWindowEmptyIsZero(t *testing.T) {
	w := newSampleWindow()
	assert.Equal(t, 0, w.maxSince(time.Now()))
}

func TestSampleWindowPrunesOldEntries(t *testing.T) {
	w := newSampleWindow()
	w.entries = []sampleEntry{
		{at: time.Now().Add(-20 * time.Minute), value: 9},
	}
	w.sample(1)
	assert.Len(t, w.entries, 1)
	assert.Equal(t, 1, w.entries[0].value)
}
