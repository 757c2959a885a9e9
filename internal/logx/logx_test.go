package logx_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmail/kestreld/internal/logx"
)

func TestDiscardIsANoOp(t *testing.T) {
	var d logx.Discard
	assert.NotPanics(t, func() {
		d.Debug("x")
		d.Info("x")
		d.Warn("x")
		d.Error("x")
		_ = d.With("k", "v")
		_ = d.WithError(errors.New("boom"))
	})
}

func TestNewWritesStructuredJSONLines(t *testing.T) {
	var buf bytes.Buffer
	log := logx.New(&buf)

	log.With("component", "pool").Info("starting up")
	log.WithError(errors.New("dial failed")).Error("connect failed")

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "starting up")
	assert.Contains(t, lines[0], "pool")
	assert.Contains(t, lines[1], "connect failed")
	assert.Contains(t, lines[1], "dial failed")
}

func TestNewDefaultsToStderrWhenWriterNil(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = logx.New(nil)
	})
}
