// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"time"

	"github.com/kestrelmail/kestreld/internal/logx"
)

// loopOptions holds configuration applied at Loop construction.
type loopOptions struct {
	shutdownGrace time.Duration
	pollTimeout   time.Duration
	logger        logx.Logger
}

// Option configures a Loop instance.
type Option interface {
	applyLoop(*loopOptions) error
}

type optionFunc func(*loopOptions) error

func (f optionFunc) applyLoop(opts *loopOptions) error { return f(opts) }

// WithShutdownGrace sets how long the graceful shutdown phase lasts
// before the hard phase runs the caller's hard-phase hook and drops
// whatever remains registered. The graceful phase always lasts the
// full period; it does not end early once every Connection has closed.
func WithShutdownGrace(d time.Duration) Option {
	return optionFunc(func(opts *loopOptions) error {
		opts.shutdownGrace = d
		return nil
	})
}

// WithPollTimeout sets the maximum time a single poll blocks waiting
// for I/O readiness before re-checking the timer heap. The default
// (used when this option is omitted) derives the timeout from the
// next pending timer instead of a fixed value.
func WithPollTimeout(d time.Duration) Option {
	return optionFunc(func(opts *loopOptions) error {
		opts.pollTimeout = d
		return nil
	})
}

// WithLogger attaches a structured logger to the Loop; poll errors are
// logged through it at Warn.
func WithLogger(l logx.Logger) Option {
	return optionFunc(func(opts *loopOptions) error {
		if l != nil {
			opts.logger = l
		}
		return nil
	})
}

func resolveOptions(opts []Option) (*loopOptions, error) {
	cfg := &loopOptions{
		shutdownGrace: 5 * time.Second,
		logger:        logx.Discard{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
