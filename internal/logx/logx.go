// Package logx is the structured logging facade used throughout kestreld.
//
// It mirrors the narrow interface the retrieved example pack uses to wrap
// a concrete logging backend behind a small, swappable contract (see
// joeycumines-go-utilpkg/sql/log, which does the same thing for logrus):
// callers never import logiface or stumpy directly, only this package.
package logx

// Logger is the logging interface used throughout kestreld. It is a subset
// of the chainable builder API that wraps the underlying logiface.Logger,
// shaped so call sites read as a sequence of fields followed by a message.
type Logger interface {
	With(key string, value any) Logger
	WithError(err error) Logger

	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// Discard implements Logger by doing nothing. It is the default used by
// components constructed without an explicit logger, so tests and small
// tools never need to wire one up.
type Discard struct{}

var _ Logger = Discard{}

func (Discard) With(string, any) Logger { return Discard{} }
func (Discard) WithError(error) Logger  { return Discard{} }
func (Discard) Debug(string)            {}
func (Discard) Info(string)             {}
func (Discard) Warn(string)             {}
func (Discard) Error(string)            {}
