package logx

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// stumpyLogger adapts a logiface.Logger[*stumpy.Event] to the Logger
// interface. stumpy is logiface's reference JSON backend (zerolog-style
// buffer-append encoding); using it here keeps kestreld on the same
// logging stack as the rest of the example pack instead of reaching for
// the standard library's log/slog.
type stumpyLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// New constructs the default kestreld logger, writing newline-delimited
// JSON to w (os.Stderr if nil).
func New(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpyLogger{
		l: stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		),
	}
}

func (x stumpyLogger) With(key string, value any) Logger {
	return stumpyLogger{l: x.l.Clone().Any(key, value).Logger()}
}

func (x stumpyLogger) WithError(err error) Logger {
	return stumpyLogger{l: x.l.Clone().Err(err).Logger()}
}

func (x stumpyLogger) Debug(msg string) { x.l.Debug().Log(msg) }
func (x stumpyLogger) Info(msg string)  { x.l.Info().Log(msg) }
func (x stumpyLogger) Warn(msg string)  { x.l.Warning().Log(msg) }
func (x stumpyLogger) Error(msg string) { x.l.Err().Log(msg) }
