package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

var nopLogger = zerolog.Nop()

// Logger is a value-type handle over a zerolog root. Loggers handed out by
// a Service follow its Apply calls. The zero value drops everything.
type Logger struct {
	src    source
	fields []Field
}

type source interface {
	logger() *zerolog.Logger
}

type fixed struct{ zl *zerolog.Logger }

func (f fixed) logger() *zerolog.Logger { return f.zl }

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{src: fixed{&nopLogger}} }

// NewWriter returns a JSON logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{src: fixed{&zl}}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) root() *zerolog.Logger {
	if l.src == nil {
		return &nopLogger
	}
	return l.src.logger()
}

// Enabled reports whether an event at level would be written.
func (l Logger) Enabled(level Level) bool {
	floor := l.root().GetLevel()
	if g := zerolog.GlobalLevel(); g > floor {
		floor = g
	}
	return floor != zerolog.Disabled && level >= floor
}

// With returns a child logger carrying fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

func (l Logger) write(level Level, msg string, fields []Field) {
	e := l.root().WithLevel(level)
	if e == nil {
		return
	}
	// 0 = callerAt, 1 = write, 2 = Info/Warn/..., 3 = caller of those
	if c := callerAt(3); c != "" {
		e.Str(zerolog.CallerFieldName, c)
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func callerAt(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// parseLevel accepts zerolog level names plus "warning".
func parseLevel(s string, def Level) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return LevelWarn
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return def
	}
	return lvl
}
