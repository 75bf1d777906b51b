package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Options configures NewLogger.
type Options struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// Logger is a structured logger writing key/value pairs through zerolog.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new Logger. Without options it logs INFO and above to
// the console.
func NewLogger(opts ...Options) *Logger {
	o := Options{Level: "INFO"}
	if len(opts) > 0 {
		o = opts[0]
	}
	out := o.Output
	if out == nil {
		out = os.Stdout
	}
	if !o.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "02-01-2006 15:04:05.000",
			FormatLevel: func(i interface{}) string {
				return strings.ToUpper(fmt.Sprintf("%-6s", i))
			},
		}
	}
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		parts := strings.Split(file, "/")
		return parts[len(parts)-1] + ":" + strconv.Itoa(line)
	}
	zl := zerolog.New(out).Level(parseLevel(o.Level)).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "DISABLED":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds the key/value pairs to every entry.
func (l *Logger) With(args ...any) *Logger {
	ctx := l.zl.With()
	for i := 0; i < len(args); i += 2 {
		key, val := pair(args, i)
		ctx = ctx.Interface(key, val)
	}
	return &Logger{zl: ctx.Logger()}
}

// Zerolog exposes the underlying logger for libraries that take one.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	write(l.zl.Debug(), msg, args)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	write(l.zl.Info(), msg, args)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, args ...any) {
	write(l.zl.Warn(), msg, args)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	write(l.zl.Error(), msg, args)
}

func write(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, val := pair(args, i)
		if err, ok := val.(error); ok {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, val)
	}
	e.Msg(msg)
}

func pair(args []any, i int) (string, any) {
	key, ok := args[i].(string)
	if !ok {
		key = fmt.Sprint(args[i])
	}
	if i+1 >= len(args) {
		return "!BADKEY", args[i]
	}
	return key, args[i+1]
}
