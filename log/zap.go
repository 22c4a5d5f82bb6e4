package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

// wrapper around zap logger. Field constructors and options are re-exported
// so callers only need to import this package.

type (
	Field  = zap.Field
	Level  = zapcore.Level
	Option = zap.Option
)

const (
	DebugLevel = zap.DebugLevel
	InfoLevel  = zap.InfoLevel
	WarnLevel  = zap.WarnLevel
	ErrorLevel = zap.ErrorLevel
	FatalLevel = zap.FatalLevel
)

var (
	Skip       = zap.Skip
	Binary     = zap.Binary
	Bool       = zap.Bool
	Duration   = zap.Duration
	Float64    = zap.Float64
	Int        = zap.Int
	Int32      = zap.Int32
	Int64      = zap.Int64
	Uint32     = zap.Uint32
	String     = zap.String
	Time       = zap.Time
	Any        = zap.Any
	ErrorField = zap.Error

	WithCaller    = zap.WithCaller
	AddStacktrace = zap.AddStacktrace
	AddCallerSkip = zap.AddCallerSkip
)

type Logger struct {
	l     *zap.Logger
	level Level
}

func (l *Logger) Debug(msg string, fields ...Field) { l.l.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.l.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.l.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.l.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...Field) { l.l.Fatal(msg, fields...) }

func (l *Logger) Named(name string) *Logger {
	return &Logger{l: l.l.Named(name), level: l.level}
}

func (l *Logger) Level() Level { return l.level }

func (l *Logger) Sync() error { return l.l.Sync() }

// New creates a Logger with a production (json) encoder.
func New(writer io.Writer, level Level, opts ...Option) *Logger {
	return newLogger(writer, level, prodEncoder(), opts...)
}

// DevLogger creates a Logger with a console encoder for local development.
func DevLogger(writer io.Writer, level Level, opts ...Option) *Logger {
	return newLogger(writer, level, devEncoder(), opts...)
}

// NewWithFilters creates a Logger whose output is additionally filtered by
// zapfilter rules (for example "debug:signalr.wire error:*") allowing
// per-named-logger levels.
func NewWithFilters(
	writer io.Writer, level Level, rules string, opts ...Option,
) (*Logger, error) {
	filter, err := zapfilter.ParseRules(rules)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(prodEncoder(), zapcore.AddSync(writer), level)
	return &Logger{
		l:     zap.New(zapfilter.NewFilteringCore(core, filter), opts...),
		level: level,
	}, nil
}

func newLogger(writer io.Writer, level Level, enc zapcore.Encoder, opts ...Option) *Logger {
	if writer == nil {
		panic("the writer is nil")
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(writer), level)
	return &Logger{l: zap.New(core, opts...), level: level}
}

func prodEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func devEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func ParseLevel(text string) (Level, error) {
	return zapcore.ParseLevel(text)
}

var std = New(os.Stderr, InfoLevel)

func Default() *Logger { return std }

// ResetDefault replaces the package level default logger.
// Not safe for concurrent use.
func ResetDefault(l *Logger) {
	std = l
}

func Debug(msg string, fields ...Field) { std.l.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { std.l.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { std.l.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { std.l.Error(msg, fields...) }
func Fatal(msg string, fields ...Field) { std.l.Fatal(msg, fields...) }

func Sync() error { return std.l.Sync() }
