package log

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Option = zap.Option

type Logger interface {
	// Debug is used when you want your logs running in development, testing,
	// production.
	Debug(msg string, fields ...Field)
	// Info is used when you want your logs running in production.
	Info(msg string, fields ...Field)
	// Error is used when you want your logs running in production and you have an error.
	Error(msg string, fields ...Field)
	// With returns a child logger wrapped with the given fields.
	With(fields ...Field) Logger
	WithOptions(opts ...Option) Logger
}

var _ Logger = (*logger)(nil)

// Config selects the level and destination of a logger built by New.
type Config struct {
	// Level is one of debug, info, warn, error, panic or fatal.
	Level string
	// File, when set, receives the logs instead of stderr and is rotated.
	File string
}

// New builds a production logger. An empty Level means info.
func New(config Config) (Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(config.Level))); err != nil {
			return nil, errors.Wrapf(err, "log: bad level %q", config.Level)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if config.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
		})
	} else {
		sink = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, level)
	return &logger{Logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewDevelopment is the console logger used by tests and examples.
func NewDevelopment() Logger {
	l, _ := zap.NewDevelopment(zap.AddCallerSkip(1))
	return &logger{
		Logger: l,
	}
}

// NewNop returns a logger that drops everything.
func NewNop() Logger {
	return &logger{Logger: zap.NewNop()}
}

// StdWriter adapts l for libraries that log through an io.Writer, such as
// raft, serf and memberlist. Lines are written at debug level.
func StdWriter(l Logger) io.Writer {
	return NewStdLogger(l).Writer()
}

// NewStdLogger returns a standard library logger backed by l.
func NewStdLogger(l Logger) *stdlog.Logger {
	zl, ok := l.(*logger)
	if !ok {
		return stdlog.New(io.Discard, "", 0)
	}
	std, err := zap.NewStdLogAt(zl.Logger.WithOptions(zap.AddCallerSkip(-1)), zap.DebugLevel)
	if err != nil {
		return stdlog.New(io.Discard, "", 0)
	}
	return std
}

type logger struct {
	*zap.Logger
}

func (l *logger) Info(msg string, fields ...Field) {
	l.Logger.Info(msg, fields...)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.Logger.Error(msg, fields...)
}

func (l *logger) Debug(msg string, fields ...Field) {
	l.Logger.Debug(msg, fields...)
}

func (l *logger) With(fields ...Field) Logger {
	return &logger{
		Logger: l.Logger.With(fields...),
	}
}

func (l *logger) WithOptions(opts ...Option) Logger {
	return &logger{
		Logger: l.Logger.WithOptions(opts...),
	}
}

// Sync flushes buffered entries of loggers built by this package.
func Sync(l Logger) error {
	if zl, ok := l.(*logger); ok {
		return zl.Logger.Sync()
	}
	return nil
}
