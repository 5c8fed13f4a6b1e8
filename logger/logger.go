// Package logger builds the zap loggers used across cellmodem.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a textual log level.
type Level string

// Format selects the encoder.
type Format string

const (
	DebugLevel      Level = "DEBUG"
	InfoLevel       Level = "INFO"
	WarnLevel       Level = "WARN"
	ErrorLevel      Level = "ERROR"
	ProductionLevel Level = "PRODUCTION" // alias for INFO

	FormatConsole Format = "CONSOLE"
	FormatJSON    Format = "JSON"
)

// Environment variables that override the configured level and format.
const (
	EnvLevel  = "LOGGING_LEVEL"
	EnvFormat = "LOGGING_FORMAT"
)

// ParseLevel maps a textual level to zap. Unknown levels map to info.
func ParseLevel(level Level) zapcore.Level {
	switch strings.ToUpper(string(level)) {
	case string(DebugLevel):
		return zapcore.DebugLevel
	case string(WarnLevel):
		return zapcore.WarnLevel
	case string(ErrorLevel):
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseFormat normalizes f, falling back to def when f is not a known format.
func ParseFormat(f string, def Format) Format {
	switch Format(strings.ToUpper(f)) {
	case FormatConsole:
		return FormatConsole
	case FormatJSON:
		return FormatJSON
	}
	return def
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New returns a logger writing to stdout. LOGGING_LEVEL and LOGGING_FORMAT
// take precedence over the arguments when set.
func New(level Level, format Format) *zap.Logger {
	if v := os.Getenv(EnvLevel); v != "" {
		level = Level(v)
	}
	if v := os.Getenv(EnvFormat); v != "" {
		format = ParseFormat(v, format)
	}
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New without the environment overrides, writing to w.
func NewWithWriter(w io.Writer, level Level, format Format) *zap.Logger {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if ParseFormat(string(format), FormatJSON) == FormatConsole {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = timeEncoder
		cfg.ConsoleSeparator = " | "
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(ParseLevel(level)))
	return zap.New(core, zap.AddCaller())
}
