package utils

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig configures a logger instance
type LoggerConfig struct {
	Level      string
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	JSON       bool
	TimeFormat string
}

var levelColors = map[zapcore.Level]string{
	zapcore.DebugLevel: "\033[36m", // Cyan
	zapcore.InfoLevel:  "\033[32m", // Green
	zapcore.WarnLevel:  "\033[33m", // Yellow
	zapcore.ErrorLevel: "\033[31m", // Red
	zapcore.FatalLevel: "\033[35m", // Magenta
}

const colorReset = "\033[0m"

// ParseLevel maps a config level name onto a zap level. Unknown names fall back to info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger builds a zap logger that prints
// [TIME] [LEVEL] [COMPONENT] message key=value
// in console mode, or structured JSON when config.JSON is set.
func NewLogger(config LoggerConfig) *zap.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05.000"
	}

	var encoder zapcore.Encoder
	if config.JSON {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.NameKey = "component"
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		timeFormat := config.TimeFormat
		colorize := config.Colorize
		encCfg := zapcore.EncoderConfig{
			TimeKey:          "T",
			LevelKey:         "L",
			NameKey:          "N",
			CallerKey:        "C",
			MessageKey:       "M",
			StacktraceKey:    "S",
			LineEnding:       zapcore.DefaultLineEnding,
			ConsoleSeparator: " ",
			EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString("[" + t.Format(timeFormat) + "]")
			},
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				label := "[" + padLevel(l.CapitalString()) + "]"
				if colorize {
					if c, ok := levelColors[l]; ok {
						label = c + label + colorReset
					}
				}
				enc.AppendString(label)
			},
			EncodeName: func(name string, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString("[" + name + "]")
			},
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(config.Output), zap.NewAtomicLevelAt(ParseLevel(config.Level)))

	opts := []zap.Option{zap.AddStacktrace(zapcore.FatalLevel)}
	if config.ShowCaller {
		opts = append(opts, zap.AddCaller())
	}

	logger := zap.New(core, opts...)
	if config.Component != "" {
		logger = logger.Named(config.Component)
	}
	return logger
}

// Component returns a child logger tagged for one subsystem. A nil parent yields a no-op logger.
func Component(parent *zap.Logger, name string) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.Named(name)
}

func padLevel(s string) string {
	for len(s) < 5 {
		s += " "
	}
	return s
}
