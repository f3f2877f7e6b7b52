// File: internal/observability/logger.go
package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const ansiReset = "\x1b[0m"

var ansiColors = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// NewLogger builds the runtime's root logger. Console output goes to
// consoleWriter; when cfg.LogFile is set every entry is also written as JSON
// to a rotated file. Components derive named children from the result.
func NewLogger(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var primary zapcore.Encoder
	if cfg.Format == "console" {
		primary = consoleEncoder(levelPalette(cfg.Colors))
	} else {
		primary = jsonEncoder()
	}
	core := zapcore.NewCore(primary, consoleWriter, level)

	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		core = zapcore.NewTee(core, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(rotated), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(core, opts...)
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}
	return logger, nil
}

// EventFields are the correlation fields attached to every log line about an
// event, so one turn can be followed across the bus, sessions and workers.
func EventFields(evt events.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", evt.ID),
		zap.String("topic", string(evt.Topic)),
		zap.String("type", string(evt.Type)),
	}
	if evt.SessionID != "" {
		fields = append(fields, zap.String("session_id", evt.SessionID))
	}
	if evt.ConversationID != "" {
		fields = append(fields, zap.String("conversation_id", evt.ConversationID))
	}
	return fields
}

// Sync flushes buffered entries. Terminals and pipes reject fsync on some
// platforms; those errors are not worth reporting.
func Sync(logger *zap.Logger) {
	if logger == nil {
		return
	}
	err := logger.Sync()
	if err == nil {
		return
	}
	for _, benign := range []string{"sync /dev/stdout", "sync /dev/stderr", "invalid argument", "inappropriate ioctl", "operation not supported"} {
		if strings.Contains(err.Error(), benign) {
			return
		}
	}
	fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
}

// levelPalette resolves the configured colour names; unknown names leave the
// level uncoloured.
func levelPalette(colors config.ColorConfig) map[zapcore.Level]string {
	names := map[zapcore.Level]string{
		zapcore.DebugLevel:  colors.Debug,
		zapcore.InfoLevel:   colors.Info,
		zapcore.WarnLevel:   colors.Warn,
		zapcore.ErrorLevel:  colors.Error,
		zapcore.DPanicLevel: colors.DPanic,
		zapcore.PanicLevel:  colors.Panic,
		zapcore.FatalLevel:  colors.Fatal,
	}
	palette := make(map[zapcore.Level]string, len(names))
	for lvl, name := range names {
		if code, ok := ansiColors[strings.ToLower(name)]; ok {
			palette[lvl] = code
		}
	}
	return palette
}

func consoleEncoder(palette map[zapcore.Level]string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := l.CapitalString()
		if code, ok := palette[l]; ok {
			name = code + name + ansiReset
		}
		enc.AppendString(name)
	}
	// "reug.fsm." keeps the component apart from the message text.
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

func jsonEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}
