package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID attaches a request id that WithContext adds to log entries
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached to ctx, if any
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ZapLogger implements Logger on top of zap
type ZapLogger struct {
	logger *zap.Logger
}

var _ Logger = (*ZapLogger)(nil)

// NewLogger builds a zap backed Logger from the logging configuration
func NewLogger(config LogConfig) (*ZapLogger, error) {
	level := zapcore.InfoLevel
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(config.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch config.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "text":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format %q", config.Format)
	}

	var writer zapcore.WriteSyncer
	switch config.Output {
	case "", "stdout":
		writer = zapcore.Lock(os.Stdout)
	case "stderr":
		writer = zapcore.Lock(os.Stderr)
	case "file":
		if config.FilePath == "" {
			return nil, fmt.Errorf("file output requires file_path")
		}
		file, err := os.OpenFile(config.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = zapcore.AddSync(file)
	default:
		return nil, fmt.Errorf("invalid log output %q", config.Output)
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.IncludeCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	return &ZapLogger{logger: zap.New(zapcore.NewCore(encoder, writer, level), opts...)}, nil
}

// NewZapLogger wraps an existing zap logger
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// NewNopLogger returns a Logger that discards everything
func NewNopLogger() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// Zap exposes the underlying zap logger
func (l *ZapLogger) Zap() *zap.Logger {
	return l.logger
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func mapFields(data map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(data))
	for k, v := range data {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// Debug logs a debug message
func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, toZap(fields)...)
}

// Info logs an info message
func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, toZap(fields)...)
}

// Warn logs a warning message
func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, toZap(fields)...)
}

// Error logs an error message
func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, toZap(fields)...)
}

// WithFields returns a new logger with the given fields
func (l *ZapLogger) WithFields(fields ...Field) Logger {
	return &ZapLogger{logger: l.logger.With(toZap(fields)...)}
}

// WithContext returns a new logger carrying the request id of ctx
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return &ZapLogger{logger: l.logger.With(zap.String("request_id", id))}
	}
	return l
}

// LogFlowExecution records flow execution events
func (l *ZapLogger) LogFlowExecution(flowID string, executionID string, event string, data map[string]interface{}) {
	fields := append([]zap.Field{
		zap.String("flow_id", flowID),
		zap.String("execution_id", executionID),
		zap.String("event", event),
	}, mapFields(data)...)
	l.logger.Info("flow execution", fields...)
}

// LogNodeExecution records node execution events
func (l *ZapLogger) LogNodeExecution(flowID string, executionID string, nodeID string, event string, data map[string]interface{}) {
	fields := append([]zap.Field{
		zap.String("flow_id", flowID),
		zap.String("execution_id", executionID),
		zap.String("node_id", nodeID),
		zap.String("event", event),
	}, mapFields(data)...)
	l.logger.Debug("node execution", fields...)
}

// LogSystemEvent records system-level events
func (l *ZapLogger) LogSystemEvent(event string, data map[string]interface{}) {
	l.logger.Info("system event", append([]zap.Field{zap.String("event", event)}, mapFields(data)...)...)
}
