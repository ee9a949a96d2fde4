// Package audit defines the sink that authorization decisions report to,
// along with zap-backed and fan-out implementations.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rsclarke/keygate/internal/logging"
)

// Level is the severity of a security event.
type Level string

// Event levels.
const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// SecurityEvent reports a denial or other security-relevant condition. It
// never carries the presented credential.
type SecurityEvent struct {
	Type      string
	Reason    string
	Level     Level
	Message   string
	IP        string
	UserAgent string
	KeyID     *int64
	KeyName   string
	RequestID string
	At        time.Time
}

// RequestEvent reports an authorized request.
type RequestEvent struct {
	KeyID       int64
	KeyName     string
	Endpoint    string
	Method      string
	StatusCode  int
	Message     string
	IP          string
	UserAgent   string
	RequestData string
	DurationMS  float64
	MemoryBytes int64
	RequestID   string
	At          time.Time
}

// Sink receives audit events.
type Sink interface {
	SecurityEvent(ctx context.Context, e SecurityEvent) error
	APIRequest(ctx context.Context, e RequestEvent) error
}

// Logger writes events to a zap logger.
type Logger struct {
	logger *zap.Logger
}

// NewLogger returns a Sink writing to logger.
func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.Named("audit")}
}

// SecurityEvent logs e at a level derived from e.Level.
func (l *Logger) SecurityEvent(_ context.Context, e SecurityEvent) error {
	fields := []zap.Field{
		logging.EventType(e.Type),
		logging.RemoteIP(e.IP),
		logging.UserAgent(e.UserAgent),
		logging.RequestID(e.RequestID),
	}
	if e.Reason != "" {
		fields = append(fields, logging.Reason(e.Reason))
	}
	if e.KeyID != nil {
		fields = append(fields, logging.KeyID(*e.KeyID), logging.KeyName(e.KeyName))
	}
	if ce := l.logger.Check(zapLevel(e.Level), e.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// APIRequest logs e at info level.
func (l *Logger) APIRequest(_ context.Context, e RequestEvent) error {
	l.logger.Info("api request",
		logging.KeyID(e.KeyID),
		logging.KeyName(e.KeyName),
		logging.Method(e.Method),
		logging.Endpoint(e.Endpoint),
		logging.Status(e.StatusCode),
		logging.RemoteIP(e.IP),
		logging.RequestID(e.RequestID),
		logging.Duration(e.DurationMS),
		zap.Int64("memory_bytes", e.MemoryBytes),
	)
	return nil
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// Multi fans events out to every sink and joins their errors.
type Multi []Sink

// SecurityEvent implements Sink.
func (m Multi) SecurityEvent(ctx context.Context, e SecurityEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.SecurityEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// APIRequest implements Sink.
func (m Multi) APIRequest(ctx context.Context, e RequestEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.APIRequest(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) SecurityEvent(context.Context, SecurityEvent) error { return nil }
func (Discard) APIRequest(context.Context, RequestEvent) error     { return nil }
