// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	// Output is stderr, stdout or a file path. Empty means stderr.
	Output string
	// Sampling thins repeated entries with the same message.
	Sampling bool
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.Sampling = nil
	if cfg.Sampling {
		zcfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	if cfg.Output != "" {
		zcfg.OutputPaths = []string{cfg.Output}
	}

	logger, err := zcfg.Build(zap.AddCaller(), zap.AddCallerSkip(0))
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service", "keygate"))

	return logger, nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:    getenv("KEYGATE_LOG_LEVEL", "info"),
		Format:   getenv("KEYGATE_LOG_FORMAT", "json"),
		Output:   os.Getenv("KEYGATE_LOG_OUTPUT"),
		Sampling: getenv("KEYGATE_LOG_SAMPLING", "false") == "true",
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Domain returns a zap field for a domain name.
func Domain(domain string) zap.Field { return zap.String("domain", domain) }

// RemoteIP returns a zap field for a remote IP address.
func RemoteIP(ip string) zap.Field { return zap.String("remote_ip", ip) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Endpoint returns a zap field for a normalized endpoint path.
func Endpoint(endpoint string) zap.Field { return zap.String("endpoint", endpoint) }

// Status returns a zap field for an HTTP status code.
func Status(code int) zap.Field { return zap.Int("status", code) }

// KeyID returns a zap field for an API key ID.
func KeyID(id int64) zap.Field { return zap.Int64("key_id", id) }

// KeyName returns a zap field for an API key name.
func KeyName(name string) zap.Field { return zap.String("key_name", name) }

// KeyPrefix returns a zap field for the display prefix of an API key.
// Never log the full credential.
func KeyPrefix(prefix string) zap.Field { return zap.String("key_prefix", prefix) }

// Reason returns a zap field for a deny reason.
func Reason(reason string) zap.Field { return zap.String("reason", reason) }

// RequestID returns a zap field for a request ID.
func RequestID(id string) zap.Field { return zap.String("request_id", id) }

// UserAgent returns a zap field for a User-Agent header.
func UserAgent(ua string) zap.Field { return zap.String("user_agent", ua) }

// EventType returns a zap field for a security event type.
func EventType(t string) zap.Field { return zap.String("event_type", t) }

// Duration returns a zap field for an elapsed time in milliseconds.
func Duration(ms float64) zap.Field { return zap.Float64("duration_ms", ms) }

// TLSMode returns a zap field for the TLS mode.
func TLSMode(mode string) zap.Field { return zap.String("tls_mode", mode) }
