package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging verbosity level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory names a subsystem that DebugX calls are gated on.
type DebugCategory string

const (
	DebugDNS  DebugCategory = "dns"
	DebugSTUN DebugCategory = "stun"
	DebugTURN DebugCategory = "turn"
	DebugRTSP DebugCategory = "rtsp"
	DebugRTP  DebugCategory = "rtp"
	DebugAll  DebugCategory = "all"
)

// OutputFormat determines the log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config holds logger configuration.
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

func ParseFormat(format string) (OutputFormat, error) {
	switch strings.ToLower(format) {
	case "json":
		return FormatJSON, nil
	case "text", "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

func (l LogLevel) toZerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// EnableCategory enables a debug category. DebugAll enables every
// category this module defines.
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugDNS] = true
		c.EnabledCategories[DebugSTUN] = true
		c.EnabledCategories[DebugTURN] = true
		c.EnabledCategories[DebugRTSP] = true
		c.EnabledCategories[DebugRTP] = true
	} else {
		c.EnabledCategories[category] = true
	}
}

func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Logger wraps a zerolog.Logger with category-gated debug helpers.
type Logger struct {
	zl     zerolog.Logger
	config *Config
	file   *os.File
}

// New builds a Logger per cfg. Enabling any debug category forces
// debug level output regardless of the configured level.
func New(cfg *Config) (*Logger, error) {
	var w io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		w = f
		file = f
	}

	if cfg.Format == FormatText {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level := cfg.Level
	if cfg.IsDebugEnabled() {
		level = LevelDebug
	}

	zl := zerolog.New(w).With().Timestamp().Logger().Level(level.toZerolog())

	return &Logger{zl: zl, config: cfg, file: file}, nil
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func fields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		e = e.Interface(key, args[i+1])
	}
	return e
}

func (l *Logger) Debug(msg string, args ...any) { fields(l.zl.Debug(), args).Msg(msg) }
func (l *Logger) Info(msg string, args ...any)  { fields(l.zl.Info(), args).Msg(msg) }
func (l *Logger) Warn(msg string, args ...any)  { fields(l.zl.Warn(), args).Msg(msg) }
func (l *Logger) Error(msg string, args ...any) { fields(l.zl.Error(), args).Msg(msg) }

// DebugDNS logs msg if the dns category is enabled.
func (l *Logger) DebugDNS(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugDNS) {
		fields(l.zl.Debug(), args).Str("category", "dns").Msg(msg)
	}
}

// DebugSTUN logs msg if the stun category is enabled.
func (l *Logger) DebugSTUN(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugSTUN) {
		fields(l.zl.Debug(), args).Str("category", "stun").Msg(msg)
	}
}

// DebugTURN logs msg if the turn category is enabled.
func (l *Logger) DebugTURN(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugTURN) {
		fields(l.zl.Debug(), args).Str("category", "turn").Msg(msg)
	}
}

// DebugRTSP logs msg if the rtsp category is enabled.
func (l *Logger) DebugRTSP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRTSP) {
		fields(l.zl.Debug(), args).Str("category", "rtsp").Msg(msg)
	}
}

// DebugRTP logs msg if the rtp category is enabled.
func (l *Logger) DebugRTP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		fields(l.zl.Debug(), args).Str("category", "rtp").Msg(msg)
	}
}

// DebugRTPPacket logs detailed RTP packet framing fields.
func (l *Logger) DebugRTPPacket(seq uint16, timestamp uint32, payloadType uint8, payloadSize int) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		l.zl.Debug().
			Str("category", "rtp").
			Uint16("sequence", seq).
			Uint32("timestamp", timestamp).
			Uint8("payload_type", payloadType).
			Int("payload_size", payloadSize).
			Msg("RTP packet")
	}
}

// DebugRTPPayload logs the first bytes of an RTP payload as hex.
func (l *Logger) DebugRTPPayload(seq uint16, payload []byte) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		maxBytes := 32
		if len(payload) < maxBytes {
			maxBytes = len(payload)
		}
		l.zl.Debug().
			Str("category", "rtp").
			Uint16("sequence", seq).
			Str("payload_bytes", fmt.Sprintf("% x", payload[:maxBytes])).
			Int("total_size", len(payload)).
			Msg("RTP payload")
	}
}

// DebugRTSPMessage logs a parsed RTSP message's start line and framing.
func (l *Logger) DebugRTSPMessage(startLine string, contentLength int) {
	if l.config.IsCategoryEnabled(DebugRTSP) {
		l.zl.Debug().
			Str("category", "rtsp").
			Str("start_line", startLine).
			Int("content_length", contentLength).
			Msg("RTSP message")
	}
}

// DebugSTUNMessage logs a decoded STUN/TURN message's method and class.
func (l *Logger) DebugSTUNMessage(method string, class string, txID string) {
	if l.config.IsCategoryEnabled(DebugSTUN) {
		l.zl.Debug().
			Str("category", "stun").
			Str("method", method).
			Str("class", class).
			Str("transaction_id", txID).
			Msg("STUN message")
	}
}

// With returns a new Logger carrying the given attributes on every entry.
func (l *Logger) With(args ...any) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		ctx = ctx.Interface(key, args[i+1])
	}
	return &Logger{zl: ctx.Logger(), config: l.config, file: l.file}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// SetDefault sets the global default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the default logger, creating one if necessary.
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		l, err := New(cfg)
		if err != nil {
			l = &Logger{zl: zerolog.New(os.Stdout).With().Timestamp().Logger(), config: cfg}
		}
		defaultLogger = l
	})
	return defaultLogger
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
