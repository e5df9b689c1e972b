// Package logger is the structured logging facade shared by the RPC client,
// server and portmapper. It wraps log/slog behind package-level functions
// so callers never thread a logger through constructors.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Config holds logger configuration
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

var (
	// level is shared by every handler built by reconfigure, so changing it
	// never rebuilds the handler.
	level = new(slog.LevelVar)

	mu       sync.RWMutex
	format             = "text"
	output   io.Writer = os.Stdout
	logFile  *os.File
	useColor = isTerminal(os.Stdout.Fd())
	slogger  *slog.Logger
)

func init() {
	reconfigure()
}

// reconfigure rebuilds the handler from format, output and useColor.
func reconfigure() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slogger = slog.New(slog.NewJSONHandler(output, opts))
		return
	}
	slogger = slog.New(NewColorTextHandler(output, opts, useColor))
}

// Init applies cfg. Empty fields keep their current value. Output can be
// "stdout", "stderr", or a file path opened for appending.
func Init(cfg Config) error {
	if cfg.Output != "" {
		if err := setOutput(cfg.Output); err != nil {
			return err
		}
	}
	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	if cfg.Format != "" {
		SetFormat(cfg.Format)
	}
	reconfigure()
	return nil
}

func setOutput(dest string) error {
	var (
		w     io.Writer
		color bool
		file  *os.File
	)
	switch strings.ToLower(dest) {
	case "stdout":
		w, color = os.Stdout, isTerminal(os.Stdout.Fd())
	case "stderr":
		w, color = os.Stderr, isTerminal(os.Stderr.Fd())
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", dest, err)
		}
		w, file = f, f
	}

	mu.Lock()
	prev := logFile
	output, useColor, logFile = w, color, file
	mu.Unlock()

	if prev != nil && prev != file {
		_ = prev.Close()
	}
	return nil
}

// InitWithWriter sends records to w. Used by tests.
func InitWithWriter(w io.Writer, lvl, fmtName string, enableColor bool) {
	mu.Lock()
	output = w
	useColor = enableColor
	mu.Unlock()

	if lvl != "" {
		SetLevel(lvl)
	}
	if fmtName != "" {
		SetFormat(fmtName)
	}
	reconfigure()
}

// ParseLevel maps DEBUG, INFO, WARN or ERROR (any case) to a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	if l, ok := ParseLevel(name); ok {
		level.Set(l)
	}
}

// CurrentLevel returns the minimum level.
func CurrentLevel() slog.Level {
	return level.Level()
}

// SetFormat switches between "text" and "json". Anything else is ignored.
func SetFormat(name string) {
	name = strings.ToLower(name)
	if name != "text" && name != "json" {
		return
	}
	mu.Lock()
	format = name
	mu.Unlock()
	reconfigure()
}

// IsDebug reports whether debug records are emitted. Use it to skip
// building expensive debug-only fields such as hex dumps.
func IsDebug() bool {
	return level.Level() <= slog.LevelDebug
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func emit(ctx context.Context, l slog.Level, withContext bool, msg string, args []any) {
	if l < level.Level() {
		return
	}
	if withContext {
		args = appendContextFields(ctx, args)
	}
	getLogger().Log(ctx, l, msg, args...)
}

// ============================================================================
// Structured Logging API
// ============================================================================

// Debug logs with key/value pairs: Debug("msg", "key", value, ...).
func Debug(msg string, args ...any) { emit(context.Background(), slog.LevelDebug, false, msg, args) }

// Info logs at info level.
func Info(msg string, args ...any) { emit(context.Background(), slog.LevelInfo, false, msg, args) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { emit(context.Background(), slog.LevelWarn, false, msg, args) }

// Error logs at error level.
func Error(msg string, args ...any) { emit(context.Background(), slog.LevelError, false, msg, args) }

// ============================================================================
// Context-aware Logging API
// ============================================================================

// DebugCtx logs at debug level, prefixing the LogContext carried by ctx
// (trace and span ids, xid, program, procedure, client address).
func DebugCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelDebug, true, msg, args)
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelInfo, true, msg, args)
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelWarn, true, msg, args)
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelError, true, msg, args)
}

// appendContextFields prepends LogContext fields to args.
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}

	fields := make([]any, 0, 18+len(args))
	if lc.TraceID != "" {
		fields = append(fields, TraceID(lc.TraceID))
	}
	if lc.SpanID != "" {
		fields = append(fields, SpanID(lc.SpanID))
	}
	if lc.XID != 0 {
		fields = append(fields, XID(lc.XID))
	}
	if lc.Program != 0 {
		fields = append(fields, Program(lc.Program), Version(lc.Version))
	}
	if lc.Procedure != "" {
		fields = append(fields, Procedure(lc.Procedure))
	}
	if lc.ClientAddr != "" {
		fields = append(fields, ClientAddr(lc.ClientAddr))
	}
	if lc.Transport != "" {
		fields = append(fields, Transport(lc.Transport))
	}
	if lc.AuthFlavor != 0 {
		fields = append(fields, Auth(lc.AuthFlavor))
	}
	return append(fields, args...)
}

// With returns a logger with pre-bound attributes.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// Duration returns the time elapsed since start in milliseconds.
func Duration(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
