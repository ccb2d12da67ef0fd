// Package logger provides subsystem-tagged leveled logging for
// ocpp-rpc. Each subsystem (the codec, the RPC engine, the connection
// lifecycle, the server acceptance pipeline, ...) gets its own named
// Logger so operators can raise or lower verbosity per concern without
// drowning in an unrelated one.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
)

// SubsystemTags enumerates the subsystem identifiers recognized by
// this package.
var SubsystemTags = struct {
	CDEC, // frame codec
	RPCE, // rpc engine (peer)
	CONN, // connection lifecycle
	SRVR, // server acceptance pipeline
	VALD, // validator registry
	MDWR, // middleware stack
	ROUT, // url trie router
	RLIM, // rate limiter
	ADPT, // adaptive limiter
	OCPP string // typed method façade / cmd binaries
}{
	CDEC: "CDEC",
	RPCE: "RPCE",
	CONN: "CONN",
	SRVR: "SRVR",
	VALD: "VALD",
	MDWR: "MDWR",
	ROUT: "ROUT",
	RLIM: "RLIM",
	ADPT: "ADPT",
	OCPP: "OCPP",
}

var allTags = []string{
	SubsystemTags.CDEC, SubsystemTags.RPCE, SubsystemTags.CONN,
	SubsystemTags.SRVR, SubsystemTags.VALD, SubsystemTags.MDWR,
	SubsystemTags.ROUT, SubsystemTags.RLIM, SubsystemTags.ADPT,
	SubsystemTags.OCPP,
}

const (
	levelTrace    = slog.LevelDebug - 4
	levelCritical = slog.LevelError + 4
)

// Logger is a leveled logger for a single subsystem. It is safe for
// concurrent use.
type Logger struct {
	tag     string
	mu      sync.RWMutex
	level   slog.Level
	handler slog.Handler
}

func newLogger(tag string, h slog.Handler) *Logger {
	return &Logger{tag: tag, level: slog.LevelInfo, handler: h}
}

// SetLevel changes the minimum level this logger emits at.
func (l *Logger) SetLevel(level slog.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) enabled(level slog.Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	rec := slog.NewRecord(time.Now(), level, msg, 0)
	rec.AddAttrs(slog.String("subsystem", l.tag))
	l.handler.Handle(nil, rec) //nolint:errcheck
}

// Tracef logs at trace (below slog debug) verbosity.
func (l *Logger) Tracef(format string, args ...interface{}) { l.logf(levelTrace, format, args...) }

// Debugf logs at debug verbosity.
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(slog.LevelDebug, format, args...) }

// Infof logs at info verbosity.
func (l *Logger) Infof(format string, args ...interface{}) { l.logf(slog.LevelInfo, format, args...) }

// Warnf logs at warn verbosity.
func (l *Logger) Warnf(format string, args ...interface{}) { l.logf(slog.LevelWarn, format, args...) }

// Errorf logs at error verbosity.
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(slog.LevelError, format, args...) }

// Criticalf logs at the highest verbosity, for conditions the process
// cannot continue past.
func (l *Logger) Criticalf(format string, args ...interface{}) { l.logf(levelCritical, format, args...) }

var (
	mu               sync.Mutex
	initiated        bool
	logRotator       *rotator.Rotator
	errLogRotator    *rotator.Rotator
	subsystemLoggers map[string]*Logger
)

func init() {
	subsystemLoggers = make(map[string]*Logger, len(allTags))
	h := slog.NewTextHandler(rotatingWriter{}, &slog.HandlerOptions{Level: levelTrace})
	for _, tag := range allTags {
		subsystemLoggers[tag] = newLogger(tag, h)
	}
}

// rotatingWriter fans writes out to stdout and, once InitLogRotators
// has run, to the active log rotator as well.
type rotatingWriter struct{}

func (rotatingWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p) //nolint:errcheck
	mu.Lock()
	r := logRotator
	mu.Unlock()
	if initiated && r != nil {
		r.Write(p) //nolint:errcheck
	}
	return len(p), nil
}

// InitLogRotators initializes the rotating log files. It must be
// called before relying on on-disk log persistence; logging to
// stdout works before and after.
func InitLogRotators(logFile, errLogFile string) error {
	mu.Lock()
	defer mu.Unlock()
	r, err := initLogRotator(logFile)
	if err != nil {
		return err
	}
	er, err := initLogRotator(errLogFile)
	if err != nil {
		return err
	}
	logRotator = r
	errLogRotator = er
	initiated = true
	return nil
}

func initLogRotator(logFile string) (*rotator.Rotator, error) {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	return r, nil
}

// Get returns the logger registered for tag, if any.
func Get(tag string) (logger *Logger, ok bool) {
	logger, ok = subsystemLoggers[tag]
	return
}

// SetLogLevel sets the level of a single subsystem logger. Unknown
// subsystems are ignored.
func SetLogLevel(subsystemID string, level string) {
	l, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	l.SetLevel(levelFromString(level))
}

// SetLogLevels sets the level of every subsystem logger.
func SetLogLevels(level string) {
	for tag := range subsystemLoggers {
		SetLogLevel(tag, level)
	}
}

// ParseAndSetDebugLevels parses a debug-level spec of either a single
// level ("info") or a comma-separated list of tag=level pairs
// ("RPCE=debug,SRVR=trace") and applies it.
func ParseAndSetDebugLevels(spec string) error {
	if !strings.Contains(spec, ",") && !strings.Contains(spec, "=") {
		if !validLogLevel(spec) {
			return fmt.Errorf("the specified debug level [%s] is invalid", spec)
		}
		SetLogLevels(spec)
		return nil
	}

	for _, pair := range strings.Split(spec, ",") {
		if !strings.Contains(pair, "=") {
			return fmt.Errorf("the specified debug level contains an invalid subsystem/level pair [%s]", pair)
		}
		fields := strings.SplitN(pair, "=", 2)
		subsysID, level := fields[0], fields[1]
		if _, ok := Get(subsysID); !ok {
			return fmt.Errorf("the specified subsystem [%s] is invalid -- supported subsystems %s",
				subsysID, strings.Join(SupportedSubsystems(), ", "))
		}
		if !validLogLevel(level) {
			return fmt.Errorf("the specified debug level [%s] is invalid", level)
		}
		SetLogLevel(subsysID, level)
	}
	return nil
}

// SupportedSubsystems returns the sorted list of known subsystem tags.
func SupportedSubsystems() []string {
	tags := make([]string, 0, len(subsystemLoggers))
	for tag := range subsystemLoggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func validLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

func levelFromString(level string) slog.Level {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return levelCritical
	default:
		return slog.LevelInfo
	}
}

// DirectionString returns "inbound" or "outbound" for a bool flag,
// used throughout peer/server log lines.
func DirectionString(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}

var _ io.Writer = rotatingWriter{}
