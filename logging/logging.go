// Package logging holds the process-wide log level and log callback shared
// by every appbundle component, and bridges them to log/slog.
//
// State starts at LevelInfo with no callback registered. Records are
// delivered synchronously, on the goroutine that emitted them, to the single
// registered callback when their level is at or above the configured level.
// Without a callback, records are dropped.
package logging

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrInvalidLevel is returned for levels outside LevelDebug..LevelError.
var ErrInvalidLevel = errors.New("invalid log level")

// Level is a message severity. Higher values are more severe.
type Level int

// Level values.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

// DefaultLevel is the level in effect at start-up and after Reset.
const DefaultLevel = LevelInfo

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelDebug && l <= LevelError
}

// ParseLevel parses a level name as printed by String. "warn" is accepted
// as an alias for "warning".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// fromSlog maps a slog level onto the four-level scale.
func fromSlog(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarning
	default:
		return LevelError
	}
}

// Slog returns the slog level corresponding to l.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Callback receives log messages at or above the configured level.
type Callback func(level Level, message string)

var state = struct {
	mu       sync.RWMutex
	level    Level
	callback Callback
}{level: DefaultLevel}

// SetLevel sets the minimum level delivered to the callback.
func SetLevel(l Level) error {
	if !l.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	state.mu.Lock()
	state.level = l
	state.mu.Unlock()
	return nil
}

// CurrentLevel returns the configured minimum level.
func CurrentLevel() Level {
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.level
}

// SetCallback registers fn as the log callback, replacing any previous one.
// A nil fn unregisters the callback.
func SetCallback(fn Callback) {
	state.mu.Lock()
	state.callback = fn
	state.mu.Unlock()
}

// Reset restores the default level and removes the callback.
func Reset() {
	state.mu.Lock()
	state.level = DefaultLevel
	state.callback = nil
	state.mu.Unlock()
}

// enabled returns the callback when a record at l should be delivered.
func enabled(l Level) Callback {
	state.mu.RLock()
	defer state.mu.RUnlock()
	if state.callback == nil || l < state.level {
		return nil
	}
	return state.callback
}

// Emit delivers message at level l to the callback, if any.
func Emit(l Level, message string) {
	if cb := enabled(l); cb != nil {
		cb(l, message)
	}
}

// Logger returns a slog.Logger backed by Handler.
func Logger() *slog.Logger {
	return slog.New(Handler())
}
