package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	level Level
	msg   string
}

// capture registers a recording callback and restores defaults afterwards.
// Tests touching process-wide state do not run in parallel.
func capture(t *testing.T) *[]record {
	t.Helper()
	t.Cleanup(Reset)
	var got []record
	SetCallback(func(l Level, msg string) {
		got = append(got, record{level: l, msg: msg})
	})
	return &got
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name  string
		level Level
		want  []Level
	}{
		{name: "debug", level: LevelDebug, want: []Level{LevelDebug, LevelInfo, LevelWarning, LevelError}},
		{name: "info", level: LevelInfo, want: []Level{LevelInfo, LevelWarning, LevelError}},
		{name: "warning", level: LevelWarning, want: []Level{LevelWarning, LevelError}},
		{name: "error", level: LevelError, want: []Level{LevelError}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := capture(t)
			require.NoError(t, SetLevel(tt.level))

			logger := Logger()
			logger.Debug("d")
			logger.Info("i")
			logger.Warn("w")
			logger.Error("e")

			levels := make([]Level, 0, len(*got))
			for _, r := range *got {
				levels = append(levels, r.level)
			}
			assert.Equal(t, tt.want, levels)
		})
	}
}

func TestCallbackReplaced(t *testing.T) {
	first := capture(t)
	Emit(LevelError, "one")

	var second []string
	SetCallback(func(_ Level, msg string) { second = append(second, msg) })
	Emit(LevelError, "two")

	require.Len(t, *first, 1)
	assert.Equal(t, "one", (*first)[0].msg)
	assert.Equal(t, []string{"two"}, second)
}

func TestNoCallbackDrops(t *testing.T) {
	t.Cleanup(Reset)
	SetCallback(nil)
	assert.False(t, Handler().Enabled(t.Context(), slog.LevelError))
	Emit(LevelError, "nobody listening")
}

func TestReset(t *testing.T) {
	got := capture(t)
	require.NoError(t, SetLevel(LevelError))

	Reset()
	assert.Equal(t, DefaultLevel, CurrentLevel())
	Emit(LevelError, "after reset")
	assert.Empty(t, *got)
}

func TestSetLevelInvalid(t *testing.T) {
	t.Cleanup(Reset)
	require.ErrorIs(t, SetLevel(Level(7)), ErrInvalidLevel)
	require.ErrorIs(t, SetLevel(Level(-1)), ErrInvalidLevel)
	assert.Equal(t, DefaultLevel, CurrentLevel())
}

func TestHandlerFormatsAttrs(t *testing.T) {
	got := capture(t)

	logger := Logger().With("bundle", "/tmp/app one.AppImage").WithGroup("sq")
	logger.Info("opened", "blocks", 3, slog.Group("cache", "size", 64))

	require.Len(t, *got, 1)
	assert.Equal(t, LevelInfo, (*got)[0].level)
	assert.Equal(t, `opened bundle="/tmp/app one.AppImage" sq.blocks=3 sq.cache.size=64`, (*got)[0].msg)
}

func TestLevelObservedAtEmission(t *testing.T) {
	got := capture(t)
	logger := Logger()

	require.NoError(t, SetLevel(LevelError))
	logger.Info("hidden")
	require.NoError(t, SetLevel(LevelDebug))
	logger.Info("shown")

	require.Len(t, *got, 1)
	assert.Equal(t, "shown", (*got)[0].msg)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarning, LevelError} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	got, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, got)

	_, err = ParseLevel("verbose")
	require.ErrorIs(t, err, ErrInvalidLevel)
}

func TestSlogRoundTrip(t *testing.T) {
	t.Parallel()
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarning, LevelError} {
		assert.Equal(t, l, fromSlog(l.Slog()))
	}
}
