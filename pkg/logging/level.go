package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Level is the process-wide log level. Setup installs a handler that reads
// it, so the level can change after startup (config load, reload).
var Level = new(slog.LevelVar)

// Setup makes a text handler on w the default slog logger.
func Setup(w io.Writer, debug bool) {
	if debug {
		Level.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: Level,
	})))
}

// ParseLevel parses the configuration spelling of a level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// SetLevel changes the default logger's level.
func SetLevel(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	if l != Level.Level() {
		slog.Info("log level changed", "from", Level.Level(), "to", l)
		Level.Set(l)
	}
	return nil
}
