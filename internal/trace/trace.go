// Package trace provides the structured logging surface: slog loggers
// tagged per module, with verbosity adjustable at run time and
// optionally reloaded from a watched configuration file.
package trace

import (
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	mu      sync.Mutex
	level   slog.LevelVar
	modules = map[string]*slog.LevelVar{}
	output  io.Writer
)

// SetOutput directs trace output to w. Loggers created afterwards write
// there; the default is the process-wide slog handler.
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
}

// SetLevel sets the global verbosity floor.
func SetLevel(l slog.Level) { level.Set(l) }

// Level returns the global verbosity floor.
func Level() slog.Level { return level.Level() }

// SetModuleLevel overrides the verbosity for one module.
func SetModuleLevel(module string, l slog.Level) {
	mu.Lock()
	lv, ok := modules[module]
	if !ok {
		lv = &slog.LevelVar{}
		modules[module] = lv
	}
	lv.Set(l)
	mu.Unlock()
}

// Logger returns the logger for module. A module level set with
// SetModuleLevel is used; a module without one starts at the global
// floor current at its first Logger call, and later SetLevel calls do
// not change it. Levels apply only when an output was set with
// SetOutput; otherwise the logger uses the process-wide slog handler
// and its own level.
func Logger(module string) *slog.Logger {
	mu.Lock()
	lv, ok := modules[module]
	if !ok {
		lv = &slog.LevelVar{}
		lv.Set(level.Level())
		modules[module] = lv
	}
	w := output
	mu.Unlock()
	var h slog.Handler
	if w != nil {
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	} else {
		h = slog.Default().Handler()
	}
	return slog.New(h).With("module", module)
}

// ParseLevel maps a config token to a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}
