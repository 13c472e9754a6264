package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	isatty "github.com/mattn/go-isatty"
)

// LevelNone is above every level the relay logs at, silencing output
const LevelNone = slog.Level(12)

// Options configures a Logger
type Options struct {
	Level   string
	Format  string // text or json
	NoColor bool
	Writer  io.Writer
}

// Logger is a slog logger whose level can change at runtime
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds a logger. Text output goes through tint and is coloured only
// when the writer is a terminal.
func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(lvl)

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(opts.Writer, &slog.HandlerOptions{Level: levelVar})
	case "", "text":
		h = tint.NewHandler(opts.Writer, &tint.Options{
			Level:      levelVar,
			TimeFormat: "15:04:05.000",
			NoColor:    opts.NoColor || !isTerminal(opts.Writer),
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.LevelKey && len(groups) == 0 {
					if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slog.LevelDebug {
						return tint.Attr(3, slog.String(a.Key, "DBG"))
					}
				}
				return a
			},
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	return &Logger{Logger: slog.New(h), level: levelVar}, nil
}

// Discard returns a logger that drops everything, for tests
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelNone}))
}

// SetLevel changes the level of every logger derived from l
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if l.level.Level() != lvl {
		l.level.Set(lvl)
		l.Info("Log level changed", "level", LevelName(lvl))
	}
	return nil
}

// Level returns the current level
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// ParseLevel maps a level name to a slog level. An empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "none", "off":
		return LevelNone, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

// LevelName is the inverse of ParseLevel
func LevelName(lvl slog.Level) string {
	switch {
	case lvl >= LevelNone:
		return "none"
	case lvl >= slog.LevelError:
		return "error"
	case lvl >= slog.LevelWarn:
		return "warn"
	case lvl >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
