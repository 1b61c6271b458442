// Package logging sets up the process logger: a console sink whose level
// follows the -v count and a per-run log file in the configured log
// directory. Each run writes LATEST_hollowfire_<timestamp>.log; at the
// next start that file loses its LATEST_ prefix and the oldest files
// beyond the retention count are removed.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/FateUnix29/Hollowfire-1/internal/config"
)

// LatestPrefix marks the log file of the running (or most recent) process.
const LatestPrefix = "LATEST_"

// Log file names are hollowfire_<timestamp>.log, optionally carrying
// LatestPrefix.
const (
	namePrefix = "hollowfire_"
	nameSuffix = ".log"
)

// isLogName reports whether name is a log file written by [Setup].
func isLogName(name string) bool {
	name = strings.TrimPrefix(name, LatestPrefix)
	return strings.HasPrefix(name, namePrefix) && strings.HasSuffix(name, nameSuffix)
}

// ErrAlreadyInitialized is returned by [Setup] on every call after the
// first.
var ErrAlreadyInitialized = errors.New("logging already initialized")

var initialized atomic.Bool

// Options configures [Setup].
type Options struct {
	Dir          string     // log directory; empty disables the file sink
	Keep         int        // files kept in Dir, including the new one
	Console      io.Writer  // console sink; nil disables it
	ConsoleLevel slog.Level // minimum console level
	FileLevel    slog.Level // minimum file level
	Format       string     // "text" or "json" for the console
	Now          func() time.Time
}

// Logs is the result of a successful [Setup].
type Logs struct {
	Logger *slog.Logger
	Path   string // log file path, "" without a file sink

	file *os.File
}

// Close flushes and closes the log file.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	l.Logger.Info("logger shutting down")
	err := l.file.Close()
	l.file = nil
	return err
}

// Setup builds the process logger. It may only succeed once per process.
func Setup(opts Options) (*Logs, error) {
	if !initialized.CompareAndSwap(false, true) {
		return nil, ErrAlreadyInitialized
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var handlers []slog.Handler
	if opts.Console != nil {
		handlers = append(handlers, newHandler(opts.Console, opts.ConsoleLevel, opts.Format))
	}

	logs := &Logs{}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			initialized.Store(false)
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		keep := opts.Keep
		if keep < 1 {
			keep = 1
		}
		// The file about to be created counts against the limit.
		if err := Rotate(opts.Dir, keep-1); err != nil {
			initialized.Store(false)
			return nil, fmt.Errorf("rotate logs: %w", err)
		}

		name := LatestPrefix + namePrefix + now().Format("2006-01-02_15-04-05") + nameSuffix
		path := filepath.Join(opts.Dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			initialized.Store(false)
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logs.file = f
		logs.Path = path
		handlers = append(handlers, newHandler(f, opts.FileLevel, "text"))
	}

	logs.Logger = slog.New(Fanout(handlers...))
	return logs, nil
}

// New returns a single-sink logger with the level names used across
// the program.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(newHandler(w, level, format))
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Rotate trims dir to at most keep log files, removing the oldest by
// modification time, then strips [LatestPrefix] from the survivors.
// Only names written by [Setup] are considered; anything else in dir,
// subdirectories included, is left alone.
func Rotate(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type logFile struct {
		name string
		mod  time.Time
	}
	var files []logFile
	for _, e := range entries {
		if !e.Type().IsRegular() || !isLogName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{name: e.Name(), mod: info.ModTime()})
	}

	// Newest first.
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	var errs []error
	if keep < 0 {
		keep = 0
	}
	for len(files) > keep {
		last := files[len(files)-1]
		files = files[:len(files)-1]
		if err := os.Remove(filepath.Join(dir, last.name)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, f := range files {
		if !strings.HasPrefix(f.name, LatestPrefix) {
			continue
		}
		to := filepath.Join(dir, strings.TrimPrefix(f.name, LatestPrefix))
		if err := os.Rename(filepath.Join(dir, f.name), to); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
