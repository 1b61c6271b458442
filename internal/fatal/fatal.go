// Package fatal reports unrecoverable configuration errors and ends the
// process. Code that detects such an error calls a Reporter instead of
// exiting on its own, so tests can substitute a recording Reporter and
// the process always flushes its logs before exiting.
package fatal

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/FateUnix29/Hollowfire-1/internal/buildinfo"
)

// Reporter ends the process after describing what went wrong. args are
// slog-style key/value pairs.
type Reporter interface {
	Fatal(msg string, code int, args ...any)
}

// contextLines is how many source lines are shown on each side of the
// failing call.
const contextLines = 3

// Diagnostics is the production Reporter. It logs the failure, prints a
// readable block with the calling source lines, runs flush hooks and
// exits.
type Diagnostics struct {
	Logger *slog.Logger
	Out    io.Writer      // defaults to os.Stderr
	Exit   func(code int) // defaults to os.Exit
	Root   string         // source paths are shown relative to this

	mu    sync.Mutex
	hooks []func()
	fired bool
}

// OnExit registers a hook that runs before the process exits, such as
// closing the log file.
func (d *Diagnostics) OnExit(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Fatal implements Reporter. Only the first call reports; concurrent
// callers after it still exit.
func (d *Diagnostics) Fatal(msg string, code int, args ...any) {
	d.mu.Lock()
	first := !d.fired
	d.fired = true
	hooks := d.hooks
	d.hooks = nil
	d.mu.Unlock()

	exit := d.Exit
	if exit == nil {
		exit = os.Exit
	}
	if !first {
		exit(code)
		return
	}

	out := d.Out
	if out == nil {
		out = os.Stderr
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	file, line, fn := caller(2)
	where := file
	if d.Root != "" {
		if rel, err := filepath.Rel(d.Root, file); err == nil {
			where = rel
		}
	}

	logger.Error("fatal: "+msg, append([]any{"at", fmt.Sprintf("%s:%d", where, line), "func", fn, "exit_code", code}, args...)...)

	var b strings.Builder
	fmt.Fprintf(&b, "[panic] %s\n", buildinfo.String())
	fmt.Fprintf(&b, "  %s\n", msg)
	fmt.Fprintf(&b, "  at %s:%d in %s\n", where, line, fn)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, "  %v: %v\n", args[i], args[i+1])
	}
	if excerpt := sourceExcerpt(file, line); excerpt != "" {
		b.WriteString(excerpt)
	}
	io.WriteString(out, b.String())

	for _, h := range hooks {
		h()
	}
	exit(code)
}

func caller(skip int) (file string, line int, fn string) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown", 0, "unknown"
	}
	fn = "unknown"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	return file, line, fn
}

// sourceExcerpt returns the lines around line in file, with the failing
// line marked. It returns "" when the source is not available, as in a
// stripped binary deployed without its tree.
func sourceExcerpt(file string, line int) string {
	f, err := os.Open(file)
	if err != nil {
		return ""
	}
	defer f.Close()

	var b strings.Builder
	sep := strings.Repeat("-", 60) + "\n"
	b.WriteString(sep)
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		if n < line-contextLines {
			continue
		}
		if n > line+contextLines {
			break
		}
		marker := " "
		if n == line {
			marker = ">"
		}
		fmt.Fprintf(&b, "%5d | %s %s\n", n, marker, sc.Text())
	}
	b.WriteString(sep)
	return b.String()
}
