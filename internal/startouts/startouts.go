// Package startouts loads named startout templates from a directory of
// YAML files. Each file maps template names to message lists:
//
//	ms_start_main:
//	  - role: system
//	    content: "You are {ai_name}."
//
// When a name appears in more than one file, the file that sorts first
// wins.
package startouts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/FateUnix29/Hollowfire-1/internal/llm"
)

// Source looks up a startout template by name. It returns a private copy
// of the template and the file it came from.
type Source interface {
	Lookup(name string) (tmpl []llm.Message, file string, ok bool)
}

type templateFile struct {
	name      string
	templates map[string][]llm.Message
}

// Store is a Source backed by a directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	files    []templateFile
	onReload func(names []string)
}

// OnReload registers fn to run after every successful reload done by
// Watch.
func (s *Store) OnReload(fn func(names []string)) {
	s.mu.Lock()
	s.onReload = fn
	s.mu.Unlock()
}

// Load reads every *.yaml and *.yml file in dir.
func Load(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{dir: dir, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the directory. On error the previous templates stay
// in place.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read startouts dir: %w", err)
	}

	var files []templateFile
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		tf, err := readTemplateFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return err
		}
		files = append(files, tf)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })

	s.mu.Lock()
	s.files = files
	s.mu.Unlock()

	s.logger.Debug("startouts loaded", "dir", s.dir, "files", len(files), "templates", len(s.Names()))
	return nil
}

func isTemplateFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}

func readTemplateFile(path string) (templateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return templateFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	var raw map[string][]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return templateFile{}, fmt.Errorf("parse %s: %w", path, err)
	}

	tf := templateFile{name: filepath.Base(path), templates: make(map[string][]llm.Message, len(raw))}
	for name, msgs := range raw {
		tmpl := make([]llm.Message, len(msgs))
		for i, m := range msgs {
			if _, ok := m["role"].(string); !ok {
				return templateFile{}, fmt.Errorf("%s: template %q message %d has no role", path, name, i)
			}
			tmpl[i] = llm.Message(m)
		}
		tf.templates[name] = tmpl
	}
	return tf, nil
}

// Lookup implements Source.
func (s *Store) Lookup(name string) ([]llm.Message, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.files {
		if tmpl, ok := f.templates[name]; ok {
			return llm.CloneMessages(tmpl), f.name, true
		}
	}
	return nil, "", false
}

// Names lists every template name, sorted and deduplicated.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var names []string
	for _, f := range s.files {
		for n := range f.templates {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Watch reloads the store whenever a template file changes, until ctx is
// cancelled. Bursts of events within debounce collapse into one reload.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !isTemplateFile(filepath.Base(ev.Name)) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				if err := s.Reload(); err != nil {
					s.logger.Warn("startout reload failed, keeping previous templates", "error", err)
				} else {
					s.logger.Info("startouts reloaded", "dir", s.dir)
					s.mu.RLock()
					fn := s.onReload
					s.mu.RUnlock()
					if fn != nil {
						fn(s.Names())
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("startout watcher error", "error", err)
			}
		}
	}()
	return nil
}
