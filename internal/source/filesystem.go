// internal/source/filesystem.go
package source

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/colebrumley/integrator/internal/config"
	"github.com/colebrumley/integrator/internal/coordinator"
	"github.com/fsnotify/fsnotify"
)

// Filesystem watches directories and emits an event per file change
type Filesystem struct {
	name           string
	kind           coordinator.Kind
	sourceID       string
	payload        map[string]any
	watchPaths     []string
	onEvents       map[string]bool
	ignorePatterns []string
	debounce       time.Duration
	recursive      bool
	watcher        *fsnotify.Watcher
	mu             sync.Mutex
	pending        map[string]*time.Timer
}

// NewFilesystem creates a new filesystem source
func NewFilesystem(cfg config.Source) (*Filesystem, error) {
	if len(cfg.WatchPaths) == 0 {
		return nil, errors.New("filesystem source requires watch_paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	onEvents := make(map[string]bool)
	for _, e := range cfg.OnEvents {
		onEvents[e] = true
	}

	var watchPaths []string
	for _, p := range cfg.WatchPaths {
		watchPaths = append(watchPaths, expandHome(p))
	}

	return &Filesystem{
		name:           cfg.Name,
		kind:           coordinator.ParseKind(cfg.Kind),
		sourceID:       cfg.SourceID,
		payload:        cfg.Payload,
		watchPaths:     watchPaths,
		onEvents:       onEvents,
		ignorePatterns: cfg.IgnorePatterns,
		debounce:       cfg.Debounce,
		recursive:      cfg.Recursive,
		watcher:        watcher,
		pending:        make(map[string]*time.Timer),
	}, nil
}

func (f *Filesystem) Name() string {
	return f.name
}

func (f *Filesystem) Start(ctx context.Context, events chan<- coordinator.Event) error {
	for _, path := range f.watchPaths {
		if err := f.add(path); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			f.handleEvent(event, events)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Default().Warn("filesystem watcher error", "source", f.name, "error", err)
		}
	}
}

// add watches path, and every directory below it when recursive.
func (f *Filesystem) add(path string) error {
	if !f.recursive {
		return f.watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return f.watcher.Add(p)
		}
		return nil
	})
}

func (f *Filesystem) Stop() error {
	// Cancel all pending debounce timers to prevent goroutine leaks
	f.mu.Lock()
	for path, timer := range f.pending {
		timer.Stop()
		delete(f.pending, path)
	}
	f.mu.Unlock()

	return f.watcher.Close()
}

func (f *Filesystem) handleEvent(fsEvent fsnotify.Event, events chan<- coordinator.Event) {
	var op string
	switch {
	case fsEvent.Op&fsnotify.Create != 0:
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			op = "directory_created"
			if f.recursive {
				_ = f.add(fsEvent.Name)
			}
		} else {
			op = "file_created"
		}
	case fsEvent.Op&fsnotify.Write != 0:
		op = "file_modified"
	case fsEvent.Op&fsnotify.Remove != 0:
		op = "file_deleted"
	case fsEvent.Op&fsnotify.Rename != 0:
		op = "file_renamed"
	default:
		return
	}

	if len(f.onEvents) > 0 && !f.onEvents[op] {
		return
	}

	filename := filepath.Base(fsEvent.Name)
	for _, pattern := range f.ignorePatterns {
		if matched, _ := filepath.Match(pattern, filename); matched {
			return
		}
	}

	if f.debounce > 0 {
		f.debounceEvent(fsEvent.Name, op, events)
		return
	}

	f.sendEvent(fsEvent.Name, op, events)
}

// debounceEvent restarts the per-path timer so a burst of writes yields one event.
func (f *Filesystem) debounceEvent(path, op string, events chan<- coordinator.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if timer, exists := f.pending[path]; exists {
		timer.Stop()
	}

	f.pending[path] = time.AfterFunc(f.debounce, func() {
		f.mu.Lock()
		delete(f.pending, path)
		f.mu.Unlock()
		f.sendEvent(path, op, events)
	})
}

func (f *Filesystem) sendEvent(path, op string, events chan<- coordinator.Event) {
	sourceID := f.sourceID
	if sourceID == "" {
		sourceID = "file:" + path
	}
	ev := coordinator.Event{
		Kind:      f.kind,
		SourceID:  sourceID,
		Timestamp: time.Now(),
		Payload: withPayload(f.payload, map[string]any{
			"file_path": path,
			"file_name": filepath.Base(path),
			"op":        op,
		}),
	}
	if err := send(events, ev); err != nil {
		slog.Default().Warn("dropping filesystem event", "source", f.name, "path", path, "error", err)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
