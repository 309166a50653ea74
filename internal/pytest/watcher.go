package pytest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Change is a created or modified Python file.
type Change struct {
	Path    string // relative to the watched root, slash-separated
	Content string
	IsTest  bool // under the tests path
}

// Watcher reports Python file changes below a project root. Bursts of
// writes to one file are coalesced into a single Change.
type Watcher struct {
	root      string
	testsPath string
	debounce  time.Duration
	log       zerolog.Logger
	fsw       *fsnotify.Watcher
}

// NewWatcher watches root and all its subdirectories.
func NewWatcher(root, testsPath string, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", root)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}
	w := &Watcher{
		root:      abs,
		testsPath: filepath.ToSlash(filepath.Clean(testsPath)),
		debounce:  debounce,
		log:       log.With().Str("component", "watcher").Logger(),
		fsw:       fsw,
	}
	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return errors.Wrapf(err, "watch %s", path)
		}
		return nil
	})
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "__pycache__" || name == "node_modules" || name == "venv"
}

// Run delivers changes to handle until ctx is cancelled. handle runs on the
// Run goroutine, one change at a time.
func (w *Watcher) Run(ctx context.Context, handle func(context.Context, Change)) error {
	defer func() { _ = w.fsw.Close() }()

	ready := make(chan string, 64)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	w.log.Info().Str("root", w.root).Msg("watching for changes")
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if !skipDir(filepath.Base(ev.Name)) {
						if err := w.addTree(ev.Name); err != nil {
							w.log.Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch new directory")
						}
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(ev.Name) != ".py" {
				continue
			}
			path := ev.Name
			if t, ok := timers[path]; ok {
				t.Reset(w.debounce)
				continue
			}
			timers[path] = time.AfterFunc(w.debounce, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(timers, path)
			change, err := w.change(path)
			if err != nil {
				w.log.Debug().Err(err).Str("file", path).Msg("skipping change")
				continue
			}
			w.log.Debug().Str("file", change.Path).Bool("test", change.IsTest).Msg("file changed")
			handle(ctx, change)
		}
	}
}

func (w *Watcher) change(path string) (Change, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Change{}, err
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return Change{}, err
	}
	rel = filepath.ToSlash(rel)
	return Change{
		Path:    rel,
		Content: string(content),
		IsTest:  IsTestPath(rel, w.testsPath),
	}, nil
}

// IsTestPath reports whether rel lies under testsPath.
func IsTestPath(rel, testsPath string) bool {
	if testsPath == "" || testsPath == "." {
		return true
	}
	return rel == testsPath || strings.HasPrefix(rel, strings.TrimSuffix(testsPath, "/")+"/")
}
