// Package fsutil is the file-system surface used by steps and job teardown:
// directory removal, stat, truncation and change watching.
package fsutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSystem is the subset of file operations the pipeline needs.
type FileSystem interface {
	RemoveAll(path string) error
	// Size returns the size of a regular file.
	Size(path string) (int64, error)
	Exists(path string) bool
	// Truncate creates path, or empties it if it already exists.
	Truncate(path string) error
	// Watch reports write events on path until ctx is cancelled or the
	// returned watcher is closed.
	Watch(ctx context.Context, path string) (Watcher, error)
}

// Watcher delivers one value per observed change of the watched file.
type Watcher interface {
	Changes() <-chan struct{}
	Close() error
}

// OS is the real file system.
type OS struct {
	Logger *slog.Logger
}

var _ FileSystem = OS{}

func (OS) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (OS) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func (OS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OS) Truncate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Watch watches the parent directory and filters events for path, so the
// watch survives tools that replace the file instead of writing in place.
func (o OS) Watch(ctx context.Context, path string) (Watcher, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &osWatcher{
		fw:      fw,
		target:  filepath.Clean(path),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go w.loop(ctx)
	return w, nil
}

type osWatcher struct {
	fw      *fsnotify.Watcher
	target  string
	changes chan struct{}
	done    chan struct{}
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (w *osWatcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *osWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.closeErr = w.fw.Close()
	})
	return w.closeErr
}

func (w *osWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Coalesce: one pending notification is enough to reset a timer.
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				select {
				case w.changes <- struct{}{}:
				default:
				}
				continue
			}
			w.logger.Warn("File watch error", "path", w.target, "error", err)
		}
	}
}
