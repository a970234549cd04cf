package testutil

import (
	"context"
	"fmt"
	"io/fs"
	"modelchain/internal/fsutil"
	"strings"
	"sync"
)

// FakeFS is an in-memory fsutil.FileSystem. Files only have a size; watches
// are fed by Touch.
type FakeFS struct {
	mu       sync.Mutex
	files    map[string]int64
	removed  []string
	watchers map[string][]*FakeWatcher

	// RemoveErr, when set, is returned by RemoveAll after recording the call.
	RemoveErr error
}

var _ fsutil.FileSystem = (*FakeFS)(nil)

// NewFakeFS creates an empty file system.
func NewFakeFS() *FakeFS {
	return &FakeFS{
		files:    make(map[string]int64),
		watchers: make(map[string][]*FakeWatcher),
	}
}

// SetSize creates or resizes path.
func (f *FakeFS) SetSize(path string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = size
}

// Touch sets the size of path and notifies its watchers.
func (f *FakeFS) Touch(path string, size int64) {
	f.mu.Lock()
	f.files[path] = size
	watchers := append([]*FakeWatcher(nil), f.watchers[path]...)
	f.mu.Unlock()

	for _, w := range watchers {
		w.notify()
	}
}

// Removed returns the paths passed to RemoveAll.
func (f *FakeFS) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// Watchers returns the watches opened on path.
func (f *FakeFS) Watchers(path string) []*FakeWatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeWatcher(nil), f.watchers[path]...)
}

func (f *FakeFS) RemoveAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	for name := range f.files {
		if name == path || strings.HasPrefix(name, prefix) {
			delete(f.files, name)
		}
	}
	return nil
}

func (f *FakeFS) Size(path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.files[path]
	if !ok {
		return 0, fmt.Errorf("stat %s: %w", path, fs.ErrNotExist)
	}
	return size, nil
}

func (f *FakeFS) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

func (f *FakeFS) Truncate(path string) error {
	f.SetSize(path, 0)
	return nil
}

func (f *FakeFS) Watch(ctx context.Context, path string) (fsutil.Watcher, error) {
	w := &FakeWatcher{changes: make(chan struct{}, 1), closed: make(chan struct{})}
	f.mu.Lock()
	f.watchers[path] = append(f.watchers[path], w)
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.closed:
		}
	}()
	return w, nil
}

// FakeWatcher is the fsutil.Watcher returned by FakeFS.
type FakeWatcher struct {
	changes   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (w *FakeWatcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *FakeWatcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

// Closed reports whether Close was called.
func (w *FakeWatcher) Closed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

func (w *FakeWatcher) notify() {
	if w.Closed() {
		return
	}
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
