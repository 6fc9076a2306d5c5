package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/remotecc/remotecc/internal/logger"
)

// CompilerWatcher caches compiler binary hashes and invalidates them
// when the binary changes on disk, so a toolchain update never serves
// stale cache keys.
type CompilerWatcher struct {
	mu      sync.Mutex
	hashes  map[string]string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCompilerWatcher starts the watcher. With watch=false the hashes
// are still cached but never invalidated.
func NewCompilerWatcher(watch bool) (*CompilerWatcher, error) {
	w := &CompilerWatcher{
		hashes: make(map[string]string),
		done:   make(chan struct{}),
	}
	if watch {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("fsnotify: %w", err)
		}
		w.watcher = fsw
		go w.loop()
	}
	return w, nil
}

func (w *CompilerWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
				w.mu.Lock()
				if _, cached := w.hashes[ev.Name]; cached {
					delete(w.hashes, ev.Name)
					logger.Info("compiler binary changed, hash invalidated", logger.KeyCompiler, ev.Name)
				}
				w.mu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("compiler watcher error", logger.KeyError, err.Error())
		case <-w.done:
			return
		}
	}
}

// HashOf returns the sha256 of the binary at path, cached until the
// file changes.
func (w *CompilerWatcher) HashOf(path string) (string, error) {
	w.mu.Lock()
	if h, ok := w.hashes[path]; ok {
		w.mu.Unlock()
		return h, nil
	}
	w.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash compiler %s: %w", path, err)
	}
	sum := sha256.Sum256(content)
	h := hex.EncodeToString(sum[:])

	w.mu.Lock()
	w.hashes[path] = h
	w.mu.Unlock()

	if w.watcher != nil {
		if err := w.watcher.Add(path); err != nil {
			logger.Warn("cannot watch compiler binary", logger.KeyCompiler, path, logger.KeyError, err.Error())
		}
	}
	return h, nil
}

// Invalidate drops the cached hash for path.
func (w *CompilerWatcher) Invalidate(path string) {
	w.mu.Lock()
	delete(w.hashes, path)
	w.mu.Unlock()
}

// Close stops the watcher.
func (w *CompilerWatcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
