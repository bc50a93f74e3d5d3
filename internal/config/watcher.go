package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watcher monitors a config file, and the prompt files it references, for
// changes and calls a callback when any of them is modified. It uses polling
// (not fsnotify) to keep dependencies minimal.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	getenv   func(string) string

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithGetenv sets the environment lookup used when reloading. The default
// is [os.Getenv], so environment overrides survive reloads.
func WithGetenv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) {
		if getenv != nil {
			w.getenv = getenv
		}
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		getenv:   os.Getenv,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the config if any watched file changed. An invalid config
// is logged and the previous one kept.
func (w *Watcher) check() {
	w.mu.Lock()
	cur := w.current
	mtime := w.lastMtime
	w.mu.Unlock()

	// Quick mtime check first to avoid hashing unchanged files.
	latest, err := latestMtime(w.watched(cur))
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	if latest.Equal(mtime) {
		return
	}

	cfg, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// watched lists the config file followed by the prompt files cfg references.
// Relative prompt paths are taken as given, relative to the working directory.
func (w *Watcher) watched(cfg *Config) []string {
	files := []string{w.path}
	if cfg != nil {
		files = append(files, cfg.Prompts.ReformatFile, cfg.Prompts.SummaryFile)
	}
	return files
}

// loadAndHash parses and validates the config file and returns it together
// with a SHA-256 over the config and its prompt files and their newest
// modification time.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	cfg, err := LoadWithEnv(bytes.NewReader(data), w.getenv)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	files := w.watched(cfg)
	h := sha256.New()
	h.Write(data)
	for _, f := range files[1:] {
		b, err := os.ReadFile(filepath.Clean(f))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, zeroHash, time.Time{}, err
		}
		// Separator keeps "ab"+"" distinct from "a"+"b".
		fmt.Fprintf(h, "\x00%s\x00%d\x00", f, len(b))
		h.Write(b)
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))

	mtime, err := latestMtime(files)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	return cfg, sum, mtime, nil
}

// latestMtime returns the newest modification time among files. The first
// file must exist; the others may be missing.
func latestMtime(files []string) (time.Time, error) {
	var latest time.Time
	for i, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			if i > 0 && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return time.Time{}, err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}
