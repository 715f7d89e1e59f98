package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultPollInterval is how often a [Watcher] stats the config file.
const DefaultPollInterval = 5 * time.Second

// Watcher polls a config file and calls a callback with the [Diff] whenever
// its content changes to a new valid configuration. Invalid edits are
// logged and the previous configuration is kept.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(d Diff, cfg *Config)

	mu        sync.Mutex
	current   *Config
	lastMtime time.Time
	lastHash  uint64

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path immediately and starts polling it.
func NewWatcher(path string, onChange func(d Diff, cfg *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.lastHash, w.lastMtime = cfg, hash, mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
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

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, hash, mtime, err := w.load()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.lastMtime = mtime
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	d := Compare(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"hot", d.Changed(),
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(d, cfg)
	}
}

// load reads, hashes and parses the file.
func (w *Watcher) load() (*Config, uint64, time.Time, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	return cfg, xxhash.Sum64(data), info.ModTime(), nil
}
