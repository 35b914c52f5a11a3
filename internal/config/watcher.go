package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives the previous and the newly loaded config along with
// their [Diff].
type ChangeFunc func(old, updated *Config, d ConfigDiff)

// Watcher polls a config file until its context ends and reports valid
// versions whose content differs from the last one. Invalid versions are
// logged and skipped.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	done     chan struct{}

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies one observed version of the file. The checksum covers
// the raw bytes, so a changed environment alone does not count.
type fileStamp struct {
	modTime time.Time
	sum     [sha256.Size]byte
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

// Watch loads the config at path and polls it until ctx is done. onChange
// runs on the polling goroutine and only for non-empty diffs.
func Watch(ctx context.Context, path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := readStamped(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp

	go w.run(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Done is closed once polling has stopped and no callback is running.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if old, updated, ok := w.reload(); ok {
				w.report(old, updated)
			}
		}
	}
}

// reload returns the previous and new config when the file holds a valid,
// different version.
func (w *Watcher) reload() (old, updated *Config, ok bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.stamp.modTime) {
		return nil, nil, false
	}

	cfg, stamp, err := readStamped(w.path)
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		w.stamp.modTime = info.ModTime()
		return nil, nil, false
	}
	same := stamp.sum == w.stamp.sum
	w.stamp = stamp
	if same {
		return nil, nil, false
	}
	old, w.current = w.current, cfg
	return old, cfg, true
}

func (w *Watcher) report(old, updated *Config) {
	d := Diff(old, updated)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"session_changed", d.SessionChanged,
		"gain_changed", d.GainChanged,
		"capture_changed", d.CaptureChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes need a restart", "keys", d.RestartRequired)
	}
	if w.onChange != nil && !d.Empty() {
		w.onChange(old, updated, d)
	}
}

func readStamped(path string) (*Config, fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{modTime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
