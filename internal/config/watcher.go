package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls the config file.
const DefaultWatchInterval = 5 * time.Second

// Outcome is the result of one [Watcher.Check].
type Outcome int

const (
	// Unchanged means the file was untouched or its content is identical to
	// the last content inspected.
	Unchanged Outcome = iota

	// Applied means new content loaded and was handed to the change handler.
	Applied

	// Rejected means new content failed to load. The previous config stays
	// current and the same content is not reported again.
	Rejected

	// Unreadable means the file could not be stat'ed or read.
	Unreadable
)

// String returns a lower-case name for o.
func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case Unreadable:
		return "unreadable"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// fileStamp identifies one version of the config file's content.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls the Aura config file and hands every edit that loads cleanly
// to a change handler. Edits that fail validation go to the reject handler
// once per distinct content; the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onReject func(error)

	checkMu sync.Mutex // serialises Check so handlers see edits in order
	seen    fileStamp  // last content inspected, valid or not
	readErr string     // last stat/read error logged

	mu      sync.Mutex
	current *Config

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRejectHandler sets a handler for edits that fail to load. It is called
// from the polling goroutine.
func WithRejectHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads the config at path and starts polling it. onChange may be
// nil. The initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	stamp, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.seen = stamp

	go w.run()
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight check to finish. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check inspects the file once and reports what it did. The polling goroutine
// calls it on every tick; callers may also call it to force a reload.
func (w *Watcher) Check() Outcome {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.logReadError(err)
		return Unreadable
	}
	if info.ModTime().Equal(w.seen.mtime) && info.Size() == w.seen.size {
		return Unchanged
	}

	stamp, data, err := w.read()
	if err != nil {
		w.logReadError(err)
		return Unreadable
	}
	w.readErr = ""
	if stamp.sum == w.seen.sum {
		// Touched, same bytes.
		w.seen = stamp
		return Unchanged
	}
	w.seen = stamp

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		slog.Warn("config: edit rejected, keeping previous config", "path", w.path, "err", err)
		if w.onReject != nil {
			w.onReject(err)
		}
		return Rejected
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return Applied
}

func (w *Watcher) read() (fileStamp, []byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fileStamp{}, nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return fileStamp{}, nil, err
	}
	data := buf.Bytes()
	return fileStamp{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, data, nil
}

// logReadError logs err unless it repeats the previous one.
func (w *Watcher) logReadError(err error) {
	if msg := err.Error(); msg != w.readErr {
		w.readErr = msg
		slog.Warn("config: cannot read config file", "path", w.path, "err", err)
	}
}
