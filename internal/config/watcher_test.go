package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hawkfranklin/aura/internal/config"
)

const watchedYAML = `
server:
  log_level: info
live:
  name: gemini-live
  api_key: test-key
  voice: Zephyr
`

const watchedVoiceKoreYAML = `
server:
  log_level: debug
live:
  name: gemini-live
  api_key: test-key
  voice: Kore
`

const watchedBadVoiceYAML = `
live:
  name: gemini-live
  voice: Nobody
`

// configFile is a config on disk whose every rewrite gets a later mtime, so
// checks never depend on filesystem timestamp granularity.
type configFile struct {
	t     *testing.T
	path  string
	mtime time.Time
}

func newConfigFile(t *testing.T, content string) *configFile {
	t.Helper()
	f := &configFile{t: t, path: filepath.Join(t.TempDir(), "aura.yaml"), mtime: time.Now().Add(-time.Hour)}
	f.write(content)
	return f
}

func (f *configFile) write(content string) {
	f.t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", f.path, err)
	}
	f.touch()
}

func (f *configFile) touch() {
	f.t.Helper()
	f.mtime = f.mtime.Add(time.Second)
	if err := os.Chtimes(f.path, f.mtime, f.mtime); err != nil {
		f.t.Fatalf("chtimes %s: %v", f.path, err)
	}
}

// changeLog records handler invocations.
type changeLog struct {
	mu      sync.Mutex
	changes [][2]*config.Config
	rejects []error
}

func (l *changeLog) onChange(old, new *config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, [2]*config.Config{old, new})
}

func (l *changeLog) onReject(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejects = append(l.rejects, err)
}

func (l *changeLog) counts() (changes, rejects int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.changes), len(l.rejects)
}

// newManualWatcher returns a watcher whose ticker never fires during a test,
// so the test drives it through Check.
func newManualWatcher(t *testing.T, f *configFile, log *changeLog) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(f.path, log.onChange,
		config.WithInterval(time.Hour),
		config.WithRejectHandler(log.onReject),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watchedYAML)
	w := newManualWatcher(t, f, &changeLog{})

	cfg := w.Current()
	if cfg.Live.Voice != "Zephyr" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() = %+v", cfg)
	}
	if got := w.Check(); got != config.Unchanged {
		t.Errorf("Check on untouched file = %v, want unchanged", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("NewWatcher error = %v, want ErrNotExist", err)
	}

	f := newConfigFile(t, watchedBadVoiceYAML)
	if _, err := config.NewWatcher(f.path, nil); err == nil {
		t.Error("expected error for invalid initial config")
	}
}

func TestWatcher_AppliesEdit(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watchedYAML)
	log := &changeLog{}
	w := newManualWatcher(t, f, log)

	f.write(watchedVoiceKoreYAML)
	if got := w.Check(); got != config.Applied {
		t.Fatalf("Check = %v, want applied", got)
	}

	if n, _ := log.counts(); n != 1 {
		t.Fatalf("onChange called %d times, want 1", n)
	}
	old, new := log.changes[0][0], log.changes[0][1]
	if old.Live.Voice != "Zephyr" || new.Live.Voice != "Kore" {
		t.Errorf("voice change = %q -> %q", old.Live.Voice, new.Live.Voice)
	}
	if w.Current() != new {
		t.Error("Current() is not the applied config")
	}
}

func TestWatcher_TouchWithoutEdit(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watchedYAML)
	log := &changeLog{}
	w := newManualWatcher(t, f, log)

	f.touch()
	if got := w.Check(); got != config.Unchanged {
		t.Errorf("Check after touch = %v, want unchanged", got)
	}
	if n, _ := log.counts(); n != 0 {
		t.Errorf("onChange called %d times for a touch", n)
	}
}

func TestWatcher_InvalidEditReportedOnceThenFixed(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watchedYAML)
	log := &changeLog{}
	w := newManualWatcher(t, f, log)

	f.write(watchedBadVoiceYAML)
	if got := w.Check(); got != config.Rejected {
		t.Fatalf("first Check = %v, want rejected", got)
	}
	for i := range 3 {
		if got := w.Check(); got != config.Unchanged {
			t.Errorf("repeat Check %d = %v, want unchanged", i, got)
		}
	}
	// Rewriting the same bad bytes is not a new edit either.
	f.write(watchedBadVoiceYAML)
	if got := w.Check(); got != config.Unchanged {
		t.Errorf("Check after identical rewrite = %v, want unchanged", got)
	}
	if changes, rejects := log.counts(); changes != 0 || rejects != 1 {
		t.Errorf("changes=%d rejects=%d, want 0 and 1", changes, rejects)
	}
	if w.Current().Live.Voice != "Zephyr" {
		t.Errorf("Current() voice = %q, want previous config kept", w.Current().Live.Voice)
	}

	f.write(watchedVoiceKoreYAML)
	if got := w.Check(); got != config.Applied {
		t.Fatalf("Check after fix = %v, want applied", got)
	}
	if changes, _ := log.counts(); changes != 1 {
		t.Fatalf("onChange called %d times, want 1", changes)
	}
	if old := log.changes[0][0]; old.Live.Voice != "Zephyr" {
		t.Errorf("old config voice = %q, want the last valid config", old.Live.Voice)
	}
}

func TestWatcher_MissingFileIsUnreadable(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watchedYAML)
	w := newManualWatcher(t, f, &changeLog{})

	if err := os.Remove(f.path); err != nil {
		t.Fatal(err)
	}
	if got := w.Check(); got != config.Unreadable {
		t.Errorf("Check = %v, want unreadable", got)
	}
	if w.Current() == nil {
		t.Error("Current() lost the loaded config")
	}
}

func TestWatcher_PollsInBackground(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watchedYAML)
	changed := make(chan *config.Config, 1)
	w, err := config.NewWatcher(f.path, func(_, new *config.Config) { changed <- new },
		config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	f.write(watchedVoiceKoreYAML)
	select {
	case cfg := <-changed:
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit was not picked up by polling")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watchedYAML)
	w, err := config.NewWatcher(f.path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()
	for o, want := range map[config.Outcome]string{
		config.Unchanged:   "unchanged",
		config.Applied:     "applied",
		config.Rejected:    "rejected",
		config.Unreadable:  "unreadable",
		config.Outcome(42): "Outcome(42)",
	} {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", int(o), got, want)
		}
	}
}
