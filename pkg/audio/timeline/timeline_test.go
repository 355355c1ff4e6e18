package timeline_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/audio/timeline"
)

// rate of 1000 Hz makes one sample equal one millisecond.
const rate = 1000

func newTimeline(t *testing.T) *timeline.Timeline {
	t.Helper()
	tl, err := timeline.New(rate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tl.Close() })
	return tl
}

// constChunk returns a chunk of n samples all equal to v.
func constChunk(n int, v float32) audio.PlaybackChunk {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.PlaybackChunk{Samples: s, SampleRate: rate}
}

func TestNew_InvalidRate(t *testing.T) {
	if _, err := timeline.New(0); err == nil {
		t.Fatal("expected error for zero rate")
	}
}

func TestRender_AdvancesClock(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	if got := tl.Now(); got != 0 {
		t.Fatalf("Now = %v, want 0", got)
	}
	tl.Render(make([]float32, 250))
	if got := tl.Now(); got != 250*time.Millisecond {
		t.Errorf("Now = %v, want 250ms", got)
	}
}

func TestRender_SilenceWhenEmpty(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	out := []float32{9, 9, 9}
	tl.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Errorf("out[%d] = %v, want 0", i, s)
		}
	}
}

func TestSchedule_BackToBackIsGapless(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	if err := tl.Schedule(constChunk(3, 0.25), 0); err != nil {
		t.Fatal(err)
	}
	if err := tl.Schedule(constChunk(3, 0.5), 3*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 8)
	tl.Render(out)
	want := []float32{0.25, 0.25, 0.25, 0.5, 0.5, 0.5, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestSchedule_SpansRenderCalls(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	if err := tl.Schedule(constChunk(5, 0.5), 2*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	first := make([]float32, 4)
	tl.Render(first)
	if first[1] != 0 || first[2] != 0.5 || first[3] != 0.5 {
		t.Errorf("first buffer = %v", first)
	}
	if !tl.Playing() {
		t.Error("expected chunk to still be playing")
	}
	second := make([]float32, 4)
	tl.Render(second)
	if second[2] != 0.5 || second[3] != 0 {
		t.Errorf("second buffer = %v", second)
	}
	if tl.Playing() {
		t.Error("expected chunk to have finished")
	}
}

func TestSchedule_PastPositionStartsNow(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	tl.Render(make([]float32, 10))
	if err := tl.Schedule(constChunk(2, 0.5), 0); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 3)
	tl.Render(out)
	if out[0] != 0.5 || out[1] != 0.5 || out[2] != 0 {
		t.Errorf("out = %v, want chunk at start of buffer", out)
	}
}

func TestSchedule_OverlapIsClamped(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	_ = tl.Schedule(constChunk(2, 0.75), 0)
	_ = tl.Schedule(constChunk(2, 0.75), 0)
	out := make([]float32, 2)
	tl.Render(out)
	if out[0] != 1 || out[1] != 1 {
		t.Errorf("out = %v, want clamped to 1", out)
	}
}

func TestSchedule_RateMismatch(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	err := tl.Schedule(audio.PlaybackChunk{Samples: []float32{0.1}, SampleRate: 24000}, 0)
	if err == nil {
		t.Fatal("expected rate mismatch error")
	}
}

func TestCancelPending_KeepsPlayingChunk(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	_ = tl.Schedule(constChunk(4, 0.5), 0)
	_ = tl.Schedule(constChunk(4, 0.25), 4*time.Millisecond)
	_ = tl.Schedule(constChunk(4, 0.25), 8*time.Millisecond)

	tl.Render(make([]float32, 2))
	if got := tl.CancelPending(); got != 2 {
		t.Errorf("CancelPending = %d, want 2", got)
	}
	if got := tl.Pending(); got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}

	out := make([]float32, 6)
	tl.Render(out)
	want := []float32{0.5, 0.5, 0, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	_ = tl.Schedule(constChunk(4, 0.5), 0)
	if err := tl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := tl.Schedule(constChunk(1, 0.5), 0); !errors.Is(err, timeline.ErrClosed) {
		t.Errorf("Schedule after Close = %v, want ErrClosed", err)
	}
	out := []float32{1, 1}
	tl.Render(out)
	if out[0] != 0 || out[1] != 0 {
		t.Errorf("Render after Close = %v, want silence", out)
	}
}

func TestWithQueueCapacityOption(t *testing.T) {
	tl, err := timeline.New(rate, timeline.WithQueueCapacity(64))
	if err != nil {
		t.Fatal(err)
	}
	defer tl.Close()
	for i := range 100 {
		_ = tl.Schedule(constChunk(1, 0.1), time.Duration(i)*time.Millisecond)
	}
	if got := tl.Pending(); got != 100 {
		t.Errorf("Pending = %d, want 100", got)
	}
}

func TestConcurrentScheduleAndRender(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				_ = tl.Schedule(constChunk(2, 0.01), time.Duration(g*50+i)*time.Millisecond)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]float32, 16)
		for range 50 {
			tl.Render(buf)
		}
	}()
	wg.Wait()

	if got := tl.Now(); got != 800*time.Millisecond {
		t.Errorf("Now = %v, want 800ms", got)
	}
}

func TestSchedule_TruncatedDurationsStayGapless(t *testing.T) {
	t.Parallel()
	const hz = 24000
	tl, err := timeline.New(hz)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tl.Close() })

	// 1000 samples at 24 kHz is 41.666ms; time.Duration truncates it.
	var at time.Duration
	for range 5 {
		c := audio.PlaybackChunk{Samples: make([]float32, 1000), SampleRate: hz}
		for i := range c.Samples {
			c.Samples[i] = 0.5
		}
		if err := tl.Schedule(c, at); err != nil {
			t.Fatal(err)
		}
		at += c.Duration()
	}

	out := make([]float32, 5001)
	tl.Render(out)
	for i, s := range out[:5000] {
		if s != 0.5 {
			t.Fatalf("out[%d] = %v, want 0.5", i, s)
		}
	}
	if out[5000] != 0 {
		t.Errorf("out[5000] = %v, want silence after the queue", out[5000])
	}
}

func TestCancelPending_NextChunkJoinsPlayingTail(t *testing.T) {
	t.Parallel()
	tl := newTimeline(t)

	_ = tl.Schedule(constChunk(4, 0.5), 0)
	_ = tl.Schedule(constChunk(4, 0.25), 4*time.Millisecond)
	tl.Render(make([]float32, 2))
	tl.CancelPending()

	// A chunk aimed one sample early at the playing chunk's end is joined to it.
	_ = tl.Schedule(constChunk(2, 0.25), 3*time.Millisecond)
	out := make([]float32, 5)
	tl.Render(out)
	want := []float32{0.5, 0.5, 0.25, 0.25, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}
