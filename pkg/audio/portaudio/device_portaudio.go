//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/hawkfranklin/aura/pkg/audio"
	"github.com/hawkfranklin/aura/pkg/audio/timeline"
)

// outputFramesPerBuffer is the hardware buffer size for playback. Smaller
// buffers tighten the clock granularity of [timeline.Timeline].
const outputFramesPerBuffer = 512

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(ctx context.Context, format audio.Format, framesPerBuffer int) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.Channels != 1 {
		return nil, fmt.Errorf("portaudio: open input: only mono capture is supported, got %d channels", format.Channels)
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = audio.DefaultFramesPerBuffer
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", classify(err))
	}

	in := &inputStream{
		rate:         format.SampleRate,
		stallTimeout: d.stallTimeout,
		frames:       make(chan audio.AudioFrame, d.queueDepth),
		done:         make(chan struct{}),
	}
	stream, err := pa.OpenDefaultStream(1, 0, float64(format.SampleRate), framesPerBuffer, in.callback)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open input stream: %w", classify(err))
	}
	in.stream = stream
	return in, nil
}

// OpenOutput implements [audio.Device]. The returned context is backed by a
// [timeline.Timeline] that the device callback renders from.
func (d *Device) OpenOutput(ctx context.Context, format audio.Format) (audio.OutputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.Channels != 1 {
		return nil, fmt.Errorf("portaudio: open output: only mono playback is supported, got %d channels", format.Channels)
	}
	tl, err := timeline.New(format.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", classify(err))
	}
	stream, err := pa.OpenDefaultStream(0, 1, float64(format.SampleRate), outputFramesPerBuffer, tl.Render)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output stream: %w", classify(err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start output stream: %w", classify(err))
	}
	slog.Info("portaudio output opened", "sample_rate", format.SampleRate)
	return &outputContext{Timeline: tl, stream: stream}, nil
}

// classify maps PortAudio errors onto the audio package sentinels.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
}

// ─── input ────────────────────────────────────────────────────────────────────

type inputStream struct {
	stream       *pa.Stream
	rate         int
	stallTimeout time.Duration

	frames   chan audio.AudioFrame
	done     chan struct{}
	captured atomic.Int64 // samples delivered by the device
	lastCb   atomic.Int64 // unix nanos of the last device callback

	startOnce sync.Once
	closeOnce sync.Once
	failOnce  sync.Once
	onError   func(error)
	wg        sync.WaitGroup
}

// callback runs on the PortAudio thread. It copies the buffer, which
// PortAudio reuses, and hands it off without blocking.
func (s *inputStream) callback(in []float32) {
	s.lastCb.Store(time.Now().UnixNano())
	samples := make([]float32, len(in))
	copy(samples, in)
	ts := time.Duration(s.captured.Add(int64(len(in)))-int64(len(in))) * time.Second / time.Duration(s.rate)
	select {
	case s.frames <- audio.AudioFrame{Samples: samples, SampleRate: s.rate, Timestamp: ts}:
	default:
		slog.Warn("portaudio input: frame queue full, dropping frame", "timestamp", ts)
	}
}

// Start implements [audio.InputStream].
func (s *inputStream) Start(onFrame func(audio.AudioFrame), onError func(error)) error {
	err := errors.New("portaudio: input stream already started")
	s.startOnce.Do(func() {
		s.onError = onError
		s.lastCb.Store(time.Now().UnixNano())
		if startErr := s.stream.Start(); startErr != nil {
			err = fmt.Errorf("portaudio: start input stream: %w", classify(startErr))
			return
		}
		err = nil
		s.wg.Add(1)
		go s.dispatch(onFrame)
		if s.stallTimeout > 0 {
			s.wg.Add(1)
			go s.watchdog()
		}
	})
	return err
}

func (s *inputStream) dispatch(onFrame func(audio.AudioFrame)) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case f := <-s.frames:
			onFrame(f)
		}
	}
}

// watchdog reports the stream as failed when the device stops calling back,
// which is how an unplugged microphone shows up.
func (s *inputStream) watchdog() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.stallTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastCb.Load())
			if time.Since(last) > s.stallTimeout {
				s.fail(fmt.Errorf("portaudio: no input for %s: %w", s.stallTimeout, audio.ErrDeviceUnavailable))
				return
			}
		}
	}
}

func (s *inputStream) fail(err error) {
	s.failOnce.Do(func() {
		slog.Error("portaudio input failed", "err", err)
		if s.onError != nil {
			s.onError(err)
		}
	})
}

// Close implements [audio.InputStream].
func (s *inputStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Suppress the watchdog once the owner is tearing down.
		s.failOnce.Do(func() {})
		close(s.done)
		err = errors.Join(s.stream.Stop(), s.stream.Close(), pa.Terminate())
		s.wg.Wait()
	})
	return err
}

// ─── output ───────────────────────────────────────────────────────────────────

type outputContext struct {
	*timeline.Timeline
	stream    *pa.Stream
	closeOnce sync.Once
}

// Close stops the hardware stream before releasing the timeline.
func (o *outputContext) Close() error {
	var err error
	o.closeOnce.Do(func() {
		err = errors.Join(o.stream.Stop(), o.stream.Close(), pa.Terminate(), o.Timeline.Close())
	})
	return err
}
