package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Standard formats of a live session. Microphone capture runs at 16 kHz and
// synthesized speech arrives at 24 kHz; both are mono.
var (
	InputFormat  = Format{SampleRate: 16000, Channels: 1}
	OutputFormat = Format{SampleRate: 24000, Channels: 1}
)

// DefaultFramesPerBuffer is the capture window size in samples.
const DefaultFramesPerBuffer = 4096

// AudioFrame is one fixed-length window of captured microphone audio.
// Frames are ephemeral: the capture pipeline encodes them immediately and
// does not retain them.
type AudioFrame struct {
	// Samples holds normalized mono samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for live capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// EncodedChunk is the wire form of one frame: base64-encoded little-endian
// 16-bit PCM tagged with its MIME type (e.g. "audio/pcm;rate=16000").
type EncodedChunk struct {
	MIMEType string
	Data     string
}

// PlaybackChunk is decoded synthesized audio ready to be scheduled on an
// [OutputContext]. It is owned by the playback path from decode until it has
// finished playing.
type PlaybackChunk struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the chunk.
func (c PlaybackChunk) Duration() time.Duration {
	return samplesDuration(len(c.Samples), c.SampleRate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
