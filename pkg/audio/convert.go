package audio

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
)

// pcmMIMEPrefix is the MIME type of raw 16-bit little-endian PCM on the wire.
const pcmMIMEPrefix = "audio/pcm"

// PCMMIMEType returns the wire MIME type for PCM at the given sample rate,
// e.g. "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("%s;rate=%d", pcmMIMEPrefix, rate)
}

// EncodeFrame converts a captured frame into its wire form.
func EncodeFrame(frame AudioFrame) EncodedChunk {
	return EncodedChunk{
		MIMEType: PCMMIMEType(frame.SampleRate),
		Data:     base64.StdEncoding.EncodeToString(Float32ToPCM16(frame.Samples)),
	}
}

// Decoder turns inbound [EncodedChunk] payloads into [PlaybackChunk] values
// at the output sample rate. It logs a warning on the first rate mismatch.
// Create one per session; not designed for shared use across sessions.
type Decoder struct {
	// OutputRate is the sample rate of the output context. Payloads at a
	// different rate are resampled.
	OutputRate int

	warnedMismatch sync.Once
}

// Decode decodes one inbound chunk. Every error wraps [ErrDecode] so callers
// can drop the chunk and carry on.
func (d *Decoder) Decode(chunk EncodedChunk) (PlaybackChunk, error) {
	outRate := d.OutputRate
	if outRate <= 0 {
		outRate = OutputFormat.SampleRate
	}
	rate, err := parsePCMRate(chunk.MIMEType, outRate)
	if err != nil {
		return PlaybackChunk{}, err
	}

	pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return PlaybackChunk{}, fmt.Errorf("%w: base64: %v", ErrDecode, err)
	}
	if len(pcm) == 0 {
		return PlaybackChunk{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(pcm)%2 != 0 {
		return PlaybackChunk{}, fmt.Errorf("%w: odd byte count %d in 16-bit PCM", ErrDecode, len(pcm))
	}

	if rate != outRate {
		d.warnedMismatch.Do(func() {
			slog.Warn("audio decoder: sample rate mismatch, resampling",
				"from", formatString(rate, 1),
				"to", formatString(outRate, 1),
			)
		})
		pcm = ResampleMono16(pcm, rate, outRate)
		rate = outRate
		if len(pcm) == 0 {
			return PlaybackChunk{}, fmt.Errorf("%w: payload too short to resample", ErrDecode)
		}
	}

	samples, err := PCM16ToFloat32(pcm)
	if err != nil {
		return PlaybackChunk{}, err
	}
	return PlaybackChunk{Samples: samples, SampleRate: rate}, nil
}

// parsePCMRate extracts the rate parameter from a PCM MIME type. An empty MIME
// type or a missing rate parameter yields fallback.
func parsePCMRate(mime string, fallback int) (int, error) {
	if mime == "" {
		return fallback, nil
	}
	parts := strings.Split(mime, ";")
	if !strings.EqualFold(strings.TrimSpace(parts[0]), pcmMIMEPrefix) {
		return 0, fmt.Errorf("%w: unsupported mime type %q", ErrDecode, mime)
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, fmt.Errorf("%w: bad rate %q", ErrDecode, v)
		}
		return rate, nil
	}
	return fallback, nil
}

// Float32ToPCM16 converts normalized samples to little-endian int16 PCM.
// Samples outside [-1, 1] are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * math.MaxInt16)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian int16 PCM to normalized samples.
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d in 16-bit PCM", ErrDecode, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// RMS returns the root-mean-square amplitude of samples, or 0 for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level maps the RMS of samples onto the 0–100 volume meter scale.
func Level(samples []float32) float64 {
	return min(RMS(samples)*100, 100)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
