//go:build !portaudio

package portaudio

import (
	"context"
	"fmt"

	"github.com/hawkfranklin/aura/pkg/audio"
)

// OpenInput implements [audio.Device]. Without the portaudio build tag no
// hardware is available.
func (d *Device) OpenInput(_ context.Context, _ audio.Format, _ int) (audio.InputStream, error) {
	return nil, fmt.Errorf("portaudio: open input: %w (rebuild with -tags portaudio)", audio.ErrDeviceUnavailable)
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, _ audio.Format) (audio.OutputContext, error) {
	return nil, fmt.Errorf("portaudio: open output: %w (rebuild with -tags portaudio)", audio.ErrDeviceUnavailable)
}
