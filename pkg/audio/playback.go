package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

var errNotInitialized = errors.New("audio: device manager not initialized")

// Play writes mono 16-bit little-endian PCM to the default output device
// and returns once the last buffer is queued or ctx is done.
func (m *DeviceManager) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	m.mu.RLock()
	open := m.open
	m.mu.RUnlock()
	if !open {
		return errNotInitialized
	}

	samples := DecodePCM16(pcm)
	if len(samples) == 0 {
		return nil
	}

	buf := make([]int16, sampleRate/50)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buf), &buf)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer func() {
		if err := stream.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to stop output stream")
		}
	}()

	m.log.Debug().Int("samples", len(samples)).Int("sample_rate", sampleRate).Msg("Playback started")
	for off := 0; off < len(samples); off += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, samples[off:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}
