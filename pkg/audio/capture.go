package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

var ErrAlreadyRecording = errors.New("audio: already recording")

// CaptureConfig selects the device and the PCM shape of a recording.
type CaptureConfig struct {
	// DeviceID of -1 selects the default input device.
	DeviceID   int
	SampleRate int
	// FramesPerBuffer is the number of samples per callback.
	FramesPerBuffer int
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{DeviceID: -1, SampleRate: 16000, FramesPerBuffer: 320}
}

// Recorder streams mono 16-bit little-endian PCM from a microphone.
type Recorder struct {
	dm  *DeviceManager
	cfg CaptureConfig
	log zerolog.Logger

	mu        sync.Mutex
	stream    *portaudio.Stream
	recording bool
	stats     Stats
}

func NewRecorder(dm *DeviceManager, cfg CaptureConfig, logger zerolog.Logger) *Recorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = cfg.SampleRate / 50
	}
	return &Recorder{dm: dm, cfg: cfg, log: logger.With().Str("component", "recorder").Logger()}
}

// Start opens the stream. handle runs on the PortAudio callback thread with
// a fresh slice per call and must not block.
func (r *Recorder) Start(handle func(pcm []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}
	dev, err := r.dm.info(r.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("input device: %w", err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(r.cfg.SampleRate)
	params.FramesPerBuffer = r.cfg.FramesPerBuffer

	r.stats = Stats{}
	stream, err := portaudio.OpenStream(params, func(in []int16) {
		pcm := EncodePCM16(in)
		r.mu.Lock()
		r.stats.Add(in)
		r.mu.Unlock()
		handle(pcm)
	})
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start input stream: %w", err)
	}

	r.stream = stream
	r.recording = true
	r.log.Info().Str("device", dev.Name).Int("sample_rate", r.cfg.SampleRate).Msg("Recording started")
	return nil
}

// Stop closes the stream. It is safe to call when not recording.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.recording = false
	r.mu.Unlock()

	if stream == nil {
		return nil
	}
	// Stop waits for the callback, which takes r.mu.
	err := stream.Stop()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	r.log.Info().Msg("Recording stopped")
	return err
}

// Stats returns the running statistics of the current or last recording.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
