package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// EncodePCM16 serializes samples as little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16. A trailing odd byte is
// ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Float32ToPCM16 clips samples to [-1, 1] and scales them to 16 bits.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		out[i] = int16(math.Round(float64(s) * math.MaxInt16))
	}
	return out
}

// voiceThreshold is the normalized amplitude above which a buffer counts as
// voiced.
const voiceThreshold = 0.01

// Stats accumulates amplitude statistics over captured buffers.
type Stats struct {
	TotalSamples  int64
	TotalBytes    int64
	Buffers       int64
	VoicedBuffers int64
	MaxAmplitude  float64

	sumAbs float64
	sumSq  float64
}

// Add folds one buffer into the statistics.
func (s *Stats) Add(samples []int16) {
	if len(samples) == 0 {
		return
	}
	var bufAbs float64
	for _, v := range samples {
		a := math.Abs(float64(v)) / math.MaxInt16
		bufAbs += a
		s.sumSq += a * a
		if a > s.MaxAmplitude {
			s.MaxAmplitude = a
		}
	}
	s.sumAbs += bufAbs
	s.TotalSamples += int64(len(samples))
	s.TotalBytes += int64(len(samples) * 2)
	s.Buffers++
	if bufAbs/float64(len(samples)) > voiceThreshold {
		s.VoicedBuffers++
	}
}

func (s Stats) AverageAmplitude() float64 {
	if s.TotalSamples == 0 {
		return 0
	}
	return s.sumAbs / float64(s.TotalSamples)
}

func (s Stats) RMSAmplitude() float64 {
	if s.TotalSamples == 0 {
		return 0
	}
	return math.Sqrt(s.sumSq / float64(s.TotalSamples))
}

// VoiceActivity is the percentage of buffers above the voice threshold.
func (s Stats) VoiceActivity() float64 {
	if s.Buffers == 0 {
		return 0
	}
	return float64(s.VoicedBuffers) / float64(s.Buffers) * 100
}

// Clipping reports whether any sample hit full scale.
func (s Stats) Clipping() bool {
	return s.MaxAmplitude >= 0.999
}

var ErrNotWAV = errors.New("audio: not a PCM WAV file")

// WAVFormat is the subset of the fmt chunk the engine cares about.
type WAVFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// ReadWAV returns the format and the raw data chunk of a PCM WAV stream.
// Chunks other than fmt and data are skipped.
func ReadWAV(r io.Reader) (WAVFormat, []byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return WAVFormat{}, nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return WAVFormat{}, nil, ErrNotWAV
	}

	var format WAVFormat
	haveFormat := false
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return WAVFormat{}, nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(ch[0:4])
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVFormat{}, nil, ErrNotWAV
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if binary.LittleEndian.Uint16(body[0:2]) != 1 {
				return WAVFormat{}, nil, ErrNotWAV
			}
			format = WAVFormat{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			haveFormat = true
		case "data":
			if !haveFormat {
				return WAVFormat{}, nil, ErrNotWAV
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return WAVFormat{}, nil, fmt.Errorf("read data chunk: %w", err)
			}
			return format, data[:n], nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// WriteWAV writes pcm as a mono 16-bit PCM WAV file.
func WriteWAV(w io.Writer, sampleRate int, pcm []byte) error {
	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(hdr[32:34], 2)
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
