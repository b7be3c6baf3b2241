// Package audio captures microphone PCM for the speech engine and reads and
// writes the WAV files the demo CLI streams and saves.
package audio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// Device describes one PortAudio device.
type Device struct {
	ID                int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
}

func (d Device) IsInput() bool  { return d.MaxInputChannels > 0 }
func (d Device) IsOutput() bool { return d.MaxOutputChannels > 0 }

// Capabilities renders the direction of the device for listings.
func (d Device) Capabilities() string {
	var caps []string
	if d.IsInput() {
		caps = append(caps, "Input")
	}
	if d.IsOutput() {
		caps = append(caps, "Output")
	}
	if len(caps) == 0 {
		return "None"
	}
	return strings.Join(caps, "/")
}

// DeviceManager owns the PortAudio library lifetime and a snapshot of the
// device list.
type DeviceManager struct {
	mu      sync.RWMutex
	devices []Device
	raw     []*portaudio.DeviceInfo
	log     zerolog.Logger
	open    bool
}

func NewDeviceManager(logger zerolog.Logger) *DeviceManager {
	return &DeviceManager{log: logger.With().Str("component", "audio").Logger()}
}

// Initialize loads PortAudio and enumerates devices. Every successful call
// must be paired with Terminate.
func (m *DeviceManager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	m.open = true
	if err := m.refresh(); err != nil {
		return err
	}
	m.log.Debug().Int("device_count", len(m.devices)).Msg("Audio devices enumerated")
	return nil
}

func (m *DeviceManager) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return
	}
	m.open = false
	if err := portaudio.Terminate(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to terminate PortAudio")
	}
}

func (m *DeviceManager) refresh() error {
	defIn, err := portaudio.DefaultInputDevice()
	if err != nil {
		m.log.Debug().Err(err).Msg("No default input device")
	}
	defOut, err := portaudio.DefaultOutputDevice()
	if err != nil {
		m.log.Debug().Err(err).Msg("No default output device")
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	m.raw = infos
	m.devices = make([]Device, 0, len(infos))
	for i, info := range infos {
		host := "Unknown"
		if info.HostApi != nil {
			host = info.HostApi.Name
		}
		m.devices = append(m.devices, Device{
			ID:                i,
			Name:              info.Name,
			HostAPI:           host,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsDefaultInput:    defIn != nil && info == defIn,
			IsDefaultOutput:   defOut != nil && info == defOut,
		})
	}
	return nil
}

// Devices returns a copy of the enumerated devices.
func (m *DeviceManager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Device(nil), m.devices...)
}

func (m *DeviceManager) Inputs() []Device {
	var out []Device
	for _, d := range m.Devices() {
		if d.IsInput() {
			out = append(out, d)
		}
	}
	return out
}

// Device looks a device up by its listing index.
func (m *DeviceManager) Device(id int) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id < 0 || id >= len(m.devices) {
		return Device{}, fmt.Errorf("device with ID %d not found", id)
	}
	return m.devices[id], nil
}

// ValidateInput checks that a device can capture mono audio. A sample rate
// far from the device default is only logged; PortAudio resamples or fails
// at open time.
func (m *DeviceManager) ValidateInput(id int, sampleRate float64) error {
	d, err := m.Device(id)
	if err != nil {
		return err
	}
	if !d.IsInput() {
		return fmt.Errorf("device %q is not an input device", d.Name)
	}
	if d.DefaultSampleRate > 0 {
		if ratio := sampleRate / d.DefaultSampleRate; ratio < 0.5 || ratio > 2.0 {
			m.log.Warn().
				Str("device_name", d.Name).
				Float64("device_sample_rate", d.DefaultSampleRate).
				Float64("requested_sample_rate", sampleRate).
				Msg("Sample rate significantly different from device default")
		}
	}
	return nil
}

func (m *DeviceManager) info(id int) (*portaudio.DeviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id < 0 {
		return portaudio.DefaultInputDevice()
	}
	if id >= len(m.raw) {
		return nil, fmt.Errorf("device with ID %d not found", id)
	}
	return m.raw[id], nil
}
