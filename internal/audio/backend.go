// Package audio provides the drivers that call the capture session once per
// cycle with fresh input.
package audio

import (
	"context"
	"fmt"
	"strings"

	"github.com/audiolibrelab/takecapture/internal/capture"
	"github.com/audiolibrelab/takecapture/internal/source"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypeSimulated BackendType = "simulated"
	BackendTypeAuto      BackendType = "auto"
)

// Processor consumes one cycle of input. It is called on the driver's
// callback goroutine and must not block.
type Processor interface {
	Process(in *capture.CycleInput, nframes int)
}

// Driver delivers input cycles to a Processor
type Driver interface {
	// Start begins delivering cycles until ctx is done or Stop is called
	Start(ctx context.Context, p Processor) error
	Stop() error
	Close() error

	Type() BackendType
	SampleRate() int
	PeriodFrames() int
}

// DriverConfig describes the stream a driver opens
type DriverConfig struct {
	Backend       string
	Device        string
	SampleRate    int
	PeriodFrames  int
	AudioChannels int
	MIDIChannels  int
}

// Device describes an input device
type Device struct {
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	Default           bool    `json:"default"`
}

// NewDriver creates a driver using the appropriate backend based on configuration
func NewDriver(cfg DriverConfig) (Driver, error) {
	if cfg.SampleRate <= 0 || cfg.PeriodFrames <= 0 {
		return nil, fmt.Errorf("invalid stream parameters: %d Hz, %d frames", cfg.SampleRate, cfg.PeriodFrames)
	}

	backendType, err := determineBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	switch backendType {
	case BackendTypeSimulated:
		return NewSimulated(cfg), nil
	default:
		return NewPortAudio(cfg)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(name string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "portaudio":
		return BackendTypePortAudio, nil
	case "simulated":
		return BackendTypeSimulated, nil
	}
	return "", fmt.Errorf("unknown audio backend: %s", name)
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePortAudio, BackendTypeSimulated}
}

// newCycleInput preallocates the per-channel buffers handed to the processor
func newCycleInput(audioChannels, midiChannels, periodFrames int) *capture.CycleInput {
	in := &capture.CycleInput{
		Audio: make([][]float32, audioChannels),
		MIDI:  make([][]source.MidiEvent, midiChannels),
	}
	for i := range in.Audio {
		in.Audio[i] = make([]float32, periodFrames)
	}
	for i := range in.MIDI {
		in.MIDI[i] = make([]source.MidiEvent, 0, 16)
	}
	return in
}
