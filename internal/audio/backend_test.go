package audio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audiolibrelab/takecapture/internal/capture"
)

type countingProcessor struct {
	cycles atomic.Int64
	frames atomic.Int64
	events atomic.Int64
	peak   float32
}

func (c *countingProcessor) Process(in *capture.CycleInput, nframes int) {
	c.cycles.Add(1)
	c.frames.Add(int64(nframes))
	for _, evs := range in.MIDI {
		c.events.Add(int64(len(evs)))
	}
	for _, buf := range in.Audio {
		for _, v := range buf[:nframes] {
			if v > c.peak {
				c.peak = v
			}
		}
	}
}

func TestDetermineBackend(t *testing.T) {
	tests := []struct {
		name    string
		want    BackendType
		wantErr bool
	}{
		{"", BackendTypePortAudio, false},
		{"auto", BackendTypePortAudio, false},
		{"PortAudio", BackendTypePortAudio, false},
		{"simulated", BackendTypeSimulated, false},
		{"pipewire", "", true},
	}

	for _, tt := range tests {
		got, err := determineBackend(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("determineBackend(%q): unexpected error %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("determineBackend(%q): expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestNewDriver_Simulated(t *testing.T) {
	d, err := NewDriver(DriverConfig{Backend: "simulated", SampleRate: 48000, PeriodFrames: 256, AudioChannels: 2})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if d.Type() != BackendTypeSimulated || d.SampleRate() != 48000 || d.PeriodFrames() != 256 {
		t.Errorf("Unexpected driver %s %d %d", d.Type(), d.SampleRate(), d.PeriodFrames())
	}

	if _, err := NewDriver(DriverConfig{Backend: "simulated"}); err == nil {
		t.Error("Expected invalid stream parameters to be rejected")
	}
}

func TestSimulated_Step(t *testing.T) {
	sim := NewSimulated(DriverConfig{SampleRate: 48000, PeriodFrames: 1000, AudioChannels: 1, MIDIChannels: 1})
	sim.ClickEvery = 1500

	p := &countingProcessor{}
	for i := 0; i < 3; i++ {
		sim.Step(p)
	}

	if p.frames.Load() != 3000 {
		t.Errorf("Expected 3000 frames, got %d", p.frames.Load())
	}
	// clicks at 0 and 1500
	if p.events.Load() != 2 {
		t.Errorf("Expected 2 clicks, got %d", p.events.Load())
	}
	if p.peak <= 0.2 || p.peak > 0.25 {
		t.Errorf("Expected a tone peaking near 0.25, got %v", p.peak)
	}
}

func TestSimulated_StartStop(t *testing.T) {
	sim := NewSimulated(DriverConfig{SampleRate: 48000, PeriodFrames: 48, AudioChannels: 1})
	p := &countingProcessor{}

	if err := sim.Start(context.Background(), p); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.cycles.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := sim.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	n := p.cycles.Load()
	if n < 3 {
		t.Fatalf("Expected at least 3 cycles, got %d", n)
	}
	time.Sleep(5 * time.Millisecond)
	if p.cycles.Load() != n {
		t.Error("Expected no cycles after Close")
	}
}
