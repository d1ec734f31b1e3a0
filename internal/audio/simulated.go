package audio

import (
	"context"
	"math"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/audiolibrelab/takecapture/internal/capture"
	"github.com/audiolibrelab/takecapture/internal/source"
)

// Simulated generates a test tone on every audio channel and a metronome
// click on every MIDI channel, paced by a ticker at the nominal period.
type Simulated struct {
	cfg   DriverConfig
	in    *capture.CycleInput
	phase float64
	frame int64

	// ToneHz is the frequency of the generated tone
	ToneHz float64
	// ClickEvery is the number of frames between MIDI clicks
	ClickEvery int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSimulated creates a simulated driver
func NewSimulated(cfg DriverConfig) *Simulated {
	return &Simulated{
		cfg:        cfg,
		in:         newCycleInput(cfg.AudioChannels, cfg.MIDIChannels, cfg.PeriodFrames),
		ToneHz:     440,
		ClickEvery: int64(cfg.SampleRate / 2),
	}
}

// Type returns the backend type
func (s *Simulated) Type() BackendType { return BackendTypeSimulated }

// SampleRate returns the stream sample rate
func (s *Simulated) SampleRate() int { return s.cfg.SampleRate }

// PeriodFrames returns the frames per cycle
func (s *Simulated) PeriodFrames() int { return s.cfg.PeriodFrames }

// Step generates one period and hands it to p
func (s *Simulated) Step(p Processor) {
	n := s.cfg.PeriodFrames
	inc := 2 * math.Pi * s.ToneHz / float64(s.cfg.SampleRate)
	for i := 0; i < n; i++ {
		v := float32(0.25 * math.Sin(s.phase))
		for _, buf := range s.in.Audio {
			buf[i] = v
		}
		s.phase += inc
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)

	for ch := range s.in.MIDI {
		s.in.MIDI[ch] = s.in.MIDI[ch][:0]
		if s.ClickEvery <= 0 {
			continue
		}
		next := (s.frame + s.ClickEvery - 1) / s.ClickEvery * s.ClickEvery
		for t := next; t < s.frame+int64(n); t += s.ClickEvery {
			if ev, ok := source.NewMidiEvent(t-s.frame, midi.NoteOn(9, 37, 100)); ok {
				s.in.MIDI[ch] = append(s.in.MIDI[ch], ev)
			}
		}
	}

	s.frame += int64(n)
	p.Process(s.in, n)
}

// Start runs cycles on a ticker until ctx is done or Stop is called
func (s *Simulated) Start(ctx context.Context, p Processor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	period := time.Duration(float64(time.Second) * float64(s.cfg.PeriodFrames) / float64(s.cfg.SampleRate))
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Step(p)
			}
		}
	}()
	return nil
}

// Stop halts the cycle goroutine and waits for it to exit
func (s *Simulated) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Close stops the driver
func (s *Simulated) Close() error {
	return s.Stop()
}
