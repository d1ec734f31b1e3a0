package source

import (
	"fmt"

	"github.com/spf13/afero"
	"gitlab.com/gomidi/midi/v2/smf"
)

const (
	smfTicksPerQuarter = 960
	smfTempoBPM        = 120
)

// MidiFile collects captured events and writes them as a Standard MIDI File
// when closed. Event times are converted from samples to ticks at a fixed
// tempo so that one quarter note spans half a second.
type MidiFile struct {
	fs         afero.Fs
	path       string
	name       string
	sampleRate int

	// events hold source-relative times
	events []MidiEvent
	closed bool
}

func openMidiFile(fs afero.Fs, path, name string, sampleRate int) (*MidiFile, error) {
	// Create the file up front so that open failures surface before recording
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create midi file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to create midi file %s: %w", path, err)
	}

	return &MidiFile{
		fs:         fs,
		path:       path,
		name:       name,
		sampleRate: sampleRate,
	}, nil
}

// Name returns the file name of the source
func (m *MidiFile) Name() string {
	return m.name
}

// Events returns the number of events collected so far
func (m *MidiFile) Events() int {
	return len(m.events)
}

// Append stores a copy of the chunk's events, placed at c.Offset plus their
// distance from c.Start
func (m *MidiFile) Append(c Chunk) error {
	if c.Kind != MIDI {
		return fmt.Errorf("midi source %s cannot store %s data", m.name, c.Kind)
	}
	if m.closed {
		return fmt.Errorf("midi source %s is closed", m.name)
	}
	for _, ev := range c.Events {
		ev.Time = c.Offset + ev.Time - c.Start
		m.events = append(m.events, ev)
	}
	return nil
}

// Close encodes the collected events and writes the file
func (m *MidiFile) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(smfTicksPerQuarter)

	var tr smf.Track
	tr.Add(0, smf.MetaTempo(smfTempoBPM))

	var last int64
	for _, ev := range m.events {
		ticks := m.ticks(ev.Time)
		if ticks < last {
			ticks = last
		}
		tr.Add(uint32(ticks-last), ev.Message())
		last = ticks
	}
	tr.Close(0)

	if err := s.Add(tr); err != nil {
		return fmt.Errorf("failed to add track to %s: %w", m.name, err)
	}

	f, err := m.fs.Create(m.path)
	if err != nil {
		return fmt.Errorf("failed to write midi file %s: %w", m.path, err)
	}
	if _, err := s.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write midi file %s: %w", m.path, err)
	}
	return f.Close()
}

func (m *MidiFile) ticks(samples int64) int64 {
	if samples < 0 || m.sampleRate <= 0 {
		return 0
	}
	quartersPerSecond := int64(smfTempoBPM / 60)
	return samples * smfTicksPerQuarter * quartersPerSecond / int64(m.sampleRate)
}
