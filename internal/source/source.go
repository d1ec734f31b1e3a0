// Package source implements the storage targets captured data is flushed to.
//
// A WriteSource is deliberately narrow: it has a name, accepts chunks and can
// be closed. Audio and MIDI channels share the interface and are told apart
// by the Kind carried in each Chunk.
package source

import (
	"fmt"
	"strings"

	"gitlab.com/gomidi/midi/v2"
)

// Kind identifies the type of data a channel carries
type Kind int

const (
	Audio Kind = iota
	MIDI
)

func (k Kind) String() string {
	switch k {
	case Audio:
		return "audio"
	case MIDI:
		return "midi"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a configuration string into a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "audio":
		return Audio, nil
	case "midi":
		return MIDI, nil
	}
	return Audio, fmt.Errorf("unknown channel kind: %s", s)
}

// Mode selects how takes map onto storage
type Mode int

const (
	// NewFile allocates a fresh storage unit for every take.
	NewFile Mode = iota
	// Destructive keeps one long-lived storage unit per channel and writes
	// each take in place at its timeline position.
	Destructive
)

func (m Mode) String() string {
	if m == Destructive {
		return "destructive"
	}
	return "new-file"
}

// MidiEvent is a fixed-size short MIDI message. Time is a frame offset within
// the cycle on input and an absolute timeline sample once captured.
type MidiEvent struct {
	Time int64
	Size uint8
	Data [3]byte
}

// NewMidiEvent packs a short message. Messages longer than three bytes
// (sysex) cannot be carried and are rejected.
func NewMidiEvent(t int64, msg midi.Message) (MidiEvent, bool) {
	if len(msg) == 0 || len(msg) > 3 {
		return MidiEvent{}, false
	}
	ev := MidiEvent{Time: t, Size: uint8(len(msg))}
	copy(ev.Data[:], msg)
	return ev, true
}

// Message returns the event bytes as a gomidi message
func (e MidiEvent) Message() midi.Message {
	return midi.Message(e.Data[:e.Size])
}

// Chunk is one contiguous run of captured data. Start is the timeline sample
// of the first frame (audio) or the segment origin (MIDI). For MIDI, Offset is
// where Start falls within the source, so an event at Start+d is stored at
// Offset+d.
type Chunk struct {
	Kind   Kind
	Start  int64
	Offset int64
	Frames []float32
	Events []MidiEvent
}

// Len returns the number of frames or events in the chunk
func (c Chunk) Len() int {
	if c.Kind == MIDI {
		return len(c.Events)
	}
	return len(c.Frames)
}

// WriteSource is a storage target owned by the capture engine
type WriteSource interface {
	Name() string
	Append(c Chunk) error
	Close() error
}

// Request describes the storage a channel needs for its next take
type Request struct {
	Base    string
	Channel string
	Kind    Kind
	Mode    Mode
	Take    int
	// Name reuses an existing storage name. Only honoured in destructive mode.
	Name string
}
