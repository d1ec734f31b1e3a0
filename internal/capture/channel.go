package capture

import (
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/takecapture/internal/source"
)

// ChannelConfig describes one input channel
type ChannelConfig struct {
	Name string
	Kind source.Kind
	// Physical marks inputs fed by hardware ports; used by automatic alignment
	Physical bool
}

// CycleInput carries the live signal for one cycle. Audio holds one buffer per
// audio channel and MIDI one event list per MIDI channel, in configuration
// order within each kind. MIDI event times are frame offsets into the buffer.
type CycleInput struct {
	Audio [][]float32
	MIDI  [][]source.MidiEvent
}

// Cycle locates one Run call: the frames [Offset, Offset+Frames) of the input
// buffers correspond to timeline samples [Pos, Pos+Frames).
type Cycle struct {
	Pos    Sample
	Frames int
	Speed  float64
	Offset int
}

type channelState struct {
	cfg   ChannelConfig
	id    int
	index int // position within in.Audio or in.MIDI

	audio *Ring[float32]
	midi  *Ring[source.MidiEvent]

	// Published by the realtime path for control-thread queries
	captureStart atomic.Int64
	captured     atomic.Int64

	// Owned by the flush path; guarded by Engine.ioMu
	src       source.WriteSource
	savedName string
	wrote     bool
	segActive bool
	segStart  Sample // capture start, in input timeline samples
	segPlace  Sample // where the segment sits on the timeline after alignment
	segBase   uint64
	srcOffset Sample // frames already stored in src by earlier segments
	frameBuf  []float32
	eventBuf  []source.MidiEvent
}

func (c *channelState) readSpace() int {
	if c.cfg.Kind == source.MIDI {
		return c.midi.ReadSpace()
	}
	return c.audio.ReadSpace()
}

func (c *channelState) capacity() int {
	if c.cfg.Kind == source.MIDI {
		return c.midi.Capacity()
	}
	return c.audio.Capacity()
}

func (c *channelState) written() uint64 {
	if c.cfg.Kind == source.MIDI {
		return c.midi.Written()
	}
	return c.audio.Written()
}

func (c *channelState) read() uint64 {
	if c.cfg.Kind == source.MIDI {
		return c.midi.Read()
	}
	return c.audio.Read()
}

func (c *channelState) skip(to uint64) {
	if r := c.read(); r < to {
		if c.cfg.Kind == source.MIDI {
			c.midi.Advance(int(to - r))
		} else {
			c.audio.Advance(int(to - r))
		}
	}
}

type markerKind uint8

const (
	markerStart markerKind = iota
	markerSegmentEnd
	markerTakeEnd
)

// marker is queued by the realtime path so the flush path can apply segment
// boundaries in cycle order. ends holds each channel's ring watermark at the
// moment the marker was queued; the slice is allocated with the channel set.
type marker struct {
	kind         markerKind
	newTake      bool
	captureStart Sample
	info         CaptureInfo
	discard      bool
	ends         []uint64
}

const markerQueueSize = 64

type channelSet struct {
	list    []*channelState
	nAudio  int
	nMIDI   int
	markers *Ring[marker]
}

func newChannelSet(cfgs []ChannelConfig, bufferFrames, midiEvents int) *channelSet {
	set := &channelSet{
		list:    make([]*channelState, 0, len(cfgs)),
		markers: NewRing[marker](markerQueueSize),
	}

	for i, cfg := range cfgs {
		ch := &channelState{cfg: cfg, id: i}
		if cfg.Kind == source.MIDI {
			ch.index = set.nMIDI
			ch.midi = NewRing[source.MidiEvent](midiEvents)
			set.nMIDI++
		} else {
			ch.index = set.nAudio
			ch.audio = NewRing[float32](bufferFrames)
			set.nAudio++
		}
		set.list = append(set.list, ch)
	}

	for i := range set.markers.buf {
		set.markers.buf[i].ends = make([]uint64, len(cfgs))
	}
	return set
}

const guiFeedSize = 256

// GUIEvent is a captured MIDI event mirrored for live display
type GUIEvent struct {
	Channel int
	Event   source.MidiEvent
}

// guiFeed mirrors freshly captured MIDI. The realtime path only ever
// TryLocks it and skips the mirror when the lock is busy.
type guiFeed struct {
	mu     sync.Mutex
	events [guiFeedSize]GUIEvent
	head   int
	n      int
}

func (g *guiFeed) push(ch int, ev source.MidiEvent) {
	g.events[g.head] = GUIEvent{Channel: ch, Event: ev}
	g.head = (g.head + 1) % guiFeedSize
	if g.n < guiFeedSize {
		g.n++
	}
}

// GUIFeed returns and clears the MIDI mirrored since the last call, oldest first
func (e *Engine) GUIFeed() []GUIEvent {
	e.gui.mu.Lock()
	defer e.gui.mu.Unlock()

	out := make([]GUIEvent, 0, e.gui.n)
	start := (e.gui.head - e.gui.n + guiFeedSize) % guiFeedSize
	for i := 0; i < e.gui.n; i++ {
		out = append(out, e.gui.events[(start+i)%guiFeedSize])
	}
	e.gui.n = 0
	return out
}
