package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/takecapture/internal/source"
)

// SourceOpener creates and removes write sources. source.Factory is the
// production implementation.
type SourceOpener interface {
	Open(req source.Request) (source.WriteSource, error)
	Remove(name string) error
}

// Options configures an Engine
type Options struct {
	Name       string
	SampleRate int
	// BufferFrames is the ring capacity per audio channel
	BufferFrames int
	// MIDIBufferEvents is the ring capacity per MIDI channel
	MIDIBufferEvents int
	// ChunkFrames is the flush unit; 0 derives it from BufferFrames
	ChunkFrames   int
	Destructive   bool
	NotRecordable bool
	// KeepOnCancel keeps unflushed frames when a take ends by disengage or
	// locate instead of discarding them
	KeepOnCancel bool
	AlignChoice  AlignChoice
	Sources      SourceOpener
	Logger       *slog.Logger
	// EventQueue is the capacity of the notification queue
	EventQueue int
	// FlushWorkers bounds the goroutines draining channels in parallel
	FlushWorkers int
}

const (
	defaultBufferFrames     = 48000 * 10
	defaultMIDIBufferEvents = 4096
	defaultEventQueue       = 1024
	minChunkFrames          = 256
	maxChunkFrames          = 65536
)

// DefaultChunkFrames derives the flush unit from the ring capacity
func DefaultChunkFrames(bufferFrames int) int {
	n := bufferFrames / 4
	if n < minChunkFrames {
		n = minChunkFrames
	}
	if n > maxChunkFrames {
		n = maxChunkFrames
	}
	return n
}

// Engine moves live input from the realtime path to write sources.
//
// Three kinds of caller touch it: the control thread (configuration,
// record-enable, queries), the realtime path (Run and the Realtime*/Transport*
// handlers, all from the driver callback goroutine) and the flush path
// (Flush, from the butler). Realtime-owned fields below carry no lock.
type Engine struct {
	name         string
	sampleRate   int
	recordable   bool
	keepOnCancel bool
	workers      int
	opener       SourceOpener
	logger       *slog.Logger

	flags         recordFlags
	alignStyle    atomic.Int32
	alignChoice   atomic.Int32
	captureOffset atomic.Int64
	chunkFrames   atomic.Int64
	destructive   atomic.Bool
	holdback      atomic.Int64
	punchIn       atomic.Int64
	punchOut      atomic.Int64
	punchOn       atomic.Bool
	takeHalted    atomic.Bool

	chans atomic.Pointer[channelSet]

	// Realtime-owned take bookkeeping
	window       Window
	windowArmed  bool
	windowClosed bool
	segmentOpen  bool
	segPlace     Sample // timeline start of the open segment after alignment
	captureStart atomic.Int64
	captured     atomic.Int64
	loops        atomic.Int32

	events        chan Event
	droppedEvents atomic.Uint64
	flushReq      chan struct{}
	gui           guiFeed
	ledger        Ledger

	// ctlMu serializes control-thread operations
	ctlMu        sync.Mutex
	cfgs         []ChannelConfig
	bufferFrames int
	midiEvents   int

	// ioMu guards the flush path and the write-source lifecycle
	ioMu            sync.Mutex
	writeSourceName string
	takeNum         int
	curTake         *Take
	takes           []Take
	lastCapture     []string
}

// New creates an Engine. Channels are configured separately with ConfigureIO.
func New(opts Options) (*Engine, error) {
	if opts.Sources == nil {
		return nil, fmt.Errorf("%w: no source opener", ErrConfiguration)
	}
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrConfiguration, opts.SampleRate)
	}
	if opts.BufferFrames <= 0 {
		opts.BufferFrames = defaultBufferFrames
	}
	if opts.MIDIBufferEvents <= 0 {
		opts.MIDIBufferEvents = defaultMIDIBufferEvents
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = defaultEventQueue
	}
	if opts.FlushWorkers <= 0 {
		opts.FlushWorkers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		name:            opts.Name,
		sampleRate:      opts.SampleRate,
		recordable:      !opts.NotRecordable,
		keepOnCancel:    opts.KeepOnCancel,
		workers:         opts.FlushWorkers,
		opener:          opts.Sources,
		logger:          opts.Logger.With("engine", opts.Name),
		events:          make(chan Event, opts.EventQueue),
		flushReq:        make(chan struct{}, 1),
		bufferFrames:    opts.BufferFrames,
		midiEvents:      opts.MIDIBufferEvents,
		writeSourceName: opts.Name,
	}
	e.destructive.Store(opts.Destructive)
	e.alignChoice.Store(int32(opts.AlignChoice))
	if opts.AlignChoice == UseCaptureTime {
		e.alignStyle.Store(int32(AlignCaptureTime))
	}

	chunk := opts.ChunkFrames
	if chunk <= 0 {
		chunk = DefaultChunkFrames(opts.BufferFrames)
	}
	if err := e.SetChunkFrames(chunk); err != nil {
		return nil, err
	}
	return e, nil
}

// Name returns the engine name
func (e *Engine) Name() string {
	return e.name
}

// SampleRate returns the sample rate the engine was created with
func (e *Engine) SampleRate() int {
	return e.sampleRate
}

// ConfigureIO replaces the channel set. It allocates the rings, so it must
// not be called while a take is in progress.
func (e *Engine) ConfigureIO(cfgs []ChannelConfig) error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if len(cfgs) == 0 {
		return fmt.Errorf("%w: no channels", ErrConfiguration)
	}
	seen := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if c.Name == "" {
			return fmt.Errorf("%w: channel without a name", ErrConfiguration)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate channel %q", ErrConfiguration, c.Name)
		}
		seen[c.Name] = true
	}

	e.cfgs = append([]ChannelConfig(nil), cfgs...)
	if err := e.rebuildLocked(); err != nil {
		return err
	}

	if e.AlignmentChoice() == Automatic {
		e.setAlignStyleFromIO()
	}
	e.logger.Debug("Configured channels", "count", len(cfgs))
	return nil
}

// AdjustBuffering reallocates the rings with a new capacity per audio channel
func (e *Engine) AdjustBuffering(bufferFrames int) error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if bufferFrames <= 0 {
		return fmt.Errorf("%w: invalid buffer size %d", ErrConfiguration, bufferFrames)
	}
	e.bufferFrames = bufferFrames
	if e.cfgs == nil {
		return nil
	}
	return e.rebuildLocked()
}

func (e *Engine) rebuildLocked() error {
	if e.flags.wasRecording.Load() {
		return fmt.Errorf("%w: channels cannot change while recording", ErrInvalidTransition)
	}

	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	var err error
	old := e.chans.Load()
	if old != nil {
		err = e.closeSourcesLocked(old, false)
	}

	set := newChannelSet(e.cfgs, e.bufferFrames, e.midiEvents)
	if old != nil {
		byName := make(map[string]*channelState, len(old.list))
		for _, ch := range old.list {
			byName[ch.cfg.Name] = ch
		}
		for _, ch := range set.list {
			if prev, ok := byName[ch.cfg.Name]; ok {
				ch.savedName = prev.savedName
			}
		}
	}
	e.chans.Store(set)
	return err
}

// Channels returns the configured channels
func (e *Engine) Channels() []ChannelConfig {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()
	return append([]ChannelConfig(nil), e.cfgs...)
}

// ChunkFrames returns the flush unit in frames
func (e *Engine) ChunkFrames() int {
	return int(e.chunkFrames.Load())
}

// SetChunkFrames changes the flush unit
func (e *Engine) SetChunkFrames(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: invalid chunk size %d", ErrConfiguration, n)
	}
	e.chunkFrames.Store(int64(n))
	return nil
}

// SetStopLatency sets how many of the most recent frames a non-forced flush
// leaves in the rings so a stop can still truncate them at the audible sample.
func (e *Engine) SetStopLatency(n Sample) {
	if n < 0 {
		n = 0
	}
	e.holdback.Store(n)
}

// SetPunchRange restricts capture to [in, out) when on is true. It takes
// effect when the window is next armed.
func (e *Engine) SetPunchRange(in, out Sample, on bool) error {
	if on && out <= in {
		return fmt.Errorf("%w: punch range [%d, %d) is empty", ErrConfiguration, in, out)
	}
	e.punchIn.Store(in)
	e.punchOut.Store(out)
	e.punchOn.Store(on)
	return nil
}

// BufferLoad reports the occupancy of the fullest ring as a fraction
func (e *Engine) BufferLoad() float64 {
	set := e.chans.Load()
	if set == nil {
		return 0
	}

	load := 0.0
	for _, ch := range set.list {
		if l := float64(ch.readSpace()) / float64(ch.capacity()); l > load {
			load = l
		}
	}
	return load
}

// FlushRequests signals when the realtime path wants the rings drained
func (e *Engine) FlushRequests() <-chan struct{} {
	return e.flushReq
}

func (e *Engine) requestFlush() {
	select {
	case e.flushReq <- struct{}{}:
	default:
	}
}

// CurrentCaptureStart returns the first captured sample of the current segment
func (e *Engine) CurrentCaptureStart() Sample {
	return e.captureStart.Load()
}

// CurrentCaptureEnd returns the sample after the last captured frame
func (e *Engine) CurrentCaptureEnd() Sample {
	return e.captureStart.Load() + e.captured.Load()
}

// CaptureStartSample returns the capture start of channel n
func (e *Engine) CaptureStartSample(n int) Sample {
	if ch := e.channel(n); ch != nil {
		return ch.captureStart.Load()
	}
	return 0
}

// CapturedSamples returns how many frames channel n captured in the current segment
func (e *Engine) CapturedSamples(n int) Sample {
	if ch := e.channel(n); ch != nil {
		return ch.captured.Load()
	}
	return 0
}

// NumCapturedLoops returns the loop wraps seen by the current take
func (e *Engine) NumCapturedLoops() int {
	return int(e.loops.Load())
}

// Ledger returns the capture ledger
func (e *Engine) Ledger() *Ledger {
	return &e.ledger
}

func (e *Engine) channel(n int) *channelState {
	set := e.chans.Load()
	if set == nil || n < 0 || n >= len(set.list) {
		return nil
	}
	return set.list[n]
}
