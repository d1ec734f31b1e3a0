// Package session runs the transport that drives a capture engine. Process is
// the driver callback; control requests are queued and applied between cycles.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/audiolibrelab/takecapture/internal/capture"
)

// ErrQueueFull is returned when the transport cannot accept another request
var ErrQueueFull = errors.New("transport request queue is full")

type requestKind uint8

const (
	reqPlay requestKind = iota
	reqStop
	reqAbort
	reqLocate
	reqLoop
	reqPunch
	reqSpeed
)

type request struct {
	kind  requestKind
	a, b  capture.Sample
	on    bool
	speed float64
}

// StopNotice tells the flush side that the transport stopped
type StopNotice struct {
	Abort bool
}

// Options configures a Session
type Options struct {
	// OutputLatency is how far the audible sample trails the transport position
	OutputLatency capture.Sample
	// QueueSize is the capacity of the control request queue
	QueueSize int
	Logger    *slog.Logger
}

// Session owns the transport position and feeds cycles to the engine
type Session struct {
	engine   *capture.Engine
	logger   *slog.Logger
	requests chan request
	stops    chan StopNotice

	outputLatency capture.Sample

	// Realtime-owned
	pos       capture.Sample
	speed     float64
	rolling   bool
	loopOn    bool
	loopStart capture.Sample
	loopEnd   capture.Sample

	// Published for the control thread
	position  atomic.Int64
	isRolling atomic.Bool
	cycles    atomic.Uint64
}

// New creates a session around an engine
func New(engine *capture.Engine, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutputLatency < 0 {
		opts.OutputLatency = 0
	}

	engine.SetStopLatency(opts.OutputLatency)
	return &Session{
		engine:        engine,
		logger:        opts.Logger,
		requests:      make(chan request, opts.QueueSize),
		stops:         make(chan StopNotice, opts.QueueSize),
		outputLatency: opts.OutputLatency,
		speed:         1,
	}
}

// Engine returns the engine driven by the session
func (s *Session) Engine() *capture.Engine {
	return s.engine
}

// Stops delivers a notice for every processed transport stop
func (s *Session) Stops() <-chan StopNotice {
	return s.stops
}

// Position returns the transport position as of the last cycle
func (s *Session) Position() capture.Sample {
	return s.position.Load()
}

// Rolling reports whether the transport is moving
func (s *Session) Rolling() bool {
	return s.isRolling.Load()
}

// Cycles returns the number of processed cycles
func (s *Session) Cycles() uint64 {
	return s.cycles.Load()
}

// Play starts the transport
func (s *Session) Play() error {
	return s.send(request{kind: reqPlay})
}

// Stop halts the transport; the take in progress ends at the audible sample
func (s *Session) Stop() error {
	return s.send(request{kind: reqStop})
}

// Abort halts the transport and discards the take in progress
func (s *Session) Abort() error {
	return s.send(request{kind: reqAbort})
}

// Locate moves the transport to pos
func (s *Session) Locate(pos capture.Sample) error {
	if pos < 0 {
		return fmt.Errorf("invalid locate position %d", pos)
	}
	return s.send(request{kind: reqLocate, a: pos})
}

// SetLoop sets the loop range [start, end)
func (s *Session) SetLoop(start, end capture.Sample, on bool) error {
	if on && (start < 0 || end <= start) {
		return fmt.Errorf("invalid loop range [%d, %d)", start, end)
	}
	return s.send(request{kind: reqLoop, a: start, b: end, on: on})
}

// SetPunch sets the punch range [in, out)
func (s *Session) SetPunch(in, out capture.Sample, on bool) error {
	if on && out <= in {
		return fmt.Errorf("invalid punch range [%d, %d)", in, out)
	}
	return s.send(request{kind: reqPunch, a: in, b: out, on: on})
}

// SetSpeed changes the transport speed. Only forward motion captures.
func (s *Session) SetSpeed(speed float64) error {
	return s.send(request{kind: reqSpeed, speed: speed})
}

func (s *Session) send(r request) error {
	select {
	case s.requests <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// Process runs one cycle of nframes. It is the driver callback and must not
// block.
func (s *Session) Process(in *capture.CycleInput, nframes int) {
	s.applyRequests()
	defer s.cycles.Add(1)

	if !s.rolling {
		s.engine.Run(in, capture.Cycle{Pos: s.pos, Frames: nframes, Speed: 0})
		return
	}

	if s.loopOn && s.speed > 0 {
		pre, post := capture.SplitAtLoop(s.pos, nframes, s.loopEnd)
		if post > 0 {
			s.engine.Run(in, capture.Cycle{Pos: s.pos, Frames: pre, Speed: s.speed})
			s.wrap()
			s.engine.Run(in, capture.Cycle{Pos: s.pos, Frames: post, Speed: s.speed, Offset: pre})
			s.advance(post)
			return
		}
	}

	s.engine.Run(in, capture.Cycle{Pos: s.pos, Frames: nframes, Speed: s.speed})
	s.advance(nframes)
	if s.loopOn && s.speed > 0 && s.pos == s.loopEnd {
		s.wrap()
	}
}

func (s *Session) advance(n int) {
	step := capture.Sample(float64(n) * s.speed)
	s.pos += step
	if s.pos < 0 {
		s.pos = 0
	}
	s.position.Store(s.pos)
}

func (s *Session) wrap() {
	s.engine.TransportLooped(s.loopStart)
	s.pos = s.loopStart
	s.position.Store(s.pos)
}

func (s *Session) applyRequests() {
	for {
		select {
		case r := <-s.requests:
			s.apply(r)
		default:
			return
		}
	}
}

func (s *Session) apply(r request) {
	switch r.kind {
	case reqPlay:
		s.rolling = true
	case reqStop, reqAbort:
		if !s.rolling {
			return
		}
		audible := max(s.pos-s.outputLatency, 0)
		s.engine.PrepareToStop(s.pos, audible)
		s.engine.RealtimeHandleTransportStopped()
		s.rolling = false
		select {
		case s.stops <- StopNotice{Abort: r.kind == reqAbort}:
		default:
		}
	case reqLocate:
		s.engine.NonRealtimeLocate(r.a)
		s.pos = r.a
		s.position.Store(s.pos)
	case reqLoop:
		s.loopOn = r.on
		s.loopStart = r.a
		s.loopEnd = r.b
	case reqPunch:
		if err := s.engine.SetPunchRange(r.a, r.b, r.on); err != nil {
			s.engine.ReportError(err)
		}
	case reqSpeed:
		s.speed = r.speed
	}
	s.isRolling.Store(s.rolling)
}
