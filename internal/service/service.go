package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"github.com/audiolibrelab/takecapture/internal/audio"
	"github.com/audiolibrelab/takecapture/internal/capture"
	"github.com/audiolibrelab/takecapture/internal/config"
	"github.com/audiolibrelab/takecapture/internal/event"
	"github.com/audiolibrelab/takecapture/internal/session"
	"github.com/audiolibrelab/takecapture/internal/source"
)

// Service represents the core TakeCapture service interface
type Service interface {
	// Lifecycle
	Start(ctx context.Context) error
	Close() error

	// Recording operations
	ArmRecording(takeName string) error
	DisarmRecording() error
	SetRecordSafe(yn bool) error
	NewTake() error

	// Transport operations
	Play() error
	Stop() error
	Abort() error
	Locate(pos int64) error
	SetLoop(start, end int64, on bool) error
	SetPunch(in, out int64, on bool) error

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config
	SaveState() error

	// Information operations
	GetStatus() Status
	Ledger() []capture.CaptureInfo
	Takes() []capture.Take
	MIDIActivity() []capture.GUIEvent
	GetLastError() string
	Bus() *event.Bus
}

// RecordingStatus represents the current recording state
type RecordingStatus string

const (
	StatusStandby   RecordingStatus = "STANDBY"
	StatusReady     RecordingStatus = "READY"
	StatusRecording RecordingStatus = "RECORDING"
	StatusError     RecordingStatus = "ERROR"
)

// Status is a snapshot of the engine and transport
type Status struct {
	Status          RecordingStatus `json:"status"`
	RecordState     string          `json:"record_state"`
	Rolling         bool            `json:"rolling"`
	Position        int64           `json:"position"`
	SampleRate      int             `json:"sample_rate"`
	WriteSourceName string          `json:"write_source_name"`
	Destructive     bool            `json:"destructive"`
	AlignmentStyle  string          `json:"alignment_style"`
	CaptureOffset   int64           `json:"capture_offset"`
	BufferLoad      float64         `json:"buffer_load"`
	CapturedLoops   int             `json:"captured_loops"`
	DroppedEvents   uint64          `json:"dropped_events"`
	Channels        []ChannelStatus `json:"channels"`
	LastError       string          `json:"last_error,omitempty"`
}

// ChannelStatus describes one capture channel
type ChannelStatus struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Source       string `json:"source"`
	CaptureStart int64  `json:"capture_start"`
	Captured     int64  `json:"captured"`
}

const stopTimeout = time.Second

// Options carries the dependencies a service is built from
type Options struct {
	// Fs is where takes and state are written; defaults to the OS filesystem
	Fs afero.Fs
	// Driver overrides the driver selected by the audio configuration
	Driver audio.Driver
	Logger *slog.Logger
}

// TakeCaptureService is the main service implementation
type TakeCaptureService struct {
	cfg        *config.Config
	configFile string
	fs         afero.Fs
	logger     *slog.Logger
	bus        *event.Bus

	mu       sync.Mutex
	engine   *capture.Engine
	session  *session.Session
	butler   *session.Butler
	driver   audio.Driver
	ownsDrv  bool
	subs     []string
	cancel   context.CancelFunc
	wg       *conc.WaitGroup
	started  bool
	override audio.Driver

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new TakeCapture service instance
func New(cfg *config.Config, configFile string, opts Options) (Service, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &TakeCaptureService{
		cfg:        cfg,
		configFile: configFile,
		fs:         opts.Fs,
		logger:     opts.Logger,
		bus:        event.NewBus(),
		override:   opts.Driver,
	}
	if err := s.build(); err != nil {
		return nil, err
	}
	return s, nil
}

// build wires engine, session, butler and driver from the current config
func (s *TakeCaptureService) build() error {
	cfg := s.cfg

	choice, err := capture.ParseAlignChoice(cfg.Capture.AlignChoice)
	if err != nil {
		return err
	}

	factory := source.NewFactory(s.fs, cfg.Output.Directory, cfg.Audio.SampleRate)
	engine, err := capture.New(capture.Options{
		Name:         "take",
		SampleRate:   cfg.Audio.SampleRate,
		BufferFrames: cfg.BufferFrames(),
		ChunkFrames:  cfg.Capture.ChunkFrames,
		Destructive:  cfg.IsDestructive(),
		KeepOnCancel: cfg.Capture.KeepOnCancel,
		AlignChoice:  choice,
		Sources:      factory,
		Logger:       s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create capture engine: %w", err)
	}

	chans := make([]capture.ChannelConfig, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		kind, err := source.ParseKind(ch.Kind)
		if err != nil {
			return err
		}
		chans = append(chans, capture.ChannelConfig{Name: ch.Name, Kind: kind, Physical: ch.Physical})
	}
	if err := engine.ConfigureIO(chans); err != nil {
		return fmt.Errorf("failed to configure channels: %w", err)
	}

	driver := s.override
	ownsDrv := false
	if driver == nil {
		driver, err = audio.NewDriver(audio.DriverConfig{
			Backend:       cfg.Audio.Backend,
			Device:        cfg.Audio.Device,
			SampleRate:    cfg.Audio.SampleRate,
			PeriodFrames:  cfg.Audio.PeriodFrames,
			AudioChannels: cfg.AudioChannelCount(),
			MIDIChannels:  cfg.MIDIChannelCount(),
		})
		if err != nil {
			return fmt.Errorf("failed to create audio driver: %w", err)
		}
		ownsDrv = true
	}

	offset := capture.Sample(cfg.Audio.InputLatency + cfg.Capture.ManualOffset)
	if pa, ok := driver.(*audio.PortAudio); ok && cfg.Audio.InputLatency == 0 {
		offset += pa.InputLatency()
	}
	engine.SetCaptureOffset(offset)

	s.restoreState(engine)

	sess := session.New(engine, session.Options{
		OutputLatency: capture.Sample(cfg.Audio.OutputLatency),
		Logger:        s.logger,
	})
	interval := time.Duration(cfg.Capture.FlushInterval) * time.Millisecond

	s.engine = engine
	s.session = sess
	s.butler = session.NewButler(sess, interval, s.logger)
	s.driver = driver
	s.ownsDrv = ownsDrv

	slog.Debug("Service built",
		"channels", len(chans),
		"backend", driver.Type(),
		"buffer_frames", cfg.BufferFrames(),
		"chunk_frames", engine.ChunkFrames(),
		"capture_offset", offset)
	return nil
}

// restoreState applies the persisted engine state when it matches the channels
func (s *TakeCaptureService) restoreState(engine *capture.Engine) {
	path := s.cfg.StatePath()
	st, err := capture.LoadState(s.fs, path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to load engine state", "path", path, "error", err)
		}
		return
	}
	if err := engine.SetState(st); err != nil {
		slog.Warn("Ignoring engine state", "path", path, "error", err)
		return
	}
	slog.Info("Restored engine state", "path", path, "write_source_name", st.WriteSourceName)
}

// Start runs the butler, the event pump and the driver until Close
func (s *TakeCaptureService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *TakeCaptureService) startLocked(ctx context.Context) error {
	if s.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	wg := conc.NewWaitGroup()

	s.subscribe()

	engine, butler := s.engine, s.butler
	wg.Go(func() { engine.PumpEvents(ctx, s.bus) })
	wg.Go(func() {
		if err := butler.Run(ctx); err != nil {
			s.setLastError(fmt.Sprintf("Final flush failed: %v", err))
		}
	})

	if err := s.driver.Start(ctx, s.session); err != nil {
		cancel()
		wg.Wait()
		s.unsubscribe()
		return fmt.Errorf("failed to start audio driver: %w", err)
	}

	s.cancel = cancel
	s.wg = wg
	s.started = true
	slog.Info("Capture service started", "backend", s.driver.Type(), "sample_rate", s.driver.SampleRate(), "period", s.driver.PeriodFrames())
	return nil
}

// subscribe routes engine failures into the error state
func (s *TakeCaptureService) subscribe() {
	s.subs = append(s.subs,
		s.bus.Subscribe(string(capture.EventOverrun), func(e event.Event) {
			// A dropped cycle leaves a hole in the take, so the transport stops
			if err := s.session.Stop(); err != nil {
				slog.Warn("Failed to stop transport after overrun", "error", err)
			}
			s.setLastError("Capture overrun: transport stopped")
		}),
		s.bus.Subscribe(string(capture.EventWriteFailed), func(e event.Event) {
			if ev, ok := e.(capture.Event); ok && ev.Err != nil {
				s.setLastError(fmt.Sprintf("Write failed: %v", ev.Err))
			}
		}),
		s.bus.Subscribe(string(capture.EventError), func(e event.Event) {
			if ev, ok := e.(capture.Event); ok && ev.Err != nil {
				s.setLastError(ev.Err.Error())
			}
		}),
	)
}

func (s *TakeCaptureService) unsubscribe() {
	for _, id := range s.subs {
		s.bus.Unsubscribe(id)
	}
	s.subs = nil
}

// Close stops the driver, flushes what is left and saves the engine state
func (s *TakeCaptureService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *TakeCaptureService) closeLocked() error {
	if s.started {
		s.stopTransport()
		if err := s.driver.Stop(); err != nil {
			slog.Warn("Failed to stop audio driver", "error", err)
		}
		s.cancel()
		s.wg.Wait()
		s.unsubscribe()
		s.started = false
	}

	if err := s.engine.TransportStoppedWallclock(time.Now(), false); err != nil {
		slog.Warn("Failed to finalize takes on close", "error", err)
	}
	if err := s.engine.SetRecordEnabled(false); err != nil {
		slog.Warn("Failed to disengage recording on close", "error", err)
	}
	if err := s.saveStateLocked(); err != nil {
		slog.Warn("Failed to save engine state", "error", err)
	}

	if s.ownsDrv {
		s.ownsDrv = false
		if err := s.driver.Close(); err != nil {
			return fmt.Errorf("failed to close audio driver: %w", err)
		}
	}
	return nil
}

// stopTransport asks the session to stop and waits for the driver to apply it
func (s *TakeCaptureService) stopTransport() {
	if !s.session.Rolling() {
		return
	}
	if err := s.session.Stop(); err != nil {
		slog.Warn("Failed to stop transport", "error", err)
		return
	}
	deadline := time.Now().Add(stopTimeout)
	for s.session.Rolling() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

// ArmRecording names the next take and engages record-enable (STANDBY -> READY)
func (s *TakeCaptureService) ArmRecording(takeName string) error {
	slog.Debug("Service.ArmRecording called", "take_name", takeName)
	s.clearLastError()

	engine := s.currentEngine()
	if takeName != "" && takeName != engine.WriteSourceName() {
		if err := engine.SetWriteSourceName(takeName); err != nil {
			s.setLastError(fmt.Sprintf("Failed to name take: %v", err))
			return err
		}
	}
	if err := engine.PrepRecordEnable(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to arm recording: %v", err))
		return err
	}
	if err := engine.SetRecordEnabled(true); err != nil {
		s.setLastError(fmt.Sprintf("Failed to arm recording: %v", err))
		return err
	}
	slog.Debug("Service.ArmRecording completed successfully")
	return nil
}

// DisarmRecording disengages record-enable
func (s *TakeCaptureService) DisarmRecording() error {
	engine := s.currentEngine()
	if err := engine.PrepRecordDisable(); err != nil {
		return err
	}
	return engine.SetRecordEnabled(false)
}

// SetRecordSafe protects the channels from being armed
func (s *TakeCaptureService) SetRecordSafe(yn bool) error {
	return s.currentEngine().SetRecordSafe(yn)
}

// NewTake moves unused sources to a fresh take name
func (s *TakeCaptureService) NewTake() error {
	return s.currentEngine().ResetWriteSources(false, true)
}

// Play starts the transport
func (s *TakeCaptureService) Play() error {
	return s.transportErr(s.currentSession().Play())
}

// Stop stops the transport and keeps the take
func (s *TakeCaptureService) Stop() error {
	return s.transportErr(s.currentSession().Stop())
}

// Abort stops the transport and discards the take
func (s *TakeCaptureService) Abort() error {
	return s.transportErr(s.currentSession().Abort())
}

// Locate moves the transport
func (s *TakeCaptureService) Locate(pos int64) error {
	return s.transportErr(s.currentSession().Locate(capture.Sample(pos)))
}

// SetLoop sets the loop range
func (s *TakeCaptureService) SetLoop(start, end int64, on bool) error {
	return s.transportErr(s.currentSession().SetLoop(capture.Sample(start), capture.Sample(end), on))
}

// SetPunch sets the punch range
func (s *TakeCaptureService) SetPunch(in, out int64, on bool) error {
	return s.transportErr(s.currentSession().SetPunch(capture.Sample(in), capture.Sample(out), on))
}

func (s *TakeCaptureService) transportErr(err error) error {
	if err != nil {
		s.setLastError(fmt.Sprintf("Transport request failed: %v", err))
	}
	return err
}

// LoadProfile loads a new configuration profile and rebuilds the engine
func (s *TakeCaptureService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine.RecordEnabled() {
		return fmt.Errorf("%w: disarm recording before loading a profile", capture.ErrInvalidTransition)
	}

	wasStarted := s.started
	if err := s.closeLocked(); err != nil {
		return err
	}

	s.cfg = newCfg
	if err := s.build(); err != nil {
		return err
	}
	if !wasStarted {
		return nil
	}
	return s.startLocked(context.Background())
}

// GetConfig returns the current configuration
func (s *TakeCaptureService) GetConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SaveState persists the engine state next to the takes
func (s *TakeCaptureService) SaveState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveStateLocked()
}

func (s *TakeCaptureService) saveStateLocked() error {
	path := s.cfg.StatePath()
	if err := capture.SaveState(s.fs, path, s.engine.State()); err != nil {
		return err
	}
	slog.Debug("Saved engine state", "path", path)
	return nil
}

// GetStatus returns the current recording status snapshot
func (s *TakeCaptureService) GetStatus() Status {
	s.mu.Lock()
	engine, sess, cfg := s.engine, s.session, s.cfg
	s.mu.Unlock()

	st := Status{
		RecordState:     engine.RecordState().String(),
		Rolling:         sess.Rolling(),
		Position:        int64(sess.Position()),
		SampleRate:      engine.SampleRate(),
		WriteSourceName: engine.WriteSourceName(),
		Destructive:     engine.Destructive(),
		AlignmentStyle:  engine.AlignmentStyle().String(),
		CaptureOffset:   int64(engine.CaptureOffset()),
		BufferLoad:      engine.BufferLoad(),
		CapturedLoops:   engine.NumCapturedLoops(),
		DroppedEvents:   engine.DroppedEvents(),
		LastError:       s.GetLastError(),
	}

	switch {
	case st.LastError != "":
		st.Status = StatusError
	case engine.RecordEnabled() && st.Rolling:
		st.Status = StatusRecording
	case engine.RecordEnabled():
		st.Status = StatusReady
	default:
		st.Status = StatusStandby
	}

	for i, ch := range engine.Channels() {
		cs := ChannelStatus{
			Name:         ch.Name,
			Kind:         ch.Kind.String(),
			CaptureStart: int64(engine.CaptureStartSample(i)),
			Captured:     int64(engine.CapturedSamples(i)),
		}
		if i < len(cfg.Channels) {
			cs.Source = cfg.Channels[i].Source
		}
		st.Channels = append(st.Channels, cs)
	}
	return st
}

// Ledger returns the finalized segments in capture order
func (s *TakeCaptureService) Ledger() []capture.CaptureInfo {
	return s.currentEngine().Ledger().Entries()
}

// Takes returns the finalized takes
func (s *TakeCaptureService) Takes() []capture.Take {
	return s.currentEngine().Takes()
}

// MIDIActivity returns the MIDI events captured since the last call
func (s *TakeCaptureService) MIDIActivity() []capture.GUIEvent {
	return s.currentEngine().GUIFeed()
}

// Bus returns the bus engine events are published on
func (s *TakeCaptureService) Bus() *event.Bus {
	return s.bus
}

func (s *TakeCaptureService) currentEngine() *capture.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *TakeCaptureService) currentSession() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// GetLastError returns the last error message (thread-safe)
func (s *TakeCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *TakeCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *TakeCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
