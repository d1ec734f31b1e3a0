package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/takecapture/internal/audio"
	"github.com/audiolibrelab/takecapture/internal/capture"
	"github.com/audiolibrelab/takecapture/internal/config"
	"github.com/audiolibrelab/takecapture/internal/event"
)

func testConfig() *config.Config {
	return &config.Config{
		Audio: config.AudioConfig{
			SampleRate:   48000,
			Backend:      "simulated",
			PeriodFrames: 256,
		},
		Capture: config.CaptureConfig{
			BufferSeconds: 2,
			AlignChoice:   "automatic",
			FlushInterval: 20,
		},
		Channels: []config.Channel{
			{Name: "mic", Kind: "audio", Source: "system:capture_1", Physical: true},
			{Name: "keys", Kind: "midi", Source: "midi:0"},
		},
		Output: config.OutputConfig{
			Directory: "/takes",
			StateFile: "engine.yaml",
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_RecordTake(t *testing.T) {
	fs := afero.NewMemMapFs()
	sim := audio.NewSimulated(audio.DriverConfig{SampleRate: 48000, PeriodFrames: 256, AudioChannels: 1, MIDIChannels: 1})
	sim.ClickEvery = 1024
	defer sim.Close()

	svc, err := New(testConfig(), "", Options{Fs: fs, Driver: sim})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	recorded := make(chan struct{}, 1)
	svc.Bus().Subscribe(string(capture.EventSegmentFinalized), func(e event.Event) {
		select {
		case recorded <- struct{}{}:
		default:
		}
	})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	if st := svc.GetStatus(); st.Status != StatusStandby {
		t.Errorf("Expected STANDBY, got %s", st.Status)
	}

	if err := svc.ArmRecording("jam"); err != nil {
		t.Fatalf("Failed to arm: %v", err)
	}
	if st := svc.GetStatus(); st.Status != StatusReady || st.WriteSourceName != "jam" {
		t.Errorf("Expected READY with take name jam, got %s %q", st.Status, st.WriteSourceName)
	}

	if err := svc.Play(); err != nil {
		t.Fatalf("Failed to play: %v", err)
	}
	waitFor(t, "transport to roll", func() bool { return svc.GetStatus().Position >= 4800 })
	if st := svc.GetStatus(); st.Status != StatusRecording {
		t.Errorf("Expected RECORDING, got %s", st.Status)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	waitFor(t, "take to finalize", func() bool { return len(svc.Takes()) == 1 })

	select {
	case <-recorded:
	case <-time.After(time.Second):
		t.Error("Expected a segment finalized event on the bus")
	}

	take := svc.Takes()[0]
	if len(take.Segments) != 1 || take.Segments[0].Length <= 0 {
		t.Errorf("Unexpected take segments: %+v", take.Segments)
	}
	if len(take.Sources) != 2 {
		t.Fatalf("Expected 2 sources, got %v", take.Sources)
	}
	for _, name := range take.Sources {
		if !strings.HasPrefix(name, "jam-") {
			t.Errorf("Expected source name to start with jam-, got %s", name)
		}
		if ok, _ := afero.Exists(fs, filepath.Join("/takes", name)); !ok {
			t.Errorf("Expected %s to exist", name)
		}
	}
	if len(svc.Ledger()) != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", len(svc.Ledger()))
	}

	if err := svc.DisarmRecording(); err != nil {
		t.Fatalf("Failed to disarm: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	if ok, _ := afero.Exists(fs, "/takes/engine.yaml"); !ok {
		t.Fatal("Expected engine state to be saved on close")
	}

	// A new service on the same storage picks the saved take name back up
	again, err := New(testConfig(), "", Options{Fs: fs})
	if err != nil {
		t.Fatalf("Failed to recreate service: %v", err)
	}
	defer again.Close()
	if name := again.GetStatus().WriteSourceName; name != "jam" {
		t.Errorf("Expected restored take name jam, got %q", name)
	}
}

func TestService_RecordSafeBlocksArm(t *testing.T) {
	svc, err := New(testConfig(), "", Options{Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	defer svc.Close()

	if err := svc.SetRecordSafe(true); err != nil {
		t.Fatalf("Failed to set record safe: %v", err)
	}
	if err := svc.ArmRecording("x"); err == nil {
		t.Fatal("Expected arming a safe engine to fail")
	}

	st := svc.GetStatus()
	if st.Status != StatusError || st.LastError == "" {
		t.Errorf("Expected ERROR with a message, got %s %q", st.Status, st.LastError)
	}
	if st.RecordState != capture.StateSafe.String() {
		t.Errorf("Expected record state %s, got %s", capture.StateSafe, st.RecordState)
	}
}

func TestService_OverrunStopsTransport(t *testing.T) {
	cfg := testConfig()
	cfg.Channels = cfg.Channels[:1]
	// 0.01s of ring with no butler draining fills within a few cycles
	cfg.Capture.BufferSeconds = 0.01
	cfg.Capture.FlushInterval = 60000

	sim := audio.NewSimulated(audio.DriverConfig{SampleRate: 48000, PeriodFrames: 256, AudioChannels: 1})
	svc, err := New(cfg, "", Options{Fs: afero.NewMemMapFs(), Driver: sim})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	impl := svc.(*TakeCaptureService)

	// Drive cycles by hand with the pump running but no driver thread
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	impl.subscribe()
	go impl.engine.PumpEvents(ctx, impl.bus)

	if err := svc.ArmRecording("over"); err != nil {
		t.Fatalf("Failed to arm: %v", err)
	}
	if err := svc.Play(); err != nil {
		t.Fatalf("Failed to play: %v", err)
	}
	for i := 0; i < 8; i++ {
		sim.Step(impl.session)
	}

	waitFor(t, "overrun error", func() bool { return svc.GetLastError() != "" })
	if !strings.Contains(svc.GetLastError(), "overrun") {
		t.Errorf("Expected overrun error, got %q", svc.GetLastError())
	}

	// The queued stop is applied on the next cycle
	sim.Step(impl.session)
	if impl.session.Rolling() {
		t.Error("Expected the transport to stop after an overrun")
	}
}

func TestService_ConfigErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.AlignChoice = "sideways"
	if _, err := New(cfg, "", Options{Fs: afero.NewMemMapFs()}); err == nil {
		t.Error("Expected invalid align choice to be rejected")
	}

	cfg = testConfig()
	cfg.Audio.Backend = "jack"
	if _, err := New(cfg, "", Options{Fs: afero.NewMemMapFs()}); err == nil {
		t.Error("Expected unknown backend to be rejected")
	}
}
