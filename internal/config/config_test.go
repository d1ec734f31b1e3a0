package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	yes := true

	// Create base (default) config
	base := &Config{
		Audio: AudioConfig{
			SampleRate:   48000,
			Backend:      "portaudio",
			PeriodFrames: 256,
		},
		Capture: CaptureConfig{
			BufferSeconds: 10,
			AlignChoice:   "automatic",
			Destructive:   &yes,
		},
		Channels: []Channel{
			{Name: "guitar", Kind: "audio", Source: "system:capture_1", Physical: true},
			{Name: "mic", Kind: "audio", Source: "system:capture_2", Physical: true},
			{Name: "keys", Kind: "midi", Source: "midi:port_1"},
		},
		Output: OutputConfig{
			Directory: "~/Audio/Default",
			StateFile: "engine.yaml",
		},
	}

	// Profile only lists some channels and overrides some settings
	profile := &Config{
		Audio: AudioConfig{
			SampleRate: 44100,
		},
		Capture: CaptureConfig{
			AlignChoice: "capture_time",
		},
		Channels: []Channel{
			{Name: "guitar", Source: "scarlett:capture_1"}, // Override source, inherit kind
			{Name: "keys"},                                 // Inherit everything
		},
		Output: OutputConfig{
			Directory: "~/Audio/Studio",
		},
	}

	result := mergeConfigs(base, profile)

	// Should only have 2 channels (those listed in profile), not all 3 from base
	if len(result.Channels) != 2 {
		t.Fatalf("Expected 2 channels, got %d", len(result.Channels))
	}

	guitar := result.Channels[0]
	if guitar.Name != "guitar" || guitar.Source != "scarlett:capture_1" || guitar.Kind != "audio" || !guitar.Physical {
		t.Errorf("Guitar channel incorrect: got %+v", guitar)
	}

	keys := result.Channels[1]
	if keys.Name != "keys" || keys.Source != "midi:port_1" || keys.Kind != "midi" {
		t.Errorf("Keys channel incorrect: got %+v", keys)
	}

	if result.Audio.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", result.Audio.SampleRate)
	}
	if result.Audio.Backend != "portaudio" {
		t.Errorf("Expected backend 'portaudio', got %s", result.Audio.Backend)
	}
	if result.Capture.AlignChoice != "capture_time" {
		t.Errorf("Expected align choice 'capture_time', got %s", result.Capture.AlignChoice)
	}
	if !result.IsDestructive() {
		t.Error("Expected destructive to be inherited")
	}
	if result.Output.Directory != "~/Audio/Studio" || result.Output.StateFile != "engine.yaml" {
		t.Errorf("Unexpected output config: %+v", result.Output)
	}

	// Inheritance tracking
	if result.Inheritance == nil {
		t.Fatal("Expected inheritance info")
	}
	if result.Inheritance.Audio.SampleRate != "profile-specific" {
		t.Errorf("Expected sample rate to be profile-specific, got %s", result.Inheritance.Audio.SampleRate)
	}
	if result.Inheritance.Audio.Backend != "inherited" {
		t.Errorf("Expected backend to be inherited, got %s", result.Inheritance.Audio.Backend)
	}
	if result.Inheritance.Capture.Destructive != "inherited" {
		t.Errorf("Expected destructive to be inherited, got %s", result.Inheritance.Capture.Destructive)
	}
	if got := result.Inheritance.Channels["guitar"]; got.Source != "profile-specific" || got.Kind != "inherited" {
		t.Errorf("Unexpected guitar inheritance: %+v", got)
	}
	if got := result.Inheritance.Channels["keys"]; got.Source != "inherited" {
		t.Errorf("Unexpected keys inheritance: %+v", got)
	}
}

func TestMergeConfigs_ProfileOnly(t *testing.T) {
	profile := &Config{
		Channels: []Channel{{Name: "new", Source: "usb:capture_1"}},
	}

	result := mergeConfigs(nil, profile)

	if len(result.Channels) != 1 {
		t.Fatalf("Expected 1 channel, got %d", len(result.Channels))
	}
	if result.Channels[0].Kind != "audio" {
		t.Errorf("Expected kind to default to audio, got %s", result.Channels[0].Kind)
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := &Config{
		Audio:    AudioConfig{SampleRate: 48000},
		Channels: []Channel{{Name: "mic", Kind: "audio"}},
	}

	result := mergeConfigs(base, &Config{})

	if len(result.Channels) != 0 {
		t.Errorf("Expected no channels from empty profile, got %d", len(result.Channels))
	}
	if result.Audio.SampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", result.Audio.SampleRate)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Audio/TakeCapture", filepath.Join(homeDir, "Audio", "TakeCapture")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"}, // Should not expand bare tilde
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestPortIndex(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"system:capture_1", -1},
		{"scarlett:3", 3},
		{"USB Audio:hw:1:12", 12},
		{"plain", -1},
	}

	for _, test := range tests {
		if got := PortIndex(test.input); got != test.expected {
			t.Errorf("PortIndex(%q) = %d, expected %d", test.input, got, test.expected)
		}
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := &Config{
		Audio:   AudioConfig{SampleRate: 48000},
		Capture: CaptureConfig{BufferSeconds: 2.5},
		Channels: []Channel{
			{Name: "a", Kind: "audio"},
			{Name: "b", Kind: "MIDI"},
			{Name: "c", Kind: "audio"},
		},
		Output: OutputConfig{Directory: "/takes", StateFile: "engine.yaml"},
	}

	if cfg.BufferFrames() != 120000 {
		t.Errorf("Expected 120000 buffer frames, got %d", cfg.BufferFrames())
	}
	if cfg.AudioChannelCount() != 2 || cfg.MIDIChannelCount() != 1 {
		t.Errorf("Expected 2 audio and 1 midi channel, got %d and %d", cfg.AudioChannelCount(), cfg.MIDIChannelCount())
	}
	if cfg.StatePath() != "/takes/engine.yaml" {
		t.Errorf("Expected state path /takes/engine.yaml, got %s", cfg.StatePath())
	}
	cfg.Output.StateFile = "/var/lib/state.yaml"
	if cfg.StatePath() != "/var/lib/state.yaml" {
		t.Errorf("Expected absolute state path to be kept, got %s", cfg.StatePath())
	}
}

// Helper function to check if string contains substring
func containsSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestLoadWithProfile_DefaultsAndGlobals(t *testing.T) {
	configContent := `
active_config: studio
audio:
    backend: simulated
    output_latency: 512
capture:
    buffer_seconds: 4
definitions:
    channels:
        - id: guitar
          name: guitar
          kind: audio
          source: system:capture_1
          physical: true
        - id: keys
          name: keys
          kind: midi
configs:
    default:
        channels:
            - ref: guitar
    studio:
        audio:
            sample_rate: 44100
        capture:
            align_choice: capture_time
        channels:
            - ref: guitar
              source: scarlett:1
            - ref: keys
        output:
            directory: /profile/takes
`

	tmpfile, err := ioutil.TempFile("", "takecapture_test_*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temporary config file: %v", err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write to temporary config file: %v", err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temporary config file: %v", err)
	}

	cfg, err := LoadWithProfile(tmpfile.Name(), "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Audio.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100 from profile, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Backend != "simulated" {
		t.Errorf("Expected backend 'simulated' from root audio section, got %s", cfg.Audio.Backend)
	}
	if cfg.Audio.OutputLatency != 512 {
		t.Errorf("Expected output latency 512, got %d", cfg.Audio.OutputLatency)
	}
	if cfg.Audio.PeriodFrames != 256 {
		t.Errorf("Expected built-in period 256, got %d", cfg.Audio.PeriodFrames)
	}
	if cfg.Capture.BufferSeconds != 4 {
		t.Errorf("Expected buffer seconds 4, got %v", cfg.Capture.BufferSeconds)
	}
	if cfg.Capture.AlignChoice != "capture_time" {
		t.Errorf("Expected align choice 'capture_time', got %s", cfg.Capture.AlignChoice)
	}
	if cfg.Capture.FlushInterval != 250 {
		t.Errorf("Expected default flush interval 250, got %d", cfg.Capture.FlushInterval)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0].Source != "scarlett:1" || cfg.Channels[1].Kind != "midi" {
		t.Errorf("Unexpected channels: %+v", cfg.Channels)
	}
	if cfg.Output.Directory != "/profile/takes" {
		t.Errorf("Expected profile directory, got %s", cfg.Output.Directory)
	}
	if cfg.Output.StateFile != "engine.yaml" {
		t.Errorf("Expected default state file, got %s", cfg.Output.StateFile)
	}
}

func TestGlobalsRecordingsDirectory(t *testing.T) {
	configContent := `
active_config: test
globals:
    output:
        recordings_directory: /global/recordings
definitions:
    channels:
        - id: guitar
          name: guitar
          source: system:capture_1
configs:
    test:
        channels:
            - ref: guitar
        output:
            directory: /profile/recordings
            state_file: guitar.yaml
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	cfg, err := LoadWithProfile(configFile, "test")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	// Global recordings directory overrides profile directory
	expectedDir := "/global/recordings"
	if cfg.Output.Directory != expectedDir {
		t.Errorf("Expected directory '%s' from globals, got '%s'", expectedDir, cfg.Output.Directory)
	}

	// Other output settings still come from profile
	if cfg.Output.StateFile != "guitar.yaml" {
		t.Errorf("Expected state file 'guitar.yaml' from profile, got '%s'", cfg.Output.StateFile)
	}
}

func TestLoadWithProfile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		content string
		errText string
	}{
		{
			name:    "missing profile",
			profile: "nope",
			content: `
definitions:
    channels:
        - id: mic
          name: mic
configs:
    default:
        channels:
            - ref: mic
`,
			errText: "configuration profile 'nope' not found",
		},
		{
			name: "destructive with midi",
			content: `
definitions:
    channels:
        - id: keys
          name: keys
          kind: midi
configs:
    default:
        capture:
            destructive: true
        channels:
            - ref: keys
`,
			errText: "destructive cannot be used with midi",
		},
		{
			name: "bad align choice",
			content: `
definitions:
    channels:
        - id: mic
          name: mic
configs:
    default:
        capture:
            align_choice: sideways
        channels:
            - ref: mic
`,
			errText: "capture.align_choice",
		},
		{
			name: "no channels",
			content: `
definitions:
    channels:
        - id: mic
          name: mic
configs:
    default:
        output:
            directory: /tmp
`,
			errText: "at least one channel is required",
		},
		{
			name: "duplicate channel names",
			content: `
definitions:
    channels:
        - id: mic
          name: mic
        - id: mic2
          name: mic
configs:
    default:
        channels:
            - ref: mic
            - ref: mic2
`,
			errText: "duplicate name 'mic'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile := createTempConfig(t, tt.content)
			defer os.Remove(configFile)

			_, err := LoadWithProfile(configFile, tt.profile)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !containsSubstring(err.Error(), tt.errText) {
				t.Errorf("Expected error containing %q, got: %v", tt.errText, err)
			}
		})
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configContent := `
active_config: default
definitions:
    channels:
        - id: mic
          name: mic
configs:
    default:
        channels:
            - ref: mic
    live:
        channels:
            - ref: mic
`

	configFile := createTempConfig(t, configContent)
	defer os.Remove(configFile)

	if err := UpdateActiveConfig(configFile, "live"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if rootConfig.ActiveConfig != "live" {
		t.Errorf("Expected active config 'live', got '%s'", rootConfig.ActiveConfig)
	}

	if err := UpdateActiveConfig("", "live"); err == nil {
		t.Error("Expected error for missing config file")
	}
}
