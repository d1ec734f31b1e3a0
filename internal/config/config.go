package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type DefinitionsConfig struct {
	Channels []ChannelDefinition `mapstructure:"channels" yaml:"channels"`
}

type ChannelDefinition struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Name     string `mapstructure:"name" yaml:"name"`
	Kind     string `mapstructure:"kind" yaml:"kind"`
	Source   string `mapstructure:"source" yaml:"source"`
	Physical bool   `mapstructure:"physical" yaml:"physical"`
}

type ChannelReference struct {
	Ref      string  `mapstructure:"ref" yaml:"ref"`
	Source   *string `mapstructure:"source,omitempty" yaml:"source,omitempty"`
	Physical *bool   `mapstructure:"physical,omitempty" yaml:"physical,omitempty"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Audio        *AudioConfig              `mapstructure:"audio,omitempty" yaml:"audio,omitempty"`
	Capture      *CaptureConfig            `mapstructure:"capture,omitempty" yaml:"capture,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Audio    AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Capture  CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Channels []Channel     `mapstructure:"channels" yaml:"channels"`
	Output   OutputConfig  `mapstructure:"output" yaml:"output"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Audio    AudioConfig        `mapstructure:"audio" yaml:"audio"`
	Capture  CaptureConfig      `mapstructure:"capture" yaml:"capture"`
	Channels []ChannelReference `mapstructure:"channels" yaml:"channels"`
	Output   OutputConfig       `mapstructure:"output" yaml:"output"`
}

type InheritanceInfo struct {
	Audio struct {
		SampleRate   string // "inherited" or "profile-specific"
		Backend      string
		PeriodFrames string
	}
	Capture struct {
		AlignChoice string
		Destructive string
	}
	Channels map[string]struct {
		Source   string // "inherited" or "profile-specific"
		Kind     string
		Physical string
	}
	Output struct {
		Directory string
	}
}

type AudioConfig struct {
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Backend      string `mapstructure:"backend" yaml:"backend"` // "portaudio", "simulated", "auto"
	Device       string `mapstructure:"device" yaml:"device"`
	PeriodFrames int    `mapstructure:"period_frames" yaml:"period_frames"`
	// Latencies in frames
	OutputLatency int `mapstructure:"output_latency" yaml:"output_latency"`
	InputLatency  int `mapstructure:"input_latency" yaml:"input_latency"`
}

type CaptureConfig struct {
	BufferSeconds float64 `mapstructure:"buffer_seconds" yaml:"buffer_seconds"`
	ChunkFrames   int     `mapstructure:"chunk_frames" yaml:"chunk_frames"`
	Destructive   *bool   `mapstructure:"destructive,omitempty" yaml:"destructive,omitempty"`
	AlignChoice   string  `mapstructure:"align_choice" yaml:"align_choice"` // "automatic", "existing_material", "capture_time"
	ManualOffset  int     `mapstructure:"manual_offset" yaml:"manual_offset"`
	KeepOnCancel  bool    `mapstructure:"keep_on_cancel" yaml:"keep_on_cancel"`
	FlushInterval int     `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms"`
}

type Channel struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Kind     string `mapstructure:"kind" yaml:"kind"`     // "audio" (default), "midi"
	Source   string `mapstructure:"source" yaml:"source"` // device:port, informational for portaudio
	Physical bool   `mapstructure:"physical" yaml:"physical"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	// StateFile holds the persisted engine state; relative to Directory
	StateFile string `mapstructure:"state_file" yaml:"state_file"`
}

var defaultConfig = Config{
	Audio: AudioConfig{
		SampleRate:   48000,
		Backend:      "auto",
		PeriodFrames: 256,
	},
	Capture: CaptureConfig{
		BufferSeconds: 10,
		AlignChoice:   "automatic",
		FlushInterval: 250,
	},
	Channels: []Channel{
		{Name: "mic", Kind: "audio", Source: "system:capture_1", Physical: true},
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "TakeCapture"),
		StateFile: "engine.yaml",
	},
}

// Default returns a copy of the built-in configuration
func Default() *Config {
	cfg := defaultConfig
	cfg.Channels = append([]Channel(nil), defaultConfig.Channels...)
	return &cfg
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	// Get the requested config profile
	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	// Convert profile to Config by resolving references
	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			defaultConfig, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(defaultConfig, selectedConfig)
		}
	}

	// Root audio and capture sections fill whatever the profiles left unset
	base := &Config{}
	if rootConfig.Audio != nil {
		base.Audio = *rootConfig.Audio
	}
	if rootConfig.Capture != nil {
		base.Capture = *rootConfig.Capture
	}
	mergeGlobals(&selectedConfig.Audio, &selectedConfig.Capture, base)
	mergeGlobals(&selectedConfig.Audio, &selectedConfig.Capture, &defaultConfig)

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
	}
	if selectedConfig.Output.Directory == "" {
		selectedConfig.Output.Directory = defaultConfig.Output.Directory
	}
	if selectedConfig.Output.StateFile == "" {
		selectedConfig.Output.StateFile = defaultConfig.Output.StateFile
	}

	// Expand tilde in output directories
	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

func mergeGlobals(audio *AudioConfig, capture *CaptureConfig, base *Config) {
	if audio.SampleRate == 0 {
		audio.SampleRate = base.Audio.SampleRate
	}
	if audio.Backend == "" {
		audio.Backend = base.Audio.Backend
	}
	if audio.Device == "" {
		audio.Device = base.Audio.Device
	}
	if audio.PeriodFrames == 0 {
		audio.PeriodFrames = base.Audio.PeriodFrames
	}
	if audio.OutputLatency == 0 {
		audio.OutputLatency = base.Audio.OutputLatency
	}
	if audio.InputLatency == 0 {
		audio.InputLatency = base.Audio.InputLatency
	}

	if capture.BufferSeconds == 0 {
		capture.BufferSeconds = base.Capture.BufferSeconds
	}
	if capture.ChunkFrames == 0 {
		capture.ChunkFrames = base.Capture.ChunkFrames
	}
	if capture.Destructive == nil {
		capture.Destructive = base.Capture.Destructive
	}
	if capture.AlignChoice == "" {
		capture.AlignChoice = base.Capture.AlignChoice
	}
	if capture.ManualOffset == 0 {
		capture.ManualOffset = base.Capture.ManualOffset
	}
	if !capture.KeepOnCancel {
		capture.KeepOnCancel = base.Capture.KeepOnCancel
	}
	if capture.FlushInterval == 0 {
		capture.FlushInterval = base.Capture.FlushInterval
	}
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	// Read current config
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving channel references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Audio:   profile.Audio,
		Capture: profile.Capture,
		Output:  profile.Output,
	}

	// Resolve channel references
	for i, chRef := range profile.Channels {
		if chRef.Ref == "" {
			return nil, fmt.Errorf("channel[%d]: 'ref' is required", i)
		}

		// Find the channel definition
		var definition *ChannelDefinition
		if definitions != nil {
			for _, def := range definitions.Channels {
				if def.ID == chRef.Ref {
					definition = &def
					break
				}
			}
		}

		if definition == nil {
			return nil, fmt.Errorf("channel[%d]: reference '%s' not found in definitions", i, chRef.Ref)
		}

		channel := Channel{
			Name:     definition.Name,
			Kind:     definition.Kind,
			Source:   definition.Source,
			Physical: definition.Physical,
		}

		// Apply overrides
		if chRef.Source != nil {
			channel.Source = *chRef.Source
		}
		if chRef.Physical != nil {
			channel.Physical = *chRef.Physical
		}

		config.Channels = append(config.Channels, channel)
	}

	return config, nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Channels: Only record the channels explicitly listed in the profile's channels section
// - For listed channels missing source/kind, inherit from default channel with same name
// - For all other settings (audio, capture, output), use profile value or fallback to default
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}

	result.Inheritance = &InheritanceInfo{
		Channels: make(map[string]struct {
			Source   string
			Kind     string
			Physical string
		}),
	}

	// Start with base config for all non-channel settings
	if base != nil {
		result.Audio = base.Audio
		result.Capture = base.Capture
		result.Output = base.Output

		result.Inheritance.Audio.SampleRate = "inherited"
		result.Inheritance.Audio.Backend = "inherited"
		result.Inheritance.Audio.PeriodFrames = "inherited"
		result.Inheritance.Capture.AlignChoice = "inherited"
		result.Inheritance.Capture.Destructive = "inherited"
		result.Inheritance.Output.Directory = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
		result.Inheritance.Audio.SampleRate = "profile-specific"
	}
	if profile.Audio.Backend != "" {
		result.Audio.Backend = profile.Audio.Backend
		result.Inheritance.Audio.Backend = "profile-specific"
	}
	if profile.Audio.PeriodFrames != 0 {
		result.Audio.PeriodFrames = profile.Audio.PeriodFrames
		result.Inheritance.Audio.PeriodFrames = "profile-specific"
	}
	if profile.Audio.Device != "" {
		result.Audio.Device = profile.Audio.Device
	}
	if profile.Audio.OutputLatency != 0 {
		result.Audio.OutputLatency = profile.Audio.OutputLatency
	}
	if profile.Audio.InputLatency != 0 {
		result.Audio.InputLatency = profile.Audio.InputLatency
	}

	if profile.Capture.AlignChoice != "" {
		result.Capture.AlignChoice = profile.Capture.AlignChoice
		result.Inheritance.Capture.AlignChoice = "profile-specific"
	}
	if profile.Capture.Destructive != nil {
		result.Capture.Destructive = profile.Capture.Destructive
		result.Inheritance.Capture.Destructive = "profile-specific"
	}
	if profile.Capture.BufferSeconds != 0 {
		result.Capture.BufferSeconds = profile.Capture.BufferSeconds
	}
	if profile.Capture.ChunkFrames != 0 {
		result.Capture.ChunkFrames = profile.Capture.ChunkFrames
	}
	if profile.Capture.ManualOffset != 0 {
		result.Capture.ManualOffset = profile.Capture.ManualOffset
	}
	if profile.Capture.KeepOnCancel {
		result.Capture.KeepOnCancel = true
	}
	if profile.Capture.FlushInterval != 0 {
		result.Capture.FlushInterval = profile.Capture.FlushInterval
	}

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = "profile-specific"
	}
	if profile.Output.StateFile != "" {
		result.Output.StateFile = profile.Output.StateFile
	}

	// CHANNELS: Selection & Fallback Model
	result.Channels = make([]Channel, 0, len(profile.Channels))

	for _, profileChannel := range profile.Channels {
		resolvedChannel := profileChannel

		channelInheritance := struct {
			Source   string
			Kind     string
			Physical string
		}{
			Source:   "profile-specific",
			Kind:     "profile-specific",
			Physical: "profile-specific",
		}

		// Inherit missing fields from base channel with same name
		if base != nil {
			for _, baseChannel := range base.Channels {
				if baseChannel.Name == profileChannel.Name {
					if resolvedChannel.Source == "" {
						resolvedChannel.Source = baseChannel.Source
						channelInheritance.Source = "inherited"
					}
					if resolvedChannel.Kind == "" {
						resolvedChannel.Kind = baseChannel.Kind
						channelInheritance.Kind = "inherited"
					}
					if !resolvedChannel.Physical && baseChannel.Physical {
						resolvedChannel.Physical = true
						channelInheritance.Physical = "inherited"
					}
					break
				}
			}
		}

		if resolvedChannel.Kind == "" {
			resolvedChannel.Kind = "audio"
		}

		result.Inheritance.Channels[resolvedChannel.Name] = channelInheritance
		result.Channels = append(result.Channels, resolvedChannel)
	}

	return result
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// isValidAudioSource checks if a source name is a valid device:port reference
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)

	// Empty sources are handled elsewhere
	if source == "" {
		return true
	}

	if strings.Contains(source, ":") {
		// Device names may contain colons; the last part is the port
		lastColonIndex := strings.LastIndex(source, ":")
		deviceName := strings.TrimSpace(source[:lastColonIndex])
		channelOrPort := strings.TrimSpace(source[lastColonIndex+1:])

		return len(deviceName) > 0 && len(channelOrPort) > 0
	}

	return len(source) > 0
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// PortIndex returns the numeric port of a device:port source, or -1
func PortIndex(source string) int {
	i := strings.LastIndex(source, ":")
	if i < 0 || !isNumeric(source[i+1:]) {
		return -1
	}
	n := 0
	for _, c := range source[i+1:] {
		n = n*10 + int(c-'0')
	}
	return n
}

func isValidKind(kind string) bool {
	switch strings.ToLower(kind) {
	case "", "audio", "midi":
		return true
	}
	return false
}

func isValidAlignChoice(choice string) bool {
	switch strings.ToLower(choice) {
	case "", "automatic", "existing_material", "capture_time":
		return true
	}
	return false
}

// validateConfig checks a resolved configuration before it is used
func validateConfig(config *Config) error {
	if len(config.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	seen := make(map[string]bool)
	for i, channel := range config.Channels {
		if channel.Name == "" {
			return fmt.Errorf("channel[%d] must have a name", i)
		}
		if seen[channel.Name] {
			return fmt.Errorf("channel[%d]: duplicate name '%s'", i, channel.Name)
		}
		seen[channel.Name] = true

		if !isValidKind(channel.Kind) {
			return fmt.Errorf("channel[%d] '%s' kind must be 'audio' or 'midi', got: %s", i, channel.Name, channel.Kind)
		}
		if !isValidAudioSource(channel.Source) {
			return fmt.Errorf("channel[%d] '%s' source must be a valid device:port, got: %s", i, channel.Name, channel.Source)
		}
	}

	if config.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got: %d", config.Audio.SampleRate)
	}
	if config.Audio.PeriodFrames <= 0 {
		return fmt.Errorf("audio.period_frames must be > 0, got: %d", config.Audio.PeriodFrames)
	}
	if config.Audio.OutputLatency < 0 || config.Audio.InputLatency < 0 {
		return fmt.Errorf("audio latencies must be >= 0")
	}
	if config.Capture.BufferSeconds <= 0 {
		return fmt.Errorf("capture.buffer_seconds must be > 0, got: %v", config.Capture.BufferSeconds)
	}
	if config.Capture.ChunkFrames < 0 {
		return fmt.Errorf("capture.chunk_frames must be >= 0, got: %d", config.Capture.ChunkFrames)
	}
	if !isValidAlignChoice(config.Capture.AlignChoice) {
		return fmt.Errorf("capture.align_choice must be 'automatic', 'existing_material' or 'capture_time', got: %s", config.Capture.AlignChoice)
	}
	if config.Capture.ManualOffset < 0 {
		return fmt.Errorf("capture.manual_offset must be >= 0, got: %d", config.Capture.ManualOffset)
	}
	if config.IsDestructive() && config.MIDIChannelCount() > 0 {
		return fmt.Errorf("capture.destructive cannot be used with midi channels")
	}

	return nil
}

// IsDestructive reports whether takes are written in place
func (c *Config) IsDestructive() bool {
	return c.Capture.Destructive != nil && *c.Capture.Destructive
}

// BufferFrames returns the ring capacity per audio channel in frames
func (c *Config) BufferFrames() int {
	return int(c.Capture.BufferSeconds * float64(c.Audio.SampleRate))
}

// AudioChannelCount returns the number of audio channels
func (c *Config) AudioChannelCount() int {
	return len(c.Channels) - c.MIDIChannelCount()
}

// MIDIChannelCount returns the number of MIDI channels
func (c *Config) MIDIChannelCount() int {
	n := 0
	for _, ch := range c.Channels {
		if strings.EqualFold(ch.Kind, "midi") {
			n++
		}
	}
	return n
}

// StatePath returns where the engine state is persisted
func (c *Config) StatePath() string {
	if filepath.IsAbs(c.Output.StateFile) {
		return c.Output.StateFile
	}
	return filepath.Join(c.Output.Directory, c.Output.StateFile)
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// Set environment variable prefix
	v.SetEnvPrefix("TAKECAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	// Validate that all channel references in configs are valid
	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': empty profile", configName)
		}
		if err := validateChannelReferences(configProfile.Channels, rootConfig.Definitions, configName); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Channels) == 0 {
		return fmt.Errorf("definitions.channels cannot be empty")
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Channels {
		if def.ID == "" {
			return fmt.Errorf("definitions.channels[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.channels[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateChannelDefinition(def, fmt.Sprintf("definitions.channels[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

// validateChannelDefinition validates a single channel definition
func validateChannelDefinition(def ChannelDefinition, prefix string) error {
	if def.Name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}

	if !isValidKind(def.Kind) {
		return fmt.Errorf("%s: 'kind' must be 'audio' or 'midi', got: %s", prefix, def.Kind)
	}

	if !isValidAudioSource(def.Source) {
		return fmt.Errorf("%s: 'source' must be a valid device:port, got: %s", prefix, def.Source)
	}

	if def.Physical && strings.EqualFold(def.Kind, "midi") {
		return fmt.Errorf("%s: midi channels cannot be physical", prefix)
	}

	return nil
}

// validateChannelReferences validates channel references in a config profile
func validateChannelReferences(channels []ChannelReference, definitions *DefinitionsConfig, configName string) error {
	for i, chRef := range channels {
		prefix := fmt.Sprintf("channels[%d]", i)

		if chRef.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}

		found := false
		if definitions != nil {
			for _, def := range definitions.Channels {
				if def.ID == chRef.Ref {
					found = true
					break
				}
			}
		}

		if !found {
			return fmt.Errorf("%s: references undefined channel definition '%s'", prefix, chRef.Ref)
		}

		if chRef.Source != nil && !isValidAudioSource(*chRef.Source) {
			return fmt.Errorf("%s: source override must be a valid device:port, got %s", prefix, *chRef.Source)
		}
	}

	return nil
}
