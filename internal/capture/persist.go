package capture

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/takecapture/internal/source"
)

// State is the persisted configuration of an engine
type State struct {
	Name            string         `yaml:"name"`
	WriteSourceName string         `yaml:"write_source_name,omitempty"`
	AlignmentStyle  string         `yaml:"alignment_style"`
	AlignmentChoice string         `yaml:"alignment_choice"`
	Destructive     bool           `yaml:"destructive"`
	ChunkFrames     int            `yaml:"chunk_frames"`
	CaptureOffset   int64          `yaml:"capture_offset"`
	RecordSafe      bool           `yaml:"record_safe"`
	Channels        []ChannelState `yaml:"channels"`
}

// ChannelState is the persisted part of one channel
type ChannelState struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	WriteSource string `yaml:"write_source,omitempty"`
}

// State captures the engine's persistable configuration
func (e *Engine) State() *State {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	st := &State{
		Name:            e.name,
		WriteSourceName: e.writeSourceName,
		AlignmentStyle:  e.AlignmentStyle().String(),
		AlignmentChoice: e.AlignmentChoice().String(),
		Destructive:     e.destructive.Load(),
		ChunkFrames:     e.ChunkFrames(),
		CaptureOffset:   e.CaptureOffset(),
		RecordSafe:      e.flags.safe.Load(),
	}

	if set := e.chans.Load(); set != nil {
		for _, ch := range set.list {
			cs := ChannelState{Name: ch.cfg.Name, Kind: ch.cfg.Kind.String(), WriteSource: ch.savedName}
			if ch.src != nil {
				cs.WriteSource = ch.src.Name()
			}
			st.Channels = append(st.Channels, cs)
		}
	}
	return st
}

// SetState restores a persisted configuration. It never opens storage; the
// restored source names are used when recording is next engaged.
func (e *Engine) SetState(st *State) error {
	if st == nil {
		return fmt.Errorf("%w: no state", ErrConfiguration)
	}

	style, err := ParseAlignStyle(st.AlignmentStyle)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	choice, err := ParseAlignChoice(st.AlignmentChoice)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if e.flags.wasRecording.Load() {
		return fmt.Errorf("%w: cannot restore state while recording", ErrInvalidTransition)
	}

	set := e.chans.Load()
	if set != nil && len(st.Channels) > 0 {
		if len(st.Channels) != len(set.list) {
			return fmt.Errorf("%w: state has %d channels, engine has %d", ErrConfiguration, len(st.Channels), len(set.list))
		}
		for i, cs := range st.Channels {
			kind, err := source.ParseKind(cs.Kind)
			if err != nil || kind != set.list[i].cfg.Kind {
				return fmt.Errorf("%w: channel %q kind mismatch", ErrConfiguration, cs.Name)
			}
		}
	}
	if st.Destructive && set != nil && set.nMIDI > 0 {
		return fmt.Errorf("%w: midi channels cannot record destructively", ErrConfiguration)
	}
	if st.ChunkFrames > 0 {
		if err := e.SetChunkFrames(st.ChunkFrames); err != nil {
			return err
		}
	}

	e.ioMu.Lock()
	if st.Name != "" {
		e.name = st.Name
	}
	if st.WriteSourceName != "" {
		e.writeSourceName = st.WriteSourceName
	}
	e.destructive.Store(st.Destructive)
	if set != nil {
		for i, cs := range st.Channels {
			set.list[i].savedName = cs.WriteSource
		}
	}
	e.ioMu.Unlock()

	e.SetCaptureOffset(st.CaptureOffset)
	e.alignChoice.Store(int32(choice))
	if choice == Automatic {
		e.setAlignStyleFromIO()
	} else {
		e.SetAlignStyle(style, true)
	}

	if st.RecordSafe && !e.flags.safe.Load() {
		if e.flags.disengage() {
			e.post(Event{Type: EventRecordEnableChanged, Enabled: false})
		}
		e.flags.safe.Store(true)
		e.post(Event{Type: EventRecordSafeChanged, Enabled: true})
	} else if !st.RecordSafe && e.flags.safe.CompareAndSwap(true, false) {
		e.post(Event{Type: EventRecordSafeChanged, Enabled: false})
	}
	return nil
}

// MarshalState encodes a state as YAML
func MarshalState(st *State) ([]byte, error) {
	data, err := yaml.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine state: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes a YAML state document
func UnmarshalState(data []byte) (*State, error) {
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode engine state: %w", err)
	}
	return &st, nil
}

// SaveState writes a state document to path
func SaveState(fs afero.Fs, path string, st *State) error {
	data, err := MarshalState(st)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return fmt.Errorf("failed to write engine state: %w", err)
	}
	return nil
}

// LoadState reads a state document from path
func LoadState(fs afero.Fs, path string) (*State, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine state: %w", err)
	}
	return UnmarshalState(data)
}
