package source

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Factory opens write sources inside a directory of an afero filesystem
type Factory struct {
	fs         afero.Fs
	dir        string
	sampleRate int
	newID      func() string
}

// NewFactory creates a factory writing into dir
func NewFactory(fs afero.Fs, dir string, sampleRate int) *Factory {
	return &Factory{
		fs:         fs,
		dir:        dir,
		sampleRate: sampleRate,
		newID:      func() string { return uuid.NewString()[:8] },
	}
}

// Dir returns the directory sources are created in
func (f *Factory) Dir() string {
	return f.dir
}

// Open creates the storage for one channel's take
func (f *Factory) Open(req Request) (WriteSource, error) {
	if req.Base == "" {
		return nil, fmt.Errorf("write source base name is required")
	}
	if err := f.fs.MkdirAll(f.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create source directory %s: %w", f.dir, err)
	}

	name := f.name(req)
	path := filepath.Join(f.dir, name)

	switch req.Kind {
	case Audio:
		return openAudioFile(f.fs, path, name, f.sampleRate, req.Mode == Destructive)
	case MIDI:
		if req.Mode == Destructive {
			return nil, fmt.Errorf("midi channel %s cannot record destructively", req.Channel)
		}
		return openMidiFile(f.fs, path, name, f.sampleRate)
	}
	return nil, fmt.Errorf("unsupported source kind: %s", req.Kind)
}

// Remove deletes the storage behind a source name
func (f *Factory) Remove(name string) error {
	if name == "" {
		return nil
	}
	if err := f.fs.Remove(filepath.Join(f.dir, name)); err != nil {
		return fmt.Errorf("failed to remove source %s: %w", name, err)
	}
	return nil
}

func (f *Factory) name(req Request) string {
	ext := ".wav"
	if req.Kind == MIDI {
		ext = ".mid"
	}

	if req.Mode == Destructive {
		if req.Name != "" {
			return req.Name
		}
		return fmt.Sprintf("%s-%s%s", CleanName(req.Base), CleanName(req.Channel), ext)
	}
	return fmt.Sprintf("%s-%s-%d-%s%s", CleanName(req.Base), CleanName(req.Channel), req.Take, f.newID(), ext)
}

// CleanName sanitizes a file name component
// Allows: letters, numbers, spaces, hyphens, underscores
func CleanName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}
