package source

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"gitlab.com/gomidi/midi/v2"
)

func readFile(t *testing.T, fs afero.Fs, path string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return data
}

func TestAudioFile_NewFileAppends(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFactory(fs, "/takes", 48000)

	src, err := f.Open(Request{Base: "Take", Channel: "guitar", Kind: Audio, Take: 1})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := src.Append(Chunk{Kind: Audio, Start: 4000, Frames: []float32{0.5, -0.5}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := src.Append(Chunk{Kind: Audio, Start: 4002, Frames: []float32{0.25}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	af := src.(*AudioFile)
	if af.Origin() != 4000 {
		t.Errorf("Expected origin 4000, got %d", af.Origin())
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data := readFile(t, fs, filepath.Join("/takes", src.Name()))
	if len(data) != wavHeaderSize+3*bytesPerSample {
		t.Fatalf("Expected %d bytes, got %d", wavHeaderSize+3*bytesPerSample, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Errorf("Expected RIFF/WAVE header, got %q", data[0:12])
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); size != 3*bytesPerSample {
		t.Errorf("Expected data size %d, got %d", 3*bytesPerSample, size)
	}
	last := math.Float32frombits(binary.LittleEndian.Uint32(data[wavHeaderSize+2*bytesPerSample:]))
	if last != 0.25 {
		t.Errorf("Expected last frame 0.25, got %f", last)
	}
}

func TestAudioFile_DestructiveWritesAtPosition(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFactory(fs, "/takes", 48000)

	req := Request{Base: "Take", Channel: "bass", Kind: Audio, Mode: Destructive}
	src, err := f.Open(req)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := src.Append(Chunk{Kind: Audio, Start: 10, Frames: []float32{1, 1}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening keeps the existing material and overwrites in place
	src, err = f.Open(req)
	if err != nil {
		t.Fatalf("Expected no error on reopen, got: %v", err)
	}
	if src.(*AudioFile).Frames() != 12 {
		t.Errorf("Expected 12 frames after reopen, got %d", src.(*AudioFile).Frames())
	}
	if err := src.Append(Chunk{Kind: Audio, Start: 11, Frames: []float32{0.5}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data := readFile(t, fs, filepath.Join("/takes", "Take-bass.wav"))
	if len(data) != wavHeaderSize+12*bytesPerSample {
		t.Fatalf("Expected %d bytes, got %d", wavHeaderSize+12*bytesPerSample, len(data))
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(data[wavHeaderSize+11*bytesPerSample:]))
	if v != 0.5 {
		t.Errorf("Expected overwritten frame 0.5, got %f", v)
	}
}

func TestAudioFile_RejectsMidiChunk(t *testing.T) {
	f := NewFactory(afero.NewMemMapFs(), "/takes", 48000)
	src, err := f.Open(Request{Base: "Take", Channel: "guitar", Kind: Audio})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer src.Close()

	if err := src.Append(Chunk{Kind: MIDI}); err == nil {
		t.Error("Expected error when appending midi data to an audio source")
	}
}

func TestMidiFile_WritesStandardMidiFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFactory(fs, "/takes", 48000)

	src, err := f.Open(Request{Base: "Take", Channel: "keys", Kind: MIDI, Take: 2})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.HasSuffix(src.Name(), ".mid") {
		t.Errorf("Expected .mid name, got %s", src.Name())
	}

	on, _ := NewMidiEvent(1000, midi.NoteOn(0, 60, 100))
	off, _ := NewMidiEvent(25000, midi.NoteOff(0, 60))
	if err := src.Append(Chunk{Kind: MIDI, Start: 1000, Events: []MidiEvent{on, off}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data := readFile(t, fs, filepath.Join("/takes", src.Name()))
	if len(data) < 14 || string(data[0:4]) != "MThd" {
		t.Errorf("Expected a standard midi file, got %d bytes", len(data))
	}
}

func TestMidiFile_PlacesChunksAtOffset(t *testing.T) {
	f := NewFactory(afero.NewMemMapFs(), "/takes", 48000)
	src, err := f.Open(Request{Base: "Take", Channel: "keys", Kind: MIDI})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// two loop passes over [0, 48000), the second stored after the first
	for i, offset := range []int64{0, 48000} {
		a, _ := NewMidiEvent(0, midi.NoteOn(0, uint8(60+2*i), 100))
		b, _ := NewMidiEvent(24000, midi.NoteOn(0, uint8(61+2*i), 100))
		if err := src.Append(Chunk{Kind: MIDI, Start: 0, Offset: offset, Events: []MidiEvent{a, b}}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	mf := src.(*MidiFile)
	want := []int64{0, 960, 1920, 2880}
	if len(mf.events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(mf.events))
	}
	for i, w := range want {
		if got := mf.ticks(mf.events[i].Time); got != w {
			t.Errorf("Key %d: expected tick %d, got %d", mf.events[i].Data[1], w, got)
		}
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestMidiFile_DestructiveRefused(t *testing.T) {
	f := NewFactory(afero.NewMemMapFs(), "/takes", 48000)
	if _, err := f.Open(Request{Base: "Take", Channel: "keys", Kind: MIDI, Mode: Destructive}); err == nil {
		t.Error("Expected error for destructive midi source")
	}
}

func TestFactory_OpenFailsOnReadOnlyFs(t *testing.T) {
	f := NewFactory(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/takes", 48000)
	_, err := f.Open(Request{Base: "Take", Channel: "guitar", Kind: Audio})
	if err == nil {
		t.Fatal("Expected error opening a source on a read-only filesystem")
	}
}

func TestFactory_UniqueNamesAndRemove(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFactory(fs, "/takes", 48000)

	a, err := f.Open(Request{Base: "My Song", Channel: "gtr", Kind: Audio, Take: 1})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	b, err := f.Open(Request{Base: "My Song", Channel: "gtr", Kind: Audio, Take: 1})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	a.Close()
	b.Close()

	if a.Name() == b.Name() {
		t.Errorf("Expected unique names, both were %s", a.Name())
	}
	if !strings.HasPrefix(a.Name(), "My_Song-gtr-1-") {
		t.Errorf("Expected sanitized name prefix, got %s", a.Name())
	}

	if err := f.Remove(a.Name()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := fs.Stat(filepath.Join("/takes", a.Name())); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected removed file to be gone, got: %v", err)
	}
}

func TestNewMidiEvent_RejectsLongMessages(t *testing.T) {
	if _, ok := NewMidiEvent(0, midi.Message{0xF0, 0x01, 0x02, 0x03, 0xF7}); ok {
		t.Error("Expected sysex message to be rejected")
	}
	ev, ok := NewMidiEvent(5, midi.NoteOn(1, 64, 90))
	if !ok {
		t.Fatal("Expected note on to be accepted")
	}
	var ch, key, vel uint8
	if !ev.Message().GetNoteStart(&ch, &key, &vel) || ch != 1 || key != 64 || vel != 90 {
		t.Errorf("Expected note on ch=1 key=64 vel=90, got ch=%d key=%d vel=%d", ch, key, vel)
	}
}
