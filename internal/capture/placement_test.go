package capture

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/takecapture/internal/source"
)

func TestEngine_DestructiveHonoursAlignment(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := newTestEngine(t, nil, func(o *Options) {
		o.Sources = source.NewFactory(fs, "/takes", 48000)
		o.AlignChoice = UseExistingMaterial
	})
	if err := e.SetDestructive(true); err != nil {
		t.Fatalf("SetDestructive failed: %v", err)
	}
	e.SetCaptureOffset(64)
	mustEnable(t, e)

	runCycles(e, 1000, 1256, 256)
	stop(e, 1256, 1256)
	mustFlush(t, e)

	entries := e.Ledger().Entries()
	if len(entries) != 1 || entries[0].Start != 936 || entries[0].Length != 256 {
		t.Fatalf("Expected one entry {936 256}, got %+v", entries)
	}
	if err := e.SetRecordEnabled(false); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if err := e.ResetWriteSources(false, true); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	data, err := afero.ReadFile(fs, "/takes/Take-mic.wav")
	if err != nil {
		t.Fatalf("Failed to read take: %v", err)
	}
	frame := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[44+i*4:]))
	}
	if len(data) != 44+(936+256)*4 {
		t.Fatalf("Expected %d frames in the file, got %d bytes", 936+256, len(data))
	}
	// the first captured frame sits where the ledger places the take
	if v := frame(936); v != 1000 {
		t.Errorf("Expected frame 936 to hold 1000, got %v", v)
	}
	if v := frame(936 + 255); v != 1255 {
		t.Errorf("Expected frame 1191 to hold 1255, got %v", v)
	}
}

func TestEngine_DestructiveDropsFramesBeforeOrigin(t *testing.T) {
	opener := &memOpener{}
	e := newTestEngine(t, opener, func(o *Options) { o.AlignChoice = UseExistingMaterial })
	if err := e.SetDestructive(true); err != nil {
		t.Fatalf("SetDestructive failed: %v", err)
	}
	e.SetCaptureOffset(64)
	mustEnable(t, e)

	runCycles(e, 0, 512, 256)
	stop(e, 512, 512)
	mustFlush(t, e)

	if entries := e.Ledger().Entries(); len(entries) != 1 || entries[0].Start != -64 {
		t.Fatalf("Expected one entry starting at -64, got %+v", entries)
	}
	src := opener.byName("Take-mic")
	if len(src.frames) != 448 || src.starts[0] != 0 {
		t.Fatalf("Expected 448 frames from 0, got %d from %v", len(src.frames), src.starts)
	}
	checkRamp(t, src.frames, 64)
}

func TestEngine_MIDILoopWrapContinuesSource(t *testing.T) {
	opener := &memOpener{}
	e := newTestEngine(t, opener, nil, ChannelConfig{Name: "keys", Kind: source.MIDI})
	mustEnable(t, e)

	key := byte(60)
	pass := func() {
		for pos := Sample(0); pos < 1024; pos += 256 {
			var evs []source.MidiEvent
			if pos%512 == 0 {
				evs = append(evs, source.MidiEvent{Time: 0, Size: 3, Data: [3]byte{0x90, key, 100}})
				key++
			}
			e.Run(&CycleInput{MIDI: [][]source.MidiEvent{evs}}, Cycle{Pos: pos, Frames: 256, Speed: 1})
		}
	}

	pass()
	e.TransportLooped(0)
	pass()
	stop(e, 1024, 1024)
	mustFlush(t, e)

	entries := e.Ledger().Entries()
	if len(entries) != 2 || entries[0].Length != 1024 || entries[1].Length != 1024 {
		t.Fatalf("Expected two passes of 1024, got %+v", entries)
	}
	sources := e.LastCaptureSources()
	if len(sources) != 1 {
		t.Fatalf("Expected one source for the take, got %v", sources)
	}
	src := opener.byName(sources[0])

	want := []int64{0, 512, 1024, 1536}
	if len(src.placed) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(src.placed))
	}
	for i, w := range want {
		if src.placed[i] != w {
			t.Errorf("Event %d (key %d): expected position %d, got %d", i, src.events[i].Data[1], w, src.placed[i])
		}
	}
}

func TestEngine_LedgerStartsNeverDecrease(t *testing.T) {
	opener := &memOpener{}
	e := newTestEngine(t, opener, nil)
	mustEnable(t, e)

	runCycles(e, 0, 512, 256)
	stop(e, 512, 512)

	e.NonRealtimeLocate(2000)
	runCycles(e, 2000, 2512, 256)
	stop(e, 2512, 2512)

	// punch out ends a take; the next locate re-arms it
	if err := e.SetPunchRange(5000, 5500, true); err != nil {
		t.Fatalf("SetPunchRange failed: %v", err)
	}
	e.NonRealtimeLocate(4864)
	runCycles(e, 4864, 5632, 256)
	e.NonRealtimeLocate(6000)
	if err := e.SetPunchRange(0, 0, false); err != nil {
		t.Fatalf("SetPunchRange failed: %v", err)
	}
	runCycles(e, 6000, 6256, 256)
	stop(e, 6256, 6256)
	mustFlush(t, e)

	entries := e.Ledger().Entries()
	if len(entries) != 4 {
		t.Fatalf("Expected 4 entries, got %+v", entries)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Start < entries[i-1].Start {
			t.Errorf("Entry %d starts at %d, before entry %d at %d", i, entries[i].Start, i-1, entries[i-1].Start)
		}
	}
	if entries[2].Start != 5000 || entries[2].Length != 500 {
		t.Errorf("Expected the punched take {5000 500}, got %+v", entries[2])
	}
	if len(e.Takes()) != 4 {
		t.Errorf("Expected 4 takes, got %d", len(e.Takes()))
	}
}

func TestEngine_ResetWriteSourcesIdempotent(t *testing.T) {
	opener := &memOpener{}
	e := newTestEngine(t, opener, nil)

	if names := e.WriteSources(); names[0] != "" {
		t.Fatalf("Expected no open source before arming, got %v", names)
	}

	if err := e.ResetWriteSources(false, false); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	first := e.WriteSources()
	opened := opener.count()
	if first[0] == "" || opened != 1 {
		t.Fatalf("Expected one source opened, got %v (%d opens)", first, opened)
	}

	if err := e.ResetWriteSources(false, false); err != nil {
		t.Fatalf("Second reset failed: %v", err)
	}
	if again := e.WriteSources(); again[0] != first[0] {
		t.Errorf("Expected %s to stay in place, got %s", first[0], again[0])
	}
	if opener.count() != opened {
		t.Errorf("Expected no further opens, got %d", opener.count()-opened)
	}
	if len(opener.removed) != 0 {
		t.Errorf("Expected nothing removed, got %v", opener.removed)
	}
}
