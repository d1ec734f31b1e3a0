package capture

import "github.com/audiolibrelab/takecapture/internal/source"

// Run captures one cycle. It is called from the driver callback and must not
// allocate, block or perform I/O.
func (e *Engine) Run(in *CycleInput, c Cycle) {
	set := e.chans.Load()
	if set == nil {
		return
	}
	if !inputMatches(set, in, c) {
		e.configurationFault(set)
		return
	}

	capturing := e.flags.capturing()
	if e.flags.wasRecording.Load() && !capturing {
		e.finishTake(set, e.captured.Load(), !e.keepOnCancel)
	}
	if !capturing || c.Speed <= 0 || c.Frames <= 0 {
		return
	}

	if !e.windowArmed {
		if e.windowClosed {
			return
		}
		e.armWindow(c.Pos)
		if e.window.Empty() {
			e.windowArmed = false
			e.windowClosed = true
			return
		}
	}

	recN, recOff := CalculateRecordRange(e.window, c.Pos, c.Frames, c.Speed)
	if recN == 0 {
		return
	}

	if !hasSpace(set, in, c, recN, recOff) {
		e.post(Event{Type: EventOverrun})
		return
	}
	if !e.segmentOpen && !e.openSegment(set, c.Pos+Sample(recOff)) {
		return
	}

	e.copyCycle(set, in, c, recN, recOff)
	e.captured.Add(Sample(recN))

	if e.window.Last != MaxSample && c.Pos+Sample(c.Frames) >= e.window.Last {
		e.finishTake(set, e.captured.Load(), false)
		e.windowClosed = true
		return
	}

	chunk := e.chunkFrames.Load()
	for _, ch := range set.list {
		if ch.cfg.Kind == source.Audio && int64(ch.readSpace()) >= chunk ||
			ch.cfg.Kind == source.MIDI && ch.readSpace() >= ch.capacity()/2 {
			e.requestFlush()
			break
		}
	}
}

func inputMatches(set *channelSet, in *CycleInput, c Cycle) bool {
	if in == nil || len(in.Audio) != set.nAudio || len(in.MIDI) != set.nMIDI {
		return false
	}
	if c.Offset < 0 {
		return false
	}
	for _, buf := range in.Audio {
		if len(buf) < c.Offset+c.Frames {
			return false
		}
	}
	return true
}

// configurationFault disables recording when the input no longer matches the
// configured channels. The take in progress keeps what was already captured.
func (e *Engine) configurationFault(set *channelSet) {
	if !e.flags.disengage() {
		return
	}
	e.post(Event{Type: EventError, Err: ErrConfiguration})
	e.post(Event{Type: EventRecordEnableChanged, Enabled: false})
	if e.flags.wasRecording.Load() {
		e.finishTake(set, e.captured.Load(), false)
	}
}

func (e *Engine) armWindow(pos Sample) {
	e.window = Window{First: pos, Last: MaxSample}
	if e.punchOn.Load() {
		if in := e.punchIn.Load(); in > pos {
			e.window.First = in
		}
		e.window.Last = e.punchOut.Load()
	}
	e.windowArmed = true
}

func hasSpace(set *channelSet, in *CycleInput, c Cycle, recN, recOff int) bool {
	lo := Sample(c.Offset + recOff)
	hi := lo + Sample(recN)
	for _, ch := range set.list {
		if ch.cfg.Kind == source.Audio {
			if ch.audio.WriteSpace() < recN {
				return false
			}
			continue
		}
		n := 0
		for _, ev := range in.MIDI[ch.index] {
			if ev.Time >= lo && ev.Time < hi {
				n++
			}
		}
		if ch.midi.WriteSpace() < n {
			return false
		}
	}
	return true
}

// openSegment queues a start marker ahead of the segment's first frames
func (e *Engine) openSegment(set *channelSet, start Sample) bool {
	m, ok := set.markers.Reserve()
	if !ok {
		e.post(Event{Type: EventOverrun})
		return false
	}

	newTake := !e.flags.wasRecording.Load()
	place := start - e.alignOffset()
	m.kind = markerStart
	m.newTake = newTake
	m.captureStart = start
	m.info = CaptureInfo{Start: place}
	m.discard = false
	for i, ch := range set.list {
		m.ends[i] = ch.written()
		ch.captureStart.Store(start)
		ch.captured.Store(0)
	}
	set.markers.Commit()

	if newTake {
		e.loops.Store(0)
	}
	e.captureStart.Store(start)
	e.captured.Store(0)
	e.segPlace = place
	e.segmentOpen = true
	e.flags.wasRecording.Store(true)
	return true
}

func (e *Engine) copyCycle(set *channelSet, in *CycleInput, c Cycle, recN, recOff int) {
	lo := c.Offset + recOff
	for _, ch := range set.list {
		ch.captured.Add(Sample(recN))
		if ch.cfg.Kind == source.Audio {
			ch.audio.Write(in.Audio[ch.index][lo : lo+recN])
			continue
		}

		mirror := e.gui.mu.TryLock()
		n := 0
		for _, ev := range in.MIDI[ch.index] {
			if ev.Time < Sample(lo) || ev.Time >= Sample(lo+recN) {
				continue
			}
			ev.Time = c.Pos + ev.Time - Sample(c.Offset)
			ch.midi.Push(ev)
			if mirror {
				e.gui.push(ch.id, ev)
			}
			n++
		}
		if mirror {
			e.gui.mu.Unlock()
		}
		if n > 0 {
			e.post(Event{Type: EventDataRecorded, Channel: ch.id, Frames: int64(n)})
		}
	}
}

// finishSegment queues an end marker carrying the segment's ledger entry.
// length may be shorter than what was captured; the flush path drops the rest.
func (e *Engine) finishSegment(set *channelSet, kind markerKind, length Sample, discard bool) {
	if !e.segmentOpen && kind != markerTakeEnd {
		return
	}

	if m, ok := set.markers.Reserve(); ok {
		start := e.captureStart.Load()
		m.kind = kind
		m.newTake = false
		m.captureStart = start
		m.discard = discard
		m.info = CaptureInfo{Start: e.segPlace, Length: length, Loop: int(e.loops.Load())}
		if !e.segmentOpen {
			m.info.Length = 0
		}
		for i, ch := range set.list {
			m.ends[i] = ch.written()
		}
		set.markers.Commit()
	} else {
		e.post(Event{Type: EventOverrun})
	}

	if e.segmentOpen {
		e.captured.Store(length)
		for _, ch := range set.list {
			ch.captured.Store(length)
		}
	}
	e.segmentOpen = false
	e.requestFlush()
}

// finishTake ends the take in progress and disarms the window
func (e *Engine) finishTake(set *channelSet, length Sample, discard bool) {
	if !e.flags.wasRecording.Load() {
		return
	}
	e.finishSegment(set, markerTakeEnd, length, discard)
	e.flags.wasRecording.Store(false)
	e.windowArmed = false
}
