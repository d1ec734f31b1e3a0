package capture

import (
	"time"

	"go.uber.org/multierr"
)

// NonRealtimeLocate handles a transport relocation. A take in progress ends
// unless pos continues it exactly. Called from the realtime path between cycles.
func (e *Engine) NonRealtimeLocate(pos Sample) {
	set := e.chans.Load()
	if set == nil {
		return
	}

	if e.flags.wasRecording.Load() {
		if e.segmentOpen && pos == e.CurrentCaptureEnd() {
			return
		}
		e.finishTake(set, e.captured.Load(), !e.keepOnCancel)
	}
	e.windowArmed = false
	e.windowClosed = false
}

// TransportLooped closes the segment captured since the last loop boundary
// and re-arms the window at loopStart. The take and its sources carry on.
func (e *Engine) TransportLooped(loopStart Sample) {
	set := e.chans.Load()
	if set == nil {
		return
	}

	if e.segmentOpen {
		e.finishSegment(set, markerSegmentEnd, e.captured.Load(), false)
		e.loops.Add(1)
	}
	if e.flags.wasRecording.Load() || e.windowArmed || e.windowClosed {
		e.armWindow(loopStart)
		e.windowClosed = false
		if e.window.Empty() {
			e.windowArmed = false
		}
	}
}

// PrepareToStop ends the take at the last sample the performer actually
// heard. Frames captured beyond audible are dropped at flush time.
func (e *Engine) PrepareToStop(transportPos, audible Sample) {
	set := e.chans.Load()
	if set == nil || !e.flags.wasRecording.Load() {
		return
	}

	length := e.captured.Load()
	if e.segmentOpen {
		if limit := audible - e.captureStart.Load(); limit < length {
			length = max(limit, 0)
		}
	}
	e.finishTake(set, length, false)
}

// RealtimeHandleTransportStopped finalizes whatever PrepareToStop left open
// and disarms the window.
func (e *Engine) RealtimeHandleTransportStopped() {
	set := e.chans.Load()
	if set == nil {
		return
	}
	if e.flags.wasRecording.Load() {
		e.finishTake(set, e.captured.Load(), false)
	}
	e.windowArmed = false
	e.windowClosed = false
	e.requestFlush()
}

// TransportStoppedWallclock completes the stop on the non-realtime side. It
// forces a flush, stamps the takes finalized since the last stop and, when
// abort is set, removes them from the ledger and deletes their sources.
func (e *Engine) TransportStoppedWallclock(when time.Time, abort bool) error {
	_, err := e.Flush(true)

	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	first := len(e.takes)
	for first > 0 && e.takes[first-1].StoppedAt.IsZero() {
		first--
	}
	for i := first; i < len(e.takes); i++ {
		e.takes[i].StoppedAt = when
	}
	if !abort || first == len(e.takes) {
		return err
	}

	dropped := 0
	removed := make(map[string]bool)
	for _, t := range e.takes[first:] {
		dropped += len(t.Segments)
		if e.destructive.Load() {
			// in-place writes cannot be undone by deleting the shared file
			continue
		}
		for _, name := range t.Sources {
			removed[name] = true
			err = multierr.Append(err, e.opener.Remove(name))
		}
	}
	e.ledger.dropLast(dropped)
	e.takes = e.takes[:first]

	kept := e.lastCapture[:0]
	for _, name := range e.lastCapture {
		if !removed[name] {
			kept = append(kept, name)
		}
	}
	e.lastCapture = kept

	e.logger.Info("Aborted capture", "segments", dropped, "sources", len(removed))
	return err
}
