package capture

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/audiolibrelab/takecapture/internal/source"
)

// Flush moves captured data from the rings to the write sources. Pending
// segment markers are applied in order first; then each channel drains whole
// chunks, or everything when force is set. more reports that at least one
// channel still holds a full chunk.
func (e *Engine) Flush(force bool) (more bool, err error) {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	set := e.chans.Load()
	if set == nil {
		return false, nil
	}

	// Watermarks are taken before the markers are read. Any frame below them
	// belongs either to a marker processed below or to a segment already open.
	snap := make([]uint64, len(set.list))
	for i, ch := range set.list {
		snap[i] = ch.written()
	}

	for {
		m, ok := set.markers.Front()
		if !ok {
			break
		}
		err = multierr.Append(err, e.drainToMarker(set, m))
		err = multierr.Append(err, e.applyMarker(set, m))
		set.markers.Advance(1)
	}

	more, derr := e.drainChunks(set, snap, force)
	return more, multierr.Append(err, derr)
}

func (e *Engine) channelPool() *pool.ErrorPool {
	return pool.New().WithErrors().WithMaxGoroutines(e.workers)
}

func (e *Engine) drainToMarker(set *channelSet, m *marker) error {
	p := e.channelPool()
	for i, ch := range set.list {
		end := m.ends[i]
		p.Go(func() error {
			if !ch.segActive || m.kind == markerStart || m.discard || e.takeHalted.Load() {
				ch.skip(end)
				return nil
			}
			if ch.cfg.Kind == source.MIDI {
				return e.writeMIDI(ch, end, m.captureStart+m.info.Length, true)
			}
			keep := min(end, ch.segBase+uint64(m.info.Length))
			return e.writeAudio(ch, keep, end)
		})
	}
	return p.Wait()
}

func (e *Engine) applyMarker(set *channelSet, m *marker) error {
	if m.kind == markerStart {
		if m.newTake || e.curTake == nil {
			e.takeHalted.Store(false)
			e.curTake = &Take{ID: uuid.NewString()}
			if err := e.openSourcesLocked(set); err != nil {
				e.haltTake(err)
				return err
			}
		}
		for i, ch := range set.list {
			ch.segActive = true
			ch.segStart = m.captureStart
			ch.segPlace = m.info.Start
			ch.segBase = m.ends[i]
		}
		return nil
	}

	for _, ch := range set.list {
		if ch.segActive && !m.discard {
			ch.srcOffset += m.info.Length
		}
		ch.segActive = false
	}
	if m.info.Length > 0 && !e.takeHalted.Load() {
		e.ledger.append(m.info)
		if e.curTake == nil {
			e.curTake = &Take{ID: uuid.NewString()}
		}
		e.curTake.Segments = append(e.curTake.Segments, m.info)
		e.post(Event{Type: EventSegmentFinalized, Info: m.info})
		e.logger.Debug("Segment finalized", "start", m.info.Start, "length", m.info.Length, "loop", m.info.Loop)
	}
	if m.kind == markerTakeEnd {
		return e.endTakeLocked(set)
	}
	return nil
}

// endTakeLocked retires the sources of the finished take and, while still
// record-enabled, opens fresh ones for the next take
func (e *Engine) endTakeLocked(set *channelSet) error {
	take := e.curTake
	e.curTake = nil

	var names []string
	for _, ch := range set.list {
		if ch.src != nil && ch.wrote {
			names = append(names, ch.src.Name())
		}
	}

	var err error
	if !e.destructive.Load() {
		err = e.closeSourcesLocked(set, false)
		e.takeNum++
		if e.flags.enabled.Load() {
			if oerr := e.openSourcesLocked(set); oerr != nil {
				e.logger.Warn("Cannot prepare sources for the next take", "error", oerr)
				err = multierr.Append(err, oerr)
			}
		}
	} else {
		for _, ch := range set.list {
			ch.wrote = false
		}
	}

	e.lastCapture = append(e.lastCapture, names...)
	if take != nil && len(take.Segments) > 0 {
		take.Sources = names
		e.takes = append(e.takes, *take)
		e.logger.Info("Take finalized", "id", take.ID, "segments", len(take.Segments), "sources", len(names))
	}
	return err
}

func (e *Engine) drainChunks(set *channelSet, snap []uint64, force bool) (bool, error) {
	chunk := uint64(e.chunkFrames.Load())
	hold := e.holdback.Load()

	p := e.channelPool()
	for i, ch := range set.list {
		limit := snap[i]
		p.Go(func() error {
			if !ch.segActive || e.takeHalted.Load() {
				ch.skip(limit)
				return nil
			}

			if ch.cfg.Kind == source.MIDI {
				cutoff := MaxSample
				if !force {
					cutoff = ch.segStart + ch.captured.Load() - hold
				}
				return e.writeMIDI(ch, limit, cutoff, false)
			}

			rd := ch.audio.Read()
			if limit <= rd {
				return nil
			}
			n := limit - rd
			if !force {
				if uint64(hold) >= n {
					return nil
				}
				n -= uint64(hold)
				n -= n % chunk
			}
			return e.writeAudio(ch, rd+n, rd+n)
		})
	}
	err := p.Wait()

	for _, ch := range set.list {
		if ch.cfg.Kind != source.Audio || !ch.segActive {
			continue
		}
		avail := int64(ch.readSpace())
		if !force {
			avail -= hold
		}
		if avail >= int64(chunk) {
			return true, err
		}
	}
	return false, err
}

// writeAudio appends frames up to keep and drops the rest up to end
func (e *Engine) writeAudio(ch *channelState, keep, end uint64) error {
	if ch.src == nil {
		ch.skip(end)
		return nil
	}

	chunk := e.ChunkFrames()
	if len(ch.frameBuf) < chunk {
		ch.frameBuf = make([]float32, chunk)
	}

	destructive := e.destructive.Load()
	for ch.audio.Read() < keep {
		rd := ch.audio.Read()
		start := ch.segPlace + Sample(rd-ch.segBase)

		// In place writes cannot land before the start of the file
		if destructive && start < 0 {
			ch.audio.Advance(int(min(-start, Sample(keep-rd))))
			continue
		}

		n := ch.audio.Peek(ch.frameBuf[:min(keep-rd, uint64(len(ch.frameBuf)))])
		if n == 0 {
			break
		}

		c := source.Chunk{
			Kind:   source.Audio,
			Start:  start,
			Frames: ch.frameBuf[:n],
		}
		if err := ch.src.Append(c); err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrStorageWrite, ch.src.Name(), err)
			e.haltTake(err)
			ch.skip(end)
			return err
		}
		ch.audio.Advance(n)
		ch.wrote = true
		e.post(Event{Type: EventDataRecorded, Channel: ch.id, Frames: int64(n)})
	}

	ch.skip(end)
	return nil
}

// writeMIDI appends events older than cutoff up to end. Later events are
// dropped when dropLate is set and otherwise stay queued for the next flush.
func (e *Engine) writeMIDI(ch *channelState, end uint64, cutoff Sample, dropLate bool) error {
	if ch.src == nil {
		ch.skip(end)
		return nil
	}
	if len(ch.eventBuf) == 0 {
		ch.eventBuf = make([]source.MidiEvent, 256)
	}

	for ch.midi.Read() < end {
		rd := ch.midi.Read()
		n := ch.midi.Peek(ch.eventBuf[:min(end-rd, uint64(len(ch.eventBuf)))])
		if n == 0 {
			break
		}

		keep, consumed := 0, 0
		for _, ev := range ch.eventBuf[:n] {
			if ev.Time >= cutoff {
				if !dropLate {
					break
				}
				consumed++
				continue
			}
			ch.eventBuf[keep] = ev
			keep++
			consumed++
		}

		if keep > 0 {
			c := source.Chunk{Kind: source.MIDI, Start: ch.segStart, Offset: ch.srcOffset, Events: ch.eventBuf[:keep]}
			if err := ch.src.Append(c); err != nil {
				err = fmt.Errorf("%w: %s: %w", ErrStorageWrite, ch.src.Name(), err)
				e.haltTake(err)
				ch.skip(end)
				return err
			}
			ch.wrote = true
		}
		ch.midi.Advance(consumed)
		if consumed < n {
			break
		}
	}

	if dropLate {
		ch.skip(end)
	}
	return nil
}

// haltTake stops the take after a storage failure. It runs once per take;
// later failures from parallel drains are only returned.
func (e *Engine) haltTake(err error) {
	if e.takeHalted.Swap(true) {
		return
	}
	e.logger.Error("Capture halted", "error", err)
	if e.flags.disengage() {
		e.post(Event{Type: EventRecordEnableChanged, Enabled: false})
	}
	e.post(Event{Type: EventWriteFailed, Err: err})
	e.post(Event{Type: EventOverrun})
}
