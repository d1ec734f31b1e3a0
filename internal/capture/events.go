package capture

import (
	"context"

	"github.com/audiolibrelab/takecapture/internal/event"
)

// EventType names an engine notification
type EventType string

const (
	EventAlignmentStyleChanged EventType = "capture.alignment_style_changed"
	EventRecordEnableChanged   EventType = "capture.record_enable_changed"
	EventRecordSafeChanged     EventType = "capture.record_safe_changed"
	EventDataRecorded          EventType = "capture.data_recorded"
	EventOverrun               EventType = "capture.overrun"
	EventSegmentFinalized      EventType = "capture.segment_finalized"
	EventWriteFailed           EventType = "capture.write_failed"
	EventError                 EventType = "capture.error"
)

// Event is a notification from the engine. It is a plain value so that the
// realtime path can post it without allocating.
type Event struct {
	Type    EventType
	Channel int
	// Frames is the amount of data available: frames for audio, events for MIDI
	Frames  int64
	Info    CaptureInfo
	Align   AlignStyle
	Enabled bool
	Err     error
}

// EventType implements event.Event
func (e Event) EventType() string {
	return string(e.Type)
}

// post hands an event to the notifier without blocking. When the queue is
// full the event is dropped and counted.
func (e *Engine) post(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.droppedEvents.Add(1)
	}
}

// ReportError posts an error notification. It does not block and may be
// called from the realtime path.
func (e *Engine) ReportError(err error) {
	e.post(Event{Type: EventError, Err: err})
}

// Events exposes the raw notification queue
func (e *Engine) Events() <-chan Event {
	return e.events
}

// DroppedEvents returns how many notifications were lost to a full queue
func (e *Engine) DroppedEvents() uint64 {
	return e.droppedEvents.Load()
}

// PumpEvents publishes queued notifications on the bus until ctx is done.
// It runs on its own goroutine so that handlers never execute on the
// realtime path.
func (e *Engine) PumpEvents(ctx context.Context, bus *event.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			bus.Publish(ev)
		}
	}
}
