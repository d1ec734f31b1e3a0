package capture

import "fmt"

// Recordable reports whether the engine may ever record
func (e *Engine) Recordable() bool {
	return e.recordable
}

// RecordEnabled reports the record-enable flag
func (e *Engine) RecordEnabled() bool {
	return e.flags.enabled.Load()
}

// RecordSafe reports the record-safe flag
func (e *Engine) RecordSafe() bool {
	return e.flags.safe.Load()
}

// RecordState returns the current state of the record machinery
func (e *Engine) RecordState() RecordState {
	return e.flags.state()
}

// PrepRecordEnable reports whether record-enable may be engaged now
func (e *Engine) PrepRecordEnable() error {
	if !e.recordable {
		return ErrNotRecordable
	}
	if e.flags.safe.Load() {
		return fmt.Errorf("%w: record safe is engaged", ErrInvalidTransition)
	}
	set := e.chans.Load()
	if set == nil || len(set.list) == 0 {
		return fmt.Errorf("%w: no input channels", ErrConfiguration)
	}
	return nil
}

// PrepRecordDisable reports whether record-enable may be disengaged now
func (e *Engine) PrepRecordDisable() error {
	if !e.recordable {
		return ErrNotRecordable
	}
	return nil
}

// SetRecordEnabled engages or disengages recording. Engaging opens the write
// sources first; when that fails the flag stays off and the error is both
// returned and posted once.
func (e *Engine) SetRecordEnabled(yn bool) error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if yn {
		return e.engageRecordEnable()
	}
	return e.disengageRecordEnable()
}

func (e *Engine) engageRecordEnable() error {
	if err := e.PrepRecordEnable(); err != nil {
		return err
	}
	if e.flags.enabled.Load() {
		return nil
	}

	e.ioMu.Lock()
	err := e.openSourcesLocked(e.chans.Load())
	e.ioMu.Unlock()
	if err != nil {
		e.logger.Warn("Cannot engage record enable", "error", err)
		e.post(Event{Type: EventError, Err: err})
		return err
	}

	if e.flags.engage() {
		e.post(Event{Type: EventRecordEnableChanged, Enabled: true})
	}
	return nil
}

func (e *Engine) disengageRecordEnable() error {
	if err := e.PrepRecordDisable(); err != nil {
		return err
	}
	if e.flags.disengage() {
		e.post(Event{Type: EventRecordEnableChanged, Enabled: false})
	}
	return nil
}

// SetRecordSafe toggles record-safe. Engaging it while recording disengages
// recording first.
func (e *Engine) SetRecordSafe(yn bool) error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if !e.recordable {
		return ErrNotRecordable
	}

	if !yn {
		if e.flags.safe.CompareAndSwap(true, false) {
			e.post(Event{Type: EventRecordSafeChanged, Enabled: false})
		}
		return nil
	}

	if e.flags.safe.Load() {
		return nil
	}
	if err := e.disengageRecordEnable(); err != nil {
		return err
	}
	e.flags.safe.Store(true)
	e.post(Event{Type: EventRecordSafeChanged, Enabled: true})
	return nil
}
